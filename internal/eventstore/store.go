// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

// Package eventstore provides the durable, ordered, bounded queue of events
// waiting for upload, plus the small single-row state records (session,
// identity, opt-out) that must survive restarts alongside it.
//
// The store is backed by BadgerDB. Every queued event lives under a key made
// of a prefix and its big-endian sequence id, so a prefix scan returns events
// oldest first. Appends, removals and evictions all run under one mutex, and
// with SyncWrites enabled a call that returned successfully survives a crash.
package eventstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"github.com/goccy/go-json"
	"github.com/tomtom215/traintracks/internal/logging"
	"github.com/tomtom215/traintracks/internal/models"
)

// Key layout
const (
	prefixQueue  = "q:"
	prefixState  = "state:"
	keyVersion   = "meta:version"
	keySequence  = "meta:seq"
	seqBandwidth = 128

	// removeChunk bounds how many deletes go into one transaction.
	removeChunk = 1000
)

// State record names.
const (
	StateSession  = "session"
	StateIdentity = "identity"
	StateOptOut   = "opt_out"
)

// Errors
var (
	// ErrStoreClosed is returned when the store is closed.
	ErrStoreClosed = errors.New("event store is closed")

	// ErrCapacityExceeded is returned when eviction cannot make room.
	ErrCapacityExceeded = errors.New("event store capacity exceeded")

	// ErrInvalidPayload is returned when a payload is not valid JSON.
	ErrInvalidPayload = errors.New("event payload is not valid JSON")

	// ErrCorrupt is returned when the persisted store cannot be understood.
	ErrCorrupt = errors.New("event store corrupt")
)

// Stats contains event store counters for monitoring.
type Stats struct {
	Count       int
	MaxCount    int
	Appended    int64
	Removed     int64
	Evicted     int64
	CorruptRows int64
	LSMBytes    int64
	VLogBytes   int64
}

// Store is the BadgerDB-backed event queue.
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	config Config

	mu          sync.Mutex
	closed      bool
	count       int
	maxCount    int
	removeBatch int

	appended    atomic.Int64
	removed     atomic.Int64
	evicted     atomic.Int64
	corruptRows atomic.Int64
}

// Open opens (or creates) the store at the configured path. When the
// existing database cannot be read and ResetOnCorruption is set, the
// directory is wiped and an empty store is opened instead.
func Open(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event store config: %w", err)
	}

	s, err := open(cfg)
	if err == nil {
		return s, nil
	}
	if !cfg.ResetOnCorruption || cfg.InMemory || isLockError(err) {
		return nil, err
	}

	logging.Error().
		Err(err).
		Str("path", cfg.Path).
		Msg("Event store unreadable, resetting to an empty queue")
	RecordReset()

	if rmErr := os.RemoveAll(cfg.Path); rmErr != nil {
		return nil, fmt.Errorf("reset event store: %w", rmErr)
	}
	return open(cfg)
}

func open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = cfg.SyncWrites
	opts.MemTableSize = cfg.MemTableSize
	opts.ValueLogFileSize = cfg.ValueLogFileSize
	opts.Compression = options.None
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open BadgerDB: %w", err)
	}

	s := &Store{
		db:          db,
		config:      cfg,
		maxCount:    cfg.MaxCount,
		removeBatch: cfg.RemoveBatchSize,
	}

	if err := s.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("in_memory", cfg.InMemory).
		Bool("sync_writes", cfg.SyncWrites).
		Int("event_count", s.count).
		Msg("Event store opened")
	return s, nil
}

// prepare checks the schema version, migrates if needed, and loads the
// sequence and cached count.
func (s *Store) prepare() error {
	if err := s.checkVersion(); err != nil {
		return err
	}

	seq, err := s.db.GetSequence([]byte(keySequence), seqBandwidth)
	if err != nil {
		return fmt.Errorf("%w: sequence: %v", ErrCorrupt, err)
	}
	s.seq = seq

	n, err := s.countQueued()
	if err != nil {
		_ = seq.Release()
		return fmt.Errorf("%w: count: %v", ErrCorrupt, err)
	}
	s.count = n
	SetDepth(n)
	return nil
}

// isLockError reports a directory held by another process. Badger exposes
// no sentinel for it, and wiping a live store would destroy its data.
func isLockError(err error) bool {
	return strings.Contains(err.Error(), "Cannot acquire directory lock")
}

func queueKey(id uint64) []byte {
	key := make([]byte, len(prefixQueue)+8)
	copy(key, prefixQueue)
	binary.BigEndian.PutUint64(key[len(prefixQueue):], id)
	return key
}

func queueID(key []byte) (uint64, bool) {
	if len(key) != len(prefixQueue)+8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(key[len(prefixQueue):]), true
}

func (s *Store) countQueued() (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(prefixQueue)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Append serializes ev and adds it to the end of the queue, returning its
// sequence id.
func (s *Store) Append(ctx context.Context, ev *models.Event) (uint64, error) {
	if ev == nil {
		return 0, ErrInvalidPayload
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	return s.AppendRaw(ctx, payload)
}

// AppendRaw adds an already serialized event to the end of the queue. When
// the queue is full the oldest events are evicted in the same transaction.
// Evicted events are lost; the loss shows up only in Count and Stats.
func (s *Store) AppendRaw(ctx context.Context, payload []byte) (uint64, error) {
	start := time.Now()

	if !json.Valid(payload) {
		return 0, ErrInvalidPayload
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	next, err := s.seq.Next()
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	id := next + 1

	evicted := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		if s.count >= s.maxCount {
			want := s.removeBatch
			if over := s.count - s.maxCount + 1; over > want {
				want = over
			}
			n, err := evictOldest(txn, want)
			if err != nil {
				return err
			}
			evicted = n
		}
		if s.count-evicted >= s.maxCount {
			return ErrCapacityExceeded
		}
		return txn.Set(queueKey(id), payload)
	})
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			return 0, err
		}
		return 0, fmt.Errorf("append to BadgerDB: %w", err)
	}

	s.count = s.count - evicted + 1
	s.appended.Add(1)
	SetDepth(s.count)
	RecordAppend(time.Since(start).Seconds())

	if evicted > 0 {
		s.evicted.Add(int64(evicted))
		RecordEvicted(evicted)
		logging.Warn().
			Int("evicted", evicted).
			Int("max_count", s.maxCount).
			Msg("Event queue full, dropped oldest events")
	}
	return id, nil
}

// evictOldest deletes up to n of the oldest queued events in txn.
func evictOldest(txn *badger.Txn, n int) (int, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)

	keys := make([][]byte, 0, n)
	prefix := []byte(prefixQueue)
	for it.Seek(prefix); it.ValidForPrefix(prefix) && len(keys) < n; it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()

	for _, key := range keys {
		if err := txn.Delete(key); err != nil {
			return 0, fmt.Errorf("evict: %w", err)
		}
	}
	return len(keys), nil
}

// PeekOldest returns up to limit of the oldest events in ascending id order
// without removing them. Rows whose payload is not valid JSON are discarded.
func (s *Store) PeekOldest(ctx context.Context, limit int) ([]models.Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	records := make([]models.Record, 0, limit)
	var corrupt [][]byte

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixQueue)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(records) < limit; it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}

			item := it.Item()
			id, ok := queueID(item.Key())
			val, err := item.ValueCopy(nil)
			if !ok || err != nil || !json.Valid(val) {
				corrupt = append(corrupt, item.KeyCopy(nil))
				continue
			}
			records = append(records, models.Record{ID: id, Payload: val})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate queue: %w", err)
	}

	if len(corrupt) > 0 {
		s.discardCorrupt(corrupt)
	}
	return records, nil
}

// discardCorrupt deletes unreadable rows (must be called with mu held).
func (s *Store) discardCorrupt(keys [][]byte) {
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		logging.Error().Err(err).Int("rows", len(keys)).Msg("Failed to discard unreadable queue rows")
		return
	}
	s.count -= len(keys)
	if s.count < 0 {
		s.count = 0
	}
	s.corruptRows.Add(int64(len(keys)))
	RecordCorruptRows(len(keys))
	SetDepth(s.count)
	logging.Error().Int("rows", len(keys)).Msg("Discarded unreadable queue rows")
}

// Remove deletes the given ids. Ids that are not queued are ignored, so
// calling Remove twice with the same ids is the same as calling it once.
// It returns how many events were actually removed.
func (s *Store) Remove(ctx context.Context, ids []uint64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	total := 0
	for start := 0; start < len(ids); start += removeChunk {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		end := start + removeChunk
		if end > len(ids) {
			end = len(ids)
		}

		removed := 0
		err := s.db.Update(func(txn *badger.Txn) error {
			for _, id := range ids[start:end] {
				key := queueKey(id)
				if _, err := txn.Get(key); err != nil {
					if errors.Is(err, badger.ErrKeyNotFound) {
						continue
					}
					return err
				}
				if err := txn.Delete(key); err != nil {
					return err
				}
				removed++
			}
			return nil
		})
		if err != nil {
			return total, fmt.Errorf("remove from BadgerDB: %w", err)
		}
		total += removed
		s.count -= removed
	}

	s.removed.Add(int64(total))
	RecordRemoved(total)
	SetDepth(s.count)
	return total, nil
}

// Count returns the number of queued events.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Clear removes every queued event. State records are kept.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if err := s.db.DropPrefix([]byte(prefixQueue)); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	s.count = 0
	SetDepth(0)
	return nil
}

// SetMaxCount changes the queue capacity. A lower capacity takes effect on
// the next append, which evicts enough events to get back under it.
func (s *Store) SetMaxCount(n int) {
	if n < 1 {
		return
	}
	s.mu.Lock()
	s.maxCount = n
	s.mu.Unlock()
}

// MaxCount returns the current queue capacity.
func (s *Store) MaxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxCount
}

// LoadState reads the named state record into v. It reports false when the
// record has never been written.
func (s *Store) LoadState(name string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrStoreClosed
	}

	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefixState + name))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read state %s: %w", name, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("%w: state %s: %v", ErrCorrupt, name, err)
	}
	return true, nil
}

// SaveState durably writes the named state record.
func (s *Store) SaveState(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal state %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(prefixState+name), data)
	})
}

// Dropped returns how many events eviction has discarded since Open.
func (s *Store) Dropped() int64 {
	return s.evicted.Load()
}

// Stats returns current store statistics.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	count, maxCount, closed := s.count, s.maxCount, s.closed
	s.mu.Unlock()

	stats := Stats{
		Count:       count,
		MaxCount:    maxCount,
		Appended:    s.appended.Load(),
		Removed:     s.removed.Load(),
		Evicted:     s.evicted.Load(),
		CorruptRows: s.corruptRows.Load(),
	}
	if !closed {
		stats.LSMBytes, stats.VLogBytes = s.db.Size()
	}
	return stats
}

// RunGC triggers BadgerDB value log garbage collection until nothing is left
// to rewrite.
func (s *Store) RunGC() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStoreClosed
	}
	if s.config.InMemory {
		return nil
	}

	RecordGCRun()
	for {
		err := s.db.RunValueLogGC(s.config.GCRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close releases the sequence and closes BadgerDB, giving up after
// CloseTimeout.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	timeout := s.config.CloseTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	s.mu.Unlock()

	if err := s.seq.Release(); err != nil {
		logging.Warn().Err(err).Msg("Failed to release event sequence")
	}

	done := make(chan error, 1)
	go func() {
		done <- s.db.Close()
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("close BadgerDB: %w", err)
		}
		logging.Info().Msg("Event store closed")
		return nil
	case <-time.After(timeout):
		logging.Warn().Dur("timeout", timeout).Msg("BadgerDB close timed out")
		return fmt.Errorf("badgerdb close timeout after %v", timeout)
	}
}

func parseVersion(data []byte) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: version marker %q", ErrCorrupt, data)
	}
	return v, nil
}
