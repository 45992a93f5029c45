// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package eventstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tomtom215/traintracks/internal/models"
)

// Test helpers

func createTestConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Path = filepath.Join(t.TempDir(), "queue")
	cfg.SyncWrites = false
	cfg.MaxCount = 100
	cfg.RemoveBatchSize = 5
	return cfg
}

func setupStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(n int) *models.Event {
	return &models.Event{
		EventType:       "event-" + strconv.Itoa(n),
		EventProperties: models.Properties{{Key: "n", Value: models.Int(int64(n))}},
		Timestamp:       int64(1_700_000_000_000 + n),
		SessionID:       1_700_000_000_000,
		DeviceID:        "device",
		UUID:            fmt.Sprintf("uuid-%d", n),
		Library:         models.DefaultLibrary(),
	}
}

func appendN(ctx context.Context, t *testing.T, s *Store, from, n int) []uint64 {
	t.Helper()
	ids := make([]uint64, 0, n)
	for i := from; i < from+n; i++ {
		id, err := s.Append(ctx, testEvent(i))
		if err != nil {
			t.Fatalf("Append(%d) failed: %v", i, err)
		}
		ids = append(ids, id)
	}
	return ids
}

func eventTypes(t *testing.T, records []models.Record) []string {
	t.Helper()
	out := make([]string, len(records))
	for i, r := range records {
		var ev models.Event
		if err := r.Decode(&ev); err != nil {
			t.Fatalf("decode record %d: %v", r.ID, err)
		}
		out[i] = ev.EventType
	}
	return out
}

// Tests

func TestAppend_CountMatchesAppended(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, createTestConfig(t))

	ids := appendN(ctx, t, s, 0, 25)
	if got := s.Count(); got != 25 {
		t.Errorf("Count() = %d, want 25", got)
	}
	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("ids not increasing: %v", ids)
		}
	}
}

func TestAppend_EvictsOldestBatch(t *testing.T) {
	ctx := context.Background()
	cfg := createTestConfig(t)
	cfg.MaxCount = 10
	cfg.RemoveBatchSize = 5
	s := setupStore(t, cfg)

	before := testutil.ToFloat64(queueEvictedTotal)
	appendN(ctx, t, s, 1, 11)

	if got := s.Count(); got != 6 {
		t.Fatalf("Count() = %d, want 6 (5 trimmed, then the 11th admitted)", got)
	}
	records, err := s.PeekOldest(ctx, 100)
	if err != nil {
		t.Fatalf("PeekOldest failed: %v", err)
	}
	got := eventTypes(t, records)
	want := []string{"event-6", "event-7", "event-8", "event-9", "event-10", "event-11"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("remaining events = %v, want %v", got, want)
		}
	}

	if delta := testutil.ToFloat64(queueEvictedTotal) - before; delta != 5 {
		t.Errorf("evicted metric delta = %v, want 5", delta)
	}
	if st := s.Stats(); st.Evicted != 5 || st.Appended != 11 || s.Dropped() != 5 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestAppend_NeverExceedsMaxCount(t *testing.T) {
	ctx := context.Background()
	cfg := createTestConfig(t)
	cfg.MaxCount = 10
	cfg.RemoveBatchSize = 5
	s := setupStore(t, cfg)

	for i := 1; i <= 57; i++ {
		appendN(ctx, t, s, i, 1)
		if c := s.Count(); c > 10 {
			t.Fatalf("after %d appends Count() = %d exceeds max", i, c)
		}
	}
}

func TestSetMaxCount_LowerCapacityTrimsOnNextAppend(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, createTestConfig(t))

	appendN(ctx, t, s, 0, 10)
	s.SetMaxCount(4)
	appendN(ctx, t, s, 10, 1)

	if got := s.Count(); got > 4 {
		t.Errorf("Count() = %d, want <= 4", got)
	}
	if s.MaxCount() != 4 {
		t.Errorf("MaxCount() = %d", s.MaxCount())
	}
}

func TestRemove_Idempotent(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, createTestConfig(t))

	ids := appendN(ctx, t, s, 0, 6)

	n, err := s.Remove(ctx, ids[:3])
	if err != nil || n != 3 {
		t.Fatalf("Remove() = %d, %v; want 3, nil", n, err)
	}
	n, err = s.Remove(ctx, ids[:3])
	if err != nil || n != 0 {
		t.Fatalf("second Remove() = %d, %v; want 0, nil", n, err)
	}
	if got := s.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}

	n, err = s.Remove(ctx, []uint64{ids[3], 999_999})
	if err != nil || n != 1 {
		t.Errorf("Remove with absent id = %d, %v; want 1, nil", n, err)
	}
}

func TestPeekOldest_OrderedAndReadOnly(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, createTestConfig(t))

	appendN(ctx, t, s, 0, 20)

	first, err := s.PeekOldest(ctx, 8)
	if err != nil {
		t.Fatalf("PeekOldest failed: %v", err)
	}
	second, err := s.PeekOldest(ctx, 8)
	if err != nil {
		t.Fatalf("PeekOldest failed: %v", err)
	}

	if len(first) != 8 {
		t.Fatalf("len = %d, want 8", len(first))
	}
	for i := range first {
		if i > 0 && first[i].ID <= first[i-1].ID {
			t.Errorf("ids out of order at %d: %v", i, models.IDs(first))
		}
		if first[i].ID != second[i].ID || string(first[i].Payload) != string(second[i].Payload) {
			t.Errorf("repeated peek differs at %d", i)
		}
	}
	if s.Count() != 20 {
		t.Errorf("peek changed count to %d", s.Count())
	}

	if recs, _ := s.PeekOldest(ctx, 0); len(recs) != 0 {
		t.Error("limit 0 should return nothing")
	}
}

func TestPeekOldest_DiscardsUnreadableRows(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, createTestConfig(t))

	appendN(ctx, t, s, 0, 2)

	// Garbage row sorting after every real id.
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(queueKey(1<<40), []byte("{not json"))
	})
	if err != nil {
		t.Fatalf("inject row: %v", err)
	}
	s.mu.Lock()
	s.count++
	s.mu.Unlock()
	appendN(ctx, t, s, 2, 1)

	records, err := s.PeekOldest(ctx, 10)
	if err != nil {
		t.Fatalf("PeekOldest failed: %v", err)
	}
	if len(records) != 3 {
		t.Errorf("len = %d, want 3 valid records", len(records))
	}
	if got := s.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3 after discarding the bad row", got)
	}
	if s.Stats().CorruptRows != 1 {
		t.Errorf("CorruptRows = %d, want 1", s.Stats().CorruptRows)
	}
}

func TestAppendRaw_RejectsInvalidJSON(t *testing.T) {
	s := setupStore(t, createTestConfig(t))

	if _, err := s.AppendRaw(context.Background(), []byte("nope")); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("AppendRaw error = %v, want ErrInvalidPayload", err)
	}
	if _, err := s.Append(context.Background(), nil); !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Append(nil) error = %v, want ErrInvalidPayload", err)
	}
	if s.Count() != 0 {
		t.Error("invalid payload must not be queued")
	}
}

func TestClear_KeepsState(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, createTestConfig(t))

	appendN(ctx, t, s, 0, 5)
	if err := s.SaveState(StateOptOut, true); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if s.Count() != 0 {
		t.Errorf("Count() = %d after Clear", s.Count())
	}

	var optOut bool
	found, err := s.LoadState(StateOptOut, &optOut)
	if err != nil || !found || !optOut {
		t.Errorf("LoadState = %v, %v, %v; state must survive Clear", optOut, found, err)
	}
}

func TestLoadState_Missing(t *testing.T) {
	s := setupStore(t, createTestConfig(t))

	var v map[string]any
	found, err := s.LoadState("nothing", &v)
	if err != nil || found {
		t.Errorf("LoadState = %v, %v; want false, nil", found, err)
	}
}

func TestReopen_PreservesQueueAndOrdering(t *testing.T) {
	ctx := context.Background()
	cfg := createTestConfig(t)

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	ids := appendN(ctx, t, s, 0, 4)
	if err := s.SaveState(StateSession, map[string]int64{"session_id": 42}); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s = setupStore(t, cfg)
	if s.Count() != 4 {
		t.Fatalf("Count() after reopen = %d, want 4", s.Count())
	}
	next := appendN(ctx, t, s, 4, 1)[0]
	if next <= ids[len(ids)-1] {
		t.Errorf("id after reopen %d not greater than %d", next, ids[len(ids)-1])
	}

	var st map[string]int64
	if found, err := s.LoadState(StateSession, &st); err != nil || !found || st["session_id"] != 42 {
		t.Errorf("session state after reopen = %v (%v, %v)", st, found, err)
	}
}

func TestOpen_NewerSchemaResets(t *testing.T) {
	ctx := context.Background()
	cfg := createTestConfig(t)

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	appendN(ctx, t, s, 0, 3)
	if err := writeVersion(s.db, models.DBVersion+1); err != nil {
		t.Fatalf("writeVersion failed: %v", err)
	}
	_ = s.Close()

	strict := cfg
	strict.ResetOnCorruption = false
	if _, err := Open(strict); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Open without reset error = %v, want ErrCorrupt", err)
	}

	before := testutil.ToFloat64(queueResetsTotal)
	s = setupStore(t, cfg)
	if s.Count() != 0 {
		t.Errorf("Count() after reset = %d, want 0", s.Count())
	}
	if testutil.ToFloat64(queueResetsTotal)-before != 1 {
		t.Error("expected reset metric to increment")
	}
	appendN(ctx, t, s, 0, 1)
}

func TestPrependUUID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"b":2,"a":1}`, `{"uuid":"u-1","b":2,"a":1}`},
		{` { "z" : [1] } `, `{"uuid":"u-1","z" : [1] }`},
		{`{}`, `{"uuid":"u-1"}`},
	}
	for _, tt := range tests {
		got := string(prependUUID([]byte(tt.in), "u-1"))
		if got != tt.want {
			t.Errorf("prependUUID(%s) = %s, want %s", tt.in, got, tt.want)
		}
		if !json.Valid([]byte(got)) {
			t.Errorf("prependUUID(%s) produced invalid JSON", tt.in)
		}
	}
}

func TestOpen_MigratesFirstVersionRows(t *testing.T) {
	ctx := context.Background()
	cfg := createTestConfig(t)

	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(queueKey(1), []byte(`{"event_type":"legacy","timestamp":1}`)); err != nil {
			return err
		}
		return txn.Set(queueKey(2), []byte(`{"event_type":"has","uuid":"keep-me"}`))
	})
	if err != nil {
		t.Fatalf("seed rows: %v", err)
	}
	if err := writeVersion(s.db, models.DBFirstVersion); err != nil {
		t.Fatalf("writeVersion failed: %v", err)
	}
	_ = s.Close()

	s = setupStore(t, cfg)
	records, err := s.PeekOldest(ctx, 10)
	if err != nil || len(records) != 2 {
		t.Fatalf("PeekOldest = %d records, %v", len(records), err)
	}

	var legacy, kept map[string]any
	_ = json.Unmarshal(records[0].Payload, &legacy)
	_ = json.Unmarshal(records[1].Payload, &kept)
	if id, _ := legacy["uuid"].(string); id == "" {
		t.Errorf("legacy row missing backfilled uuid: %s", records[0].Payload)
	}
	if !bytes.HasSuffix(records[0].Payload, []byte(`,"event_type":"legacy","timestamp":1}`)) {
		t.Errorf("legacy row fields rewritten: %s", records[0].Payload)
	}
	if kept["uuid"] != "keep-me" {
		t.Errorf("existing uuid overwritten: %s", records[1].Payload)
	}

	v, found, err := readVersion(s.db)
	if err != nil || !found || v != models.DBVersion {
		t.Errorf("version after migration = %d (%v, %v)", v, found, err)
	}
}

func TestConcurrentAppend(t *testing.T) {
	ctx := context.Background()
	cfg := createTestConfig(t)
	cfg.MaxCount = 1000
	s := setupStore(t, cfg)

	const workers, perWorker = 8, 25
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = make(map[uint64]bool)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := s.Append(ctx, testEvent(w*perWorker+i))
				if err != nil {
					t.Errorf("Append failed: %v", err)
					return
				}
				mu.Lock()
				ids[id] = true
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(ids) != workers*perWorker {
		t.Errorf("unique ids = %d, want %d", len(ids), workers*perWorker)
	}
	if s.Count() != workers*perWorker {
		t.Errorf("Count() = %d, want %d", s.Count(), workers*perWorker)
	}
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s, err := Open(createTestConfig(t))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close should be a no-op, got %v", err)
	}

	if _, err := s.Append(ctx, testEvent(1)); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Append error = %v", err)
	}
	if _, err := s.PeekOldest(ctx, 1); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("PeekOldest error = %v", err)
	}
	if _, err := s.Remove(ctx, []uint64{1}); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("Remove error = %v", err)
	}
	if err := s.SaveState(StateOptOut, true); !errors.Is(err, ErrStoreClosed) {
		t.Errorf("SaveState error = %v", err)
	}
}

func TestInMemoryStore(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.Path = ""
	cfg.InMemory = true
	s := setupStore(t, cfg)

	appendN(context.Background(), t, s, 0, 3)
	if s.Count() != 3 {
		t.Errorf("Count() = %d", s.Count())
	}
	if err := s.RunGC(); err != nil {
		t.Errorf("RunGC on in-memory store = %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		modify func(*Config)
		field  string
	}{
		{"missing path", func(c *Config) { c.Path = "" }, "Path"},
		{"zero max", func(c *Config) { c.MaxCount = 0 }, "MaxCount"},
		{"zero batch", func(c *Config) { c.RemoveBatchSize = 0 }, "RemoveBatchSize"},
		{"tiny memtable", func(c *Config) { c.MemTableSize = 1024 }, "MemTableSize"},
		{"bad gc ratio", func(c *Config) { c.GCRatio = 1.5 }, "GCRatio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			tt.modify(&cfg)
			var ce *ConfigError
			if err := cfg.Validate(); !errors.As(err, &ce) || ce.Field != tt.field {
				t.Errorf("Validate() = %v, want ConfigError on %s", err, tt.field)
			}
		})
	}

	ok := DefaultConfig()
	if err := ok.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}
