// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package eventstore

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tomtom215/traintracks/internal/logging"
	"github.com/tomtom215/traintracks/internal/models"
)

// migration upgrades the store from version From to From+1.
type migration struct {
	From  int
	Apply func(db *badger.DB) error
}

var migrations = []migration{
	{From: 2, Apply: backfillEventUUIDs},
}

// checkVersion reads the schema marker and runs pending migrations. A
// marker newer than models.DBVersion, older than models.DBFirstVersion, or
// unreadable is reported as ErrCorrupt.
func (s *Store) checkVersion() error {
	version, found, err := readVersion(s.db)
	if err != nil {
		return err
	}

	if !found {
		n, err := s.countQueued()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if n == 0 {
			return writeVersion(s.db, models.DBVersion)
		}
		// Rows without a marker predate versioning of the queue keyspace.
		version = models.DBFirstVersion
	}

	switch {
	case version > models.DBVersion:
		return fmt.Errorf("%w: schema version %d is newer than supported %d", ErrCorrupt, version, models.DBVersion)
	case version < models.DBFirstVersion:
		return fmt.Errorf("%w: schema version %d can no longer be migrated", ErrCorrupt, version)
	}

	for _, m := range migrations {
		if m.From < version {
			continue
		}
		if m.From != version {
			break
		}
		if err := m.Apply(s.db); err != nil {
			return fmt.Errorf("migrate schema %d: %w", m.From, err)
		}
		version = m.From + 1
		if err := writeVersion(s.db, version); err != nil {
			return err
		}
		logging.Info().Int("version", version).Msg("Event store schema migrated")
	}
	return nil
}

func readVersion(db *badger.DB) (int, bool, error) {
	var data []byte
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyVersion))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: read version: %v", ErrCorrupt, err)
	}
	v, err := parseVersion(data)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}

func writeVersion(db *badger.DB, version int) error {
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(keyVersion), []byte(strconv.Itoa(version)))
	})
}

// backfillEventUUIDs gives every queued event a uuid so the collector can
// deduplicate resubmissions of events queued by older releases.
func backfillEventUUIDs(db *badger.DB) error {
	type row struct {
		key     []byte
		payload []byte
	}
	var rows []row

	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(prefixQueue)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}

			var fields map[string]json.RawMessage
			if err := json.Unmarshal(val, &fields); err != nil || fields == nil {
				// Left for PeekOldest to discard.
				continue
			}
			id, ok := fields["uuid"]
			if ok && string(id) != `""` && string(id) != "null" {
				continue
			}

			var updated []byte
			if ok {
				// A blank uuid is replaced in place, which re-marshals the
				// object and sorts its top-level fields.
				fields["uuid"], _ = json.Marshal(uuid.NewString())
				if updated, err = json.Marshal(fields); err != nil {
					return err
				}
			} else {
				updated = prependUUID(val, uuid.NewString())
			}
			rows = append(rows, row{key: item.KeyCopy(nil), payload: updated})
		}
		return nil
	})
	if err != nil {
		return err
	}

	wb := db.NewWriteBatch()
	for _, r := range rows {
		if err := wb.Set(r.key, r.payload); err != nil {
			wb.Cancel()
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return err
	}

	logging.Info().Int("events", len(rows)).Msg("Backfilled event uuids")
	return nil
}

// prependUUID inserts a uuid field at the start of a JSON object, leaving
// the rest of the payload byte for byte as it was.
func prependUUID(obj []byte, id string) []byte {
	rest := bytes.TrimSpace(obj)
	rest = bytes.TrimSpace(rest[1:])

	out := make([]byte, 0, len(obj)+len(id)+12)
	out = append(out, `{"uuid":`...)
	out = strconv.AppendQuote(out, id)
	if rest[0] != '}' {
		out = append(out, ',')
	}
	return append(out, rest...)
}
