// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/tomtom215/traintracks/internal/models"
)

// memStore is an in-memory StateStore.
type memStore struct {
	mu      sync.Mutex
	records map[string][]byte
	saveErr error
	saves   int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string][]byte)}
}

func (m *memStore) LoadState(name string, v any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.records[name]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(data, v)
}

func (m *memStore) SaveState(name string, v any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.records[name] = data
	m.saves++
	return nil
}

const gap = 5 * time.Minute

func TestObserve_FirstEventStartsSession(t *testing.T) {
	t.Parallel()

	tr := New(newMemStore(), gap, true)
	d := tr.Observe(1000, false)

	if !d.Started || d.Ended || d.SessionID != 1000 {
		t.Errorf("Observe() = %+v, want a started session 1000 with nothing ended", d)
	}
}

func TestObserve_WithinGapReusesSession(t *testing.T) {
	t.Parallel()

	tr := New(newMemStore(), gap, true)
	tr.Observe(1000, false)

	d := tr.Observe(1000+gap.Milliseconds()-1, false)
	if d.Started || d.Ended || d.SessionID != 1000 {
		t.Errorf("Observe() = %+v, want reuse of session 1000", d)
	}
	if got := tr.Current().LastEventTime; got != 1000+gap.Milliseconds()-1 {
		t.Errorf("LastEventTime = %d", got)
	}

	// Exactly the gap still continues the session.
	last := tr.Current().LastEventTime
	if d := tr.Observe(last+gap.Milliseconds(), false); d.Started {
		t.Errorf("event exactly at the gap should reuse the session: %+v", d)
	}
}

func TestObserve_AfterGapBracketsNewSession(t *testing.T) {
	t.Parallel()

	tr := New(newMemStore(), gap, true)
	tr.Observe(1000, false)
	tr.Observe(2000, false)

	next := 2000 + gap.Milliseconds() + 1
	d := tr.Observe(next, false)

	if !d.Started || d.SessionID != next {
		t.Errorf("expected new session %d, got %+v", next, d)
	}
	if !d.Ended || d.EndedSessionID != 1000 || d.EndTimestamp != 2000 {
		t.Errorf("expected end of session 1000 at 2000, got %+v", d)
	}
}

func TestObserve_OutOfSessionIsIgnored(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	tr := New(store, gap, true)
	tr.Observe(1000, false)
	saves := store.saves

	d := tr.Observe(1000+10*gap.Milliseconds(), true)
	if d.SessionID != models.NoSession || d.Started || d.Ended {
		t.Errorf("out-of-session decision = %+v", d)
	}
	if st := tr.Current(); st.SessionID != 1000 || st.LastEventTime != 1000 {
		t.Errorf("out-of-session event changed state to %+v", st)
	}
	if store.saves != saves {
		t.Error("out-of-session event must not write state")
	}

	// The session did not get extended, so a later in-session event within
	// the gap of the original still continues it.
	if d := tr.Observe(1000+gap.Milliseconds()-1, false); d.SessionID != 1000 {
		t.Errorf("session should continue, got %+v", d)
	}
}

func TestNew_RestoresPersistedState(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	New(store, gap, true).Observe(5000, false)

	tr := New(store, gap, true)
	if st := tr.Current(); st.SessionID != 5000 {
		t.Fatalf("restored state = %+v", st)
	}
	if d := tr.Observe(6000, false); d.SessionID != 5000 || d.Started {
		t.Errorf("restored tracker should continue session 5000, got %+v", d)
	}
}

func TestObserve_PersistFailureIsAbsorbed(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.saveErr = errors.New("disk full")
	tr := New(store, gap, false)

	if d := tr.Observe(1, false); d.SessionID != 1 {
		t.Errorf("Observe() = %+v", d)
	}
	if d := tr.Observe(2, false); d.SessionID != 1 {
		t.Errorf("in-memory state should still be used, got %+v", d)
	}
}

func TestSetters(t *testing.T) {
	t.Parallel()

	tr := New(newMemStore(), gap, false)
	tr.SetMinTimeBetweenSessions(time.Second)
	tr.SetTrackingSessionEvents(true)

	if tr.MinTimeBetweenSessions() != time.Second {
		t.Errorf("MinTimeBetweenSessions() = %v", tr.MinTimeBetweenSessions())
	}
	if !tr.TrackingSessionEvents() {
		t.Error("TrackingSessionEvents() = false")
	}

	tr.Observe(0, false)
	if d := tr.Observe(1001, false); !d.Started {
		t.Errorf("shorter gap should start a new session, got %+v", d)
	}
}
