// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

// Package session derives session identity from event timestamps.
//
// A session is identified by the timestamp of its first event. An event that
// arrives more than the configured gap after the previous in-session event
// closes the old session and starts a new one. Out-of-session events (for
// example those triggered by a push notification) carry models.NoSession and
// leave the tracker untouched.
package session

import (
	"sync"
	"time"

	"github.com/tomtom215/traintracks/internal/logging"
	"github.com/tomtom215/traintracks/internal/models"
)

// stateName is the event store record holding the tracker state.
const stateName = "session"

// State is the persisted tracker state. SessionID is models.NoSession when
// no session has started yet.
type State struct {
	SessionID     int64 `json:"session_id"`
	LastEventTime int64 `json:"last_event_time"`
}

// StateStore persists single-row state records.
type StateStore interface {
	LoadState(name string, v any) (bool, error)
	SaveState(name string, v any) error
}

// Decision tells the caller which session an event belongs to and which
// boundary events to emit before it.
type Decision struct {
	// SessionID is the id to stamp on the event.
	SessionID int64

	// Ended is true when a previous session was closed by this event.
	// EndedSessionID and EndTimestamp describe the closed session.
	Ended          bool
	EndedSessionID int64
	EndTimestamp   int64

	// Started is true when this event opened a new session.
	Started bool
}

// Tracker is safe for concurrent use.
type Tracker struct {
	store StateStore

	mu             sync.Mutex
	state          State
	minGapMillis   int64
	trackingEvents bool
}

// New loads the persisted state from store. A missing or unreadable record
// starts with no session.
func New(store StateStore, minTimeBetweenSessions time.Duration, trackingSessionEvents bool) *Tracker {
	t := &Tracker{
		store:          store,
		state:          State{SessionID: models.NoSession, LastEventTime: models.NoSession},
		minGapMillis:   minTimeBetweenSessions.Milliseconds(),
		trackingEvents: trackingSessionEvents,
	}

	var loaded State
	found, err := store.LoadState(stateName, &loaded)
	switch {
	case err != nil:
		logging.Error().Err(err).Msg("Failed to load session state, starting without a session")
	case found:
		t.state = loaded
	}
	return t
}

// Observe assigns the event at ts (milliseconds) to a session.
func (t *Tracker) Observe(ts int64, outOfSession bool) Decision {
	if outOfSession {
		return Decision{SessionID: models.NoSession}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.state
	if prev.SessionID != models.NoSession && ts-prev.LastEventTime <= t.minGapMillis {
		t.state.LastEventTime = ts
		t.persist()
		return Decision{SessionID: prev.SessionID}
	}

	d := Decision{SessionID: ts, Started: true}
	if prev.SessionID != models.NoSession {
		d.Ended = true
		d.EndedSessionID = prev.SessionID
		d.EndTimestamp = prev.LastEventTime
	}
	t.state = State{SessionID: ts, LastEventTime: ts}
	t.persist()

	logging.Debug().
		Int64("session_id", ts).
		Int64("previous_session_id", prev.SessionID).
		Msg("Session started")
	return d
}

// persist writes the state (must be called with mu held). Failures are
// logged; the in-memory state stays authoritative for this process.
func (t *Tracker) persist() {
	if err := t.store.SaveState(stateName, t.state); err != nil {
		logging.Warn().Err(err).Msg("Failed to persist session state")
	}
}

// Current returns the current state.
func (t *Tracker) Current() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetMinTimeBetweenSessions changes the inactivity gap that ends a session.
func (t *Tracker) SetMinTimeBetweenSessions(d time.Duration) {
	t.mu.Lock()
	t.minGapMillis = d.Milliseconds()
	t.mu.Unlock()
}

// MinTimeBetweenSessions returns the inactivity gap.
func (t *Tracker) MinTimeBetweenSessions() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.minGapMillis) * time.Millisecond
}

// SetTrackingSessionEvents controls whether session boundary events are
// emitted.
func (t *Tracker) SetTrackingSessionEvents(enabled bool) {
	t.mu.Lock()
	t.trackingEvents = enabled
	t.mu.Unlock()
}

// TrackingSessionEvents reports whether boundary events are emitted.
func (t *Tracker) TrackingSessionEvents() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trackingEvents
}
