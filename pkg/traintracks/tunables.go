// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package traintracks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/traintracks/internal/metrics"
	"github.com/tomtom215/traintracks/internal/upload"
)

// UploadEvents uploads everything queued and waits for the result. If an
// upload is already running, it waits for that one instead. Nothing is
// sent while opted out, offline or closed.
func (c *Client) UploadEvents(ctx context.Context) (res UploadResult) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("panic", fmt.Sprint(r)).Msg("Recovered from panic during upload")
			metrics.RecordInternalFailure("upload_events")
			res = UploadResult{Outcome: upload.OutcomeRetryable, Err: fmt.Errorf("upload panicked: %v", r)}
		}
	}()

	if c.closed.Load() {
		return UploadResult{Outcome: upload.OutcomeSkipped, Reason: upload.ReasonGated, Err: ErrClosed}
	}
	return c.sched.Flush(ctx)
}

// SetEventUploadThreshold sets how many queued events trigger an upload.
func (c *Client) SetEventUploadThreshold(n int) error {
	if err := c.sched.SetThreshold(n); err != nil {
		return reject("tunable", "event_upload_threshold", err)
	}
	c.sched.Notify(c.store.Count())
	return nil
}

// SetEventUploadMaxBatchSize sets how many events one request carries.
func (c *Client) SetEventUploadMaxBatchSize(n int) error {
	if err := c.sched.SetMaxBatchSize(n); err != nil {
		return reject("tunable", "event_upload_max_batch_size", err)
	}
	return nil
}

// SetEventMaxCount sets the queue capacity. A smaller capacity takes
// effect on the next append, which evicts the oldest events.
func (c *Client) SetEventMaxCount(n int) error {
	if n < 1 {
		return reject("tunable", "event_max_count", fmt.Errorf("event max count must be at least 1, got %d", n))
	}
	c.store.SetMaxCount(n)
	return nil
}

// SetEventUploadPeriod sets the interval of the upload timer.
func (c *Client) SetEventUploadPeriod(d time.Duration) error {
	if err := c.sched.SetPeriod(d); err != nil {
		return reject("tunable", "event_upload_period", err)
	}
	return nil
}

// SetMinTimeBetweenSessions sets the inactivity gap that ends a session.
func (c *Client) SetMinTimeBetweenSessions(d time.Duration) error {
	if d <= 0 {
		return reject("tunable", "min_time_between_sessions", errors.New("min time between sessions must be positive"))
	}
	c.sessions.SetMinTimeBetweenSessions(d)
	return nil
}

// SetTrackingSessionEvents turns session_start and session_end events on
// or off.
func (c *Client) SetTrackingSessionEvents(enabled bool) {
	c.sessions.SetTrackingSessionEvents(enabled)
}

// EventCount returns the number of queued events.
func (c *Client) EventCount() int {
	return c.store.Count()
}

// Stats is a point-in-time view of the client.
type Stats struct {
	EventCount    int          `json:"event_count"`
	EventMaxCount int          `json:"event_max_count"`
	Appended      int64        `json:"appended"`
	Removed       int64        `json:"removed"`
	Evicted       int64        `json:"evicted"`
	CorruptRows   int64        `json:"corrupt_rows"`
	SessionID     int64        `json:"session_id"`
	DeviceID      string       `json:"device_id"`
	UserID        string       `json:"user_id,omitempty"`
	OptOut        bool         `json:"opt_out"`
	Offline       bool         `json:"offline"`
	Upload        UploadStatus `json:"upload"`
}

// Stats returns counters for the queue, the session and the uploader.
func (c *Client) Stats() Stats {
	qs := c.store.Stats()
	id := c.identitySnapshot()
	return Stats{
		EventCount:    qs.Count,
		EventMaxCount: qs.MaxCount,
		Appended:      qs.Appended,
		Removed:       qs.Removed,
		Evicted:       qs.Evicted,
		CorruptRows:   qs.CorruptRows,
		SessionID:     c.sessions.Current().SessionID,
		DeviceID:      id.DeviceID,
		UserID:        id.UserID,
		OptOut:        c.optOut.Load(),
		Offline:       c.offline.Load(),
		Upload:        c.sched.Status(),
	}
}
