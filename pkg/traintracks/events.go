// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package traintracks

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tomtom215/traintracks/internal/identify"
	"github.com/tomtom215/traintracks/internal/metrics"
	"github.com/tomtom215/traintracks/internal/models"
	"github.com/tomtom215/traintracks/internal/validation"
)

// EventOption customizes one logged event.
type EventOption func(*eventOptions)

type eventOptions struct {
	outOfSession bool
	timestamp    time.Time
}

// OutOfSession logs the event with session id -1 without touching the
// current session.
func OutOfSession() EventOption {
	return func(o *eventOptions) { o.outOfSession = true }
}

// At stamps the event with t instead of the current time.
func At(t time.Time) EventOption {
	return func(o *eventOptions) { o.timestamp = t }
}

// Metric kinds for EventsLogged.
const (
	kindEvent    = "event"
	kindIdentify = "identify"
	kindSession  = "session"
)

// LogEvent queues an event. Property keys and string values longer than
// 1024 characters are truncated. The only possible error is a
// *ValidationError.
func (c *Client) LogEvent(eventType string, props map[string]any, opts ...EventOption) (err error) {
	defer c.recoverPanic("log_event", &err)

	if err := check("event_type", &eventInput{EventType: eventType}); err != nil {
		return err
	}
	p, perr := models.PropertiesFromMap(props)
	if perr != nil {
		return reject("event_properties", "event_properties", perr)
	}

	c.logEvent(eventType, p, nil, kindEvent, opts)
	return nil
}

// Identify queues one $identify event carrying every operation recorded
// on id.
func (c *Client) Identify(id *Identify, opts ...EventOption) (err error) {
	defer c.recoverPanic("identify", &err)

	if id == nil {
		return reject("identify", "identify", ErrEmptyIdentify)
	}
	userProps, merr := id.Merge()
	if merr != nil {
		return reject("identify", "identify", merr)
	}

	c.logEvent(models.IdentifyEvent, nil, userProps, kindIdentify, opts)
	return nil
}

// SetUserProperties sets every property in props on the user. With replace
// set, all existing user properties are cleared first.
func (c *Client) SetUserProperties(props map[string]any, replace bool) (err error) {
	defer c.recoverPanic("set_user_properties", &err)

	p, perr := models.PropertiesFromMap(props)
	if perr != nil {
		return reject("user_properties", "user_properties", perr)
	}
	if len(p) == 0 && !replace {
		return nil
	}
	return c.Identify(identify.FromUserProperties(p, replace))
}

// logEvent stamps and appends an event, preceded by session boundary
// events when session tracking is on. Store failures are logged and
// counted, never returned.
func (c *Client) logEvent(eventType string, props, userProps models.Properties, kind string, opts []EventOption) {
	var o eventOptions
	for _, opt := range opts {
		opt(&o)
	}

	if c.optOut.Load() {
		metrics.EventsSuppressed.Inc()
		return
	}

	if !c.produce(eventType, props, userProps, kind, o) {
		return
	}
	c.sched.Notify(c.store.Count())
}

// produce appends the event and any session boundary events under
// produceMu. It reports false when the client is closed.
func (c *Client) produce(eventType string, props, userProps models.Properties, kind string, o eventOptions) bool {
	c.produceMu.Lock()
	defer c.produceMu.Unlock()

	if c.closed.Load() {
		c.log.Warn().Str("event_type", eventType).Msg("Event logged after Close, dropping")
		metrics.RecordInternalFailure("client_closed")
		return false
	}

	ts := c.now()
	if !o.timestamp.IsZero() {
		ts = o.timestamp
	}
	millis := ts.UnixMilli()

	d := c.sessions.Observe(millis, o.outOfSession)
	if c.sessions.TrackingSessionEvents() {
		if d.Ended {
			c.append(c.newEvent(models.SessionEndEvent, nil, nil, d.EndTimestamp, d.EndedSessionID), kindSession)
		}
		if d.Started {
			c.append(c.newEvent(models.SessionStartEvent, nil, nil, millis, d.SessionID), kindSession)
		}
	}
	c.append(c.newEvent(eventType, props.Truncate(models.MaxStringLength), userProps, millis, d.SessionID), kind)
	return true
}

func (c *Client) append(ev *models.Event, kind string) {
	id, err := c.store.Append(context.Background(), ev)
	if err != nil {
		c.log.Error().Err(err).Str("event_type", ev.EventType).Msg("Failed to queue event")
		metrics.RecordInternalFailure("eventstore")
		return
	}
	metrics.EventsLogged.WithLabelValues(kind).Inc()
	c.log.Debug().Uint64("id", id).Str("event_type", ev.EventType).Int64("session_id", ev.SessionID).Msg("Event queued")
}

// newEvent builds the wire form of an event from the current identity and
// device snapshot.
func (c *Client) newEvent(eventType string, props, userProps models.Properties, ts, sessionID int64) *models.Event {
	info := c.device.Snapshot()
	id := c.identitySnapshot()

	if props == nil {
		props = models.Properties{}
	}
	ev := &models.Event{
		EventType:          eventType,
		EventProperties:    props,
		UserProperties:     userProps,
		Timestamp:          ts,
		SessionID:          sessionID,
		DeviceID:           id.DeviceID,
		UserID:             id.UserID,
		UserName:           id.UserName,
		UUID:               uuid.NewString(),
		AppVersion:         info.AppVersion,
		OSName:             info.OSName,
		OSVersion:          info.OSVersion,
		DeviceManufacturer: info.Manufacturer,
		DeviceModel:        info.Model,
		Carrier:            info.Carrier,
		Country:            info.Country,
		Language:           info.Language,
		APIProperties: models.APIProperties{
			AdvertiserID: info.AdvertiserID,
			VendorID:     info.VendorID,
		},
		Library: models.DefaultLibrary(),
	}
	if c.location.Load() && info.Location != nil {
		loc := *info.Location
		if verr := validation.ValidateStruct(&loc); verr != nil {
			c.log.Debug().Err(verr).Msg("Ignoring out of range device location")
		} else {
			ev.APIProperties.Location = &loc
		}
	}
	return ev
}

// recoverPanic keeps internal panics away from the host. The call reports
// success; the panic is logged and counted.
func (c *Client) recoverPanic(op string, err *error) {
	if r := recover(); r != nil {
		c.log.Error().
			Str("operation", op).
			Str("panic", fmt.Sprint(r)).
			Msg("Recovered from panic in client call")
		metrics.RecordInternalFailure(op)
		*err = nil
	}
}
