// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package traintracks

import (
	"fmt"

	"github.com/tomtom215/traintracks/internal/device"
	"github.com/tomtom215/traintracks/internal/eventstore"
	"github.com/tomtom215/traintracks/internal/metrics"
)

// identityState is persisted as one record. Changes apply to events logged
// afterwards only.
type identityState struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`
}

// restoreIdentity loads the persisted identity and settles the device id:
// configured, then persisted, then advertiser id when requested, then a
// fresh random one.
func (c *Client) restoreIdentity(o options) error {
	var st identityState
	if _, err := c.store.LoadState(eventstore.StateIdentity, &st); err != nil {
		c.log.Warn().Err(err).Msg("Failed to load identity, starting fresh")
		st = identityState{}
	}

	switch {
	case c.cfg.Client.DeviceID != "":
		if !device.IsValidID(c.cfg.Client.DeviceID) {
			return fmt.Errorf("configured device id %q is a placeholder", c.cfg.Client.DeviceID)
		}
		st.DeviceID = c.cfg.Client.DeviceID
	case device.IsValidID(st.DeviceID):
	case (o.useAdID || c.cfg.Client.UseAdvertisingIDForDeviceID) && device.IsValidID(c.device.Snapshot().AdvertiserID):
		st.DeviceID = c.device.Snapshot().AdvertiserID
	default:
		st.DeviceID = device.NewDeviceID()
	}

	userID := o.userID
	if userID == "" {
		userID = c.cfg.Client.UserID
	}
	if userID != "" {
		if err := check("user_id", &userIDInput{UserID: userID}); err != nil {
			return err
		}
		st.UserID = userID
	}

	c.identity = st
	c.persistIdentity(st)
	return nil
}

func (c *Client) restoreOptOut() {
	var optOut bool
	if _, err := c.store.LoadState(eventstore.StateOptOut, &optOut); err != nil {
		c.log.Warn().Err(err).Msg("Failed to load opt-out flag, assuming opted in")
		return
	}
	c.optOut.Store(optOut)
}

func (c *Client) identitySnapshot() identityState {
	c.identityMu.RLock()
	defer c.identityMu.RUnlock()
	return c.identity
}

func (c *Client) updateIdentity(fn func(*identityState)) {
	c.identityMu.Lock()
	fn(&c.identity)
	st := c.identity
	c.identityMu.Unlock()
	c.persistIdentity(st)
}

func (c *Client) persistIdentity(st identityState) {
	if err := c.store.SaveState(eventstore.StateIdentity, st); err != nil {
		c.log.Error().Err(err).Msg("Failed to persist identity")
		metrics.RecordInternalFailure("identity")
	}
}

// SetUserID sets the user id stamped on later events. An empty id clears
// it.
func (c *Client) SetUserID(userID string) (err error) {
	defer c.recoverPanic("set_user_id", &err)
	if err := check("user_id", &userIDInput{UserID: userID}); err != nil {
		return err
	}
	c.updateIdentity(func(st *identityState) { st.UserID = userID })
	return nil
}

// UserID returns the current user id.
func (c *Client) UserID() string {
	return c.identitySnapshot().UserID
}

// SetUserName sets the user name stamped on later events. An empty name
// clears it.
func (c *Client) SetUserName(name string) (err error) {
	defer c.recoverPanic("set_user_name", &err)
	if err := check("user_name", &userNameInput{UserName: name}); err != nil {
		return err
	}
	c.updateIdentity(func(st *identityState) { st.UserName = name })
	return nil
}

// SetDeviceID replaces the device id. Empty ids and well-known placeholder
// ids are rejected.
func (c *Client) SetDeviceID(deviceID string) (err error) {
	defer c.recoverPanic("set_device_id", &err)
	if err := check("device_id", &deviceIDInput{DeviceID: deviceID}); err != nil {
		return err
	}
	c.updateIdentity(func(st *identityState) { st.DeviceID = deviceID })
	return nil
}

// DeviceID returns the current device id.
func (c *Client) DeviceID() string {
	return c.identitySnapshot().DeviceID
}

// SetOptOut turns all tracking off or back on. While opted out, events are
// neither queued nor uploaded; events already queued are kept.
func (c *Client) SetOptOut(enabled bool) {
	c.optOut.Store(enabled)
	if err := c.store.SaveState(eventstore.StateOptOut, enabled); err != nil {
		c.log.Error().Err(err).Msg("Failed to persist opt-out flag")
		metrics.RecordInternalFailure("opt_out")
	}
	c.log.Info().Bool("opt_out", enabled).Msg("Opt-out changed")
	if !enabled {
		c.sched.Kick()
	}
}

// OptOut reports whether tracking is turned off.
func (c *Client) OptOut() bool {
	return c.optOut.Load()
}

// SetOffline stops or resumes uploads. Events keep being queued while
// offline; going back online attempts to send them. A request already in
// flight completes either way.
func (c *Client) SetOffline(offline bool) {
	c.offline.Store(offline)
	c.log.Info().Bool("offline", offline).Msg("Offline mode changed")
	if !offline {
		c.sched.Kick()
	}
}

// Offline reports whether uploads are paused.
func (c *Client) Offline() bool {
	return c.offline.Load()
}

// SetLocationListening controls whether the device provider's location is
// stamped on events.
func (c *Client) SetLocationListening(enabled bool) {
	c.location.Store(enabled)
}
