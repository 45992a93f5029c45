// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package models

import (
	"github.com/goccy/go-json"
)

// Event is the wire form of one tracked event. It is fully stamped before
// it reaches the event store and never modified afterwards.
type Event struct {
	EventType       string     `json:"event_type"`
	EventProperties Properties `json:"event_properties"`
	UserProperties  Properties `json:"user_properties,omitempty"`

	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"timestamp"`

	// SessionID is the start timestamp of the session, or NoSession.
	SessionID int64 `json:"session_id"`

	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id,omitempty"`
	UserName string `json:"user_name,omitempty"`

	// UUID is generated per event so the collector can drop resubmissions.
	UUID string `json:"uuid"`

	AppVersion         string `json:"version_name,omitempty"`
	OSName             string `json:"os_name,omitempty"`
	OSVersion          string `json:"os_version,omitempty"`
	DeviceManufacturer string `json:"device_manufacturer,omitempty"`
	DeviceModel        string `json:"device_model,omitempty"`
	Carrier            string `json:"carrier,omitempty"`
	Country            string `json:"country,omitempty"`
	Language           string `json:"language,omitempty"`

	APIProperties APIProperties `json:"api_properties"`
	Library       Library       `json:"library"`
}

// APIProperties carries identifiers and context that are not user-facing
// event properties.
type APIProperties struct {
	AdvertiserID string    `json:"advertiser_id,omitempty"`
	VendorID     string    `json:"vendor_id,omitempty"`
	Location     *Location `json:"location,omitempty"`
}

// Location is a latitude/longitude pair.
type Location struct {
	Lat float64 `json:"lat" validate:"latitude"`
	Lng float64 `json:"lng" validate:"longitude"`
}

// Library identifies the SDK that produced an event.
type Library struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DefaultLibrary returns this library's identity.
func DefaultLibrary() Library {
	return Library{Name: LibraryName, Version: Version}
}

// Record is a queued event as returned by the event store: the assigned
// sequence id plus the serialized event exactly as it will be uploaded.
type Record struct {
	ID      uint64          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into v.
func (r Record) Decode(v any) error {
	return json.Unmarshal(r.Payload, v)
}

// IDs returns the sequence ids of records in order.
func IDs(records []Record) []uint64 {
	ids := make([]uint64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
