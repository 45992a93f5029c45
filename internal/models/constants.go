// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package models

import "time"

// Library identity stamped on every event and batch.
const (
	LibraryName = "traintracks-go"
	Platform    = "Go"
	Version     = "1.0.0"
	APIVersion  = 2
)

// Schema versions of the persisted event store. Stores older than
// DBFirstVersion cannot be migrated and are reset.
const (
	DBVersion      = 3
	DBFirstVersion = 2
)

// Default tunables.
const (
	DefaultEventUploadThreshold    = 30
	DefaultEventUploadMaxBatchSize = 100
	DefaultEventMaxCount           = 1000
	DefaultEventRemoveBatchSize    = 20
	DefaultEventUploadPeriod       = 30 * time.Second
	DefaultMinTimeBetweenSessions  = 5 * time.Minute

	// MaxStringLength bounds event types, identifiers, property keys and
	// string property values, counted in runes.
	MaxStringLength = 1024
)

// Reserved event types.
const (
	IdentifyEvent     = "$identify"
	SessionStartEvent = "session_start"
	SessionEndEvent   = "session_end"
)

// Identify operation keys used inside an identify event's user_properties.
const (
	OpAdd      = "$add"
	OpSet      = "$set"
	OpSetOnce  = "$setOnce"
	OpUnset    = "$unset"
	OpClearAll = "$clearAll"
)

// NoSession is the session id carried by out-of-session events.
const NoSession int64 = -1
