// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

/*
Package models defines the data structures shared by every Traintracks
component.

Key Components:

  - Value: tagged variant for property values (null, string, number, bool,
    array, object). Values are built through ValueOf, which rejects anything
    that cannot be serialized (NaN, channels, funcs).
  - Properties: insertion-ordered string to Value map, serialized as a JSON
    object in insertion order.
  - Event: the wire form of one tracked event, stamped with session and
    identity at append time and immutable afterwards.
  - Record: one queued row as read back from the event store, carrying the
    sequence id and the serialized event.

Constants in this package carry the library identity sent with each batch,
the reserved event types and the default tunables.
*/
package models
