// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package traintracks

import (
	"github.com/tomtom215/traintracks/internal/identify"
	"github.com/tomtom215/traintracks/internal/metrics"
	"github.com/tomtom215/traintracks/internal/validation"
)

// ValidationError reports an argument the client refused. Nothing is
// queued when a call returns one.
type ValidationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "traintracks: " + e.Message
	}
	return "traintracks: " + e.Field + ": " + e.Message
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ErrEmptyIdentify is wrapped by the ValidationError for a nil identify or
// one without operations.
var ErrEmptyIdentify = identify.ErrEmpty

// reject counts the rejection and builds the error.
func reject(reason, field string, err error) *ValidationError {
	metrics.EventsRejected.WithLabelValues(reason).Inc()
	return &ValidationError{Field: field, Message: err.Error(), Err: err}
}

// check validates input with the shared validator.
func check(reason string, input any) error {
	verr := validation.ValidateStruct(input)
	if verr == nil {
		return nil
	}
	field := ""
	if errs := verr.Errors(); len(errs) == 1 {
		field = errs[0].Field()
	}
	return reject(reason, field, verr)
}

type eventInput struct {
	EventType string `validate:"event_type,max=1024"`
}

type userIDInput struct {
	UserID string `validate:"omitempty,max=1024"`
}

type userNameInput struct {
	UserName string `validate:"omitempty,max=1024"`
}

type deviceIDInput struct {
	DeviceID string `validate:"required,max=1024,device_id"`
}
