// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

// Package transport delivers batches of queued events to a collector.
//
// A Transport returns nil only when the collector acknowledged the whole
// batch. Any other outcome is reported as a *Failure so the upload scheduler
// can tell a batch worth retrying from one the collector will never accept.
// Errors that are not a *Failure are treated as retryable.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/tomtom215/traintracks/internal/models"
)

// Transport submits one batch of queued events.
type Transport interface {
	Submit(ctx context.Context, batch []models.Record) error
}

// Func adapts a function to the Transport interface.
type Func func(ctx context.Context, batch []models.Record) error

// Submit calls f.
func (f Func) Submit(ctx context.Context, batch []models.Record) error {
	return f(ctx, batch)
}

// FailureKind classifies a failed submission.
type FailureKind int

const (
	// Retryable failures leave the batch queued for a later attempt.
	Retryable FailureKind = iota + 1

	// Rejected batches will not be accepted as sent (malformed, unauthorized).
	Rejected

	// TooLarge batches should be retried in smaller pieces.
	TooLarge
)

func (k FailureKind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Rejected:
		return "rejected"
	case TooLarge:
		return "too_large"
	default:
		return "unknown"
	}
}

// Failure describes why a batch was not acknowledged.
type Failure struct {
	Kind       FailureKind
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (f *Failure) Error() string {
	msg := "submit " + f.Kind.String()
	if f.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", f.StatusCode)
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error { return f.Err }

// Classify returns the kind of err. Errors that are not a *Failure count as
// Retryable.
func Classify(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return Retryable
}

// RetryAfter returns the server-requested delay carried by err, if any.
func RetryAfter(err error) time.Duration {
	var f *Failure
	if errors.As(err, &f) {
		return f.RetryAfter
	}
	return 0
}

// Client identifies the sending application in every batch.
type Client struct {
	APIKey    string `koanf:"api_key" validate:"required"`
	APISecret string `koanf:"api_secret"`
	BuildName string `koanf:"build_name"`
}

// Batch is the envelope sent to the collector.
type Batch struct {
	ID         string            `json:"batch_id"`
	APIKey     string            `json:"api_key"`
	Build      string            `json:"build,omitempty"`
	Library    LibraryInfo       `json:"client"`
	UploadTime int64             `json:"upload_time"`
	Events     []json.RawMessage `json:"events"`
}

// LibraryInfo identifies this SDK to the collector.
type LibraryInfo struct {
	Library    string `json:"library"`
	Platform   string `json:"platform"`
	Version    string `json:"version"`
	APIVersion int    `json:"api_version"`
}

// batchNamespace scopes batch ids derived from event content.
var batchNamespace = uuid.MustParse("5b0c6f1e-4b1d-4e59-9a43-58f1c5e0b7a2")

// NewBatch wraps records in an envelope. The batch id is derived from the
// events themselves, so resubmitting the same records yields the same id and
// a deduplicating collector or broker can drop the repeat.
func NewBatch(client Client, records []models.Record, now time.Time) Batch {
	events := make([]json.RawMessage, len(records))
	var digest bytes.Buffer
	for i, r := range records {
		events[i] = r.Payload
		digest.Write(r.Payload)
		digest.WriteByte('\n')
	}

	return Batch{
		ID:     uuid.NewSHA1(batchNamespace, digest.Bytes()).String(),
		APIKey: client.APIKey,
		Build:  client.BuildName,
		Library: LibraryInfo{
			Library:    models.LibraryName,
			Platform:   models.Platform,
			Version:    models.Version,
			APIVersion: models.APIVersion,
		},
		UploadTime: now.UnixMilli(),
		Events:     events,
	}
}
