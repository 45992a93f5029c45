// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package upload

import (
	"fmt"
	"time"

	"github.com/tomtom215/traintracks/internal/models"
)

// RejectedPolicy decides what happens to a batch the collector rejected.
type RejectedPolicy string

const (
	// RejectRetain keeps the batch queued and stops threshold uploads until
	// the next timer tick or explicit flush.
	RejectRetain RejectedPolicy = "retain"

	// RejectDrop removes the batch and counts it as dropped.
	RejectDrop RejectedPolicy = "drop"
)

// Config holds upload scheduler settings.
type Config struct {
	// Threshold is the queue depth that triggers an upload.
	Threshold int `koanf:"event_upload_threshold" validate:"min=1"`

	// MaxBatchSize caps the events sent in one request.
	MaxBatchSize int `koanf:"event_upload_max_batch_size" validate:"min=1"`

	// Period is the interval of the upload timer.
	Period time.Duration `koanf:"event_upload_period"`

	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`

	// SubmitTimeout bounds one transport call.
	SubmitTimeout time.Duration `koanf:"submit_timeout"`

	RejectedPolicy RejectedPolicy `koanf:"rejected_policy" validate:"omitempty,oneof=retain drop"`

	// BreakerFailures is the number of consecutive retryable failures that
	// opens the circuit breaker. BreakerTimeout is how long it stays open.
	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`
}

// DefaultConfig returns the default scheduler settings.
func DefaultConfig() Config {
	return Config{
		Threshold:       models.DefaultEventUploadThreshold,
		MaxBatchSize:    models.DefaultEventUploadMaxBatchSize,
		Period:          models.DefaultEventUploadPeriod,
		InitialBackoff:  2 * time.Second,
		MaxBackoff:      5 * time.Minute,
		SubmitTimeout:   30 * time.Second,
		RejectedPolicy:  RejectRetain,
		BreakerFailures: 5,
		BreakerTimeout:  time.Minute,
	}
}

// Validate checks the settings.
func (c *Config) Validate() error {
	if c.Threshold < 1 {
		return fmt.Errorf("event_upload_threshold must be at least 1")
	}
	if c.MaxBatchSize < 1 {
		return fmt.Errorf("event_upload_max_batch_size must be at least 1")
	}
	if c.Period <= 0 {
		return fmt.Errorf("event_upload_period must be positive")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("backoff must satisfy 0 < initial_backoff <= max_backoff")
	}
	switch c.RejectedPolicy {
	case RejectRetain, RejectDrop, "":
	default:
		return fmt.Errorf("unknown rejected_policy %q", c.RejectedPolicy)
	}
	return nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = d.MaxBatchSize
	}
	if c.Period <= 0 {
		c.Period = d.Period
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = max(d.MaxBackoff, c.InitialBackoff)
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = d.SubmitTimeout
	}
	if c.RejectedPolicy == "" {
		c.RejectedPolicy = RejectRetain
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = d.BreakerFailures
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
}
