// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package config

import (
	"fmt"

	"github.com/tomtom215/traintracks/internal/validation"
)

// Validate checks struct tags first, then the rules that span fields.
func (c *Config) Validate() error {
	return c.validate(true)
}

// ValidateWithoutTransport is Validate for clients that bring their own
// transport, so no endpoint or NATS settings are required.
func (c *Config) ValidateWithoutTransport() error {
	return c.validate(false)
}

func (c *Config) validate(checkTransport bool) error {
	if verr := validation.ValidateStruct(c); verr != nil {
		return verr
	}

	if err := c.Queue.Validate(); err != nil {
		return err
	}

	if checkTransport {
		if err := c.validateTransport(); err != nil {
			return err
		}
	}

	if err := c.validateUpload(); err != nil {
		return err
	}

	return c.validateSession()
}

func (c *Config) validateTransport() error {
	switch c.Upload.Transport {
	case TransportHTTP:
		if c.Client.Endpoint == "" {
			return fmt.Errorf("TRAINTRACKS_ENDPOINT is required when TRAINTRACKS_TRANSPORT=http")
		}
		if err := validateEndpointURL(c.Client.Endpoint, "TRAINTRACKS_ENDPOINT"); err != nil {
			return fmt.Errorf("TRAINTRACKS_ENDPOINT is invalid: %w", err)
		}
	case TransportNATS:
		if err := validateNATSURL(c.Upload.NATSURL); err != nil {
			return fmt.Errorf("TRAINTRACKS_NATS_URL is invalid: %w", err)
		}
		if c.Upload.NATSSubject == "" {
			return fmt.Errorf("TRAINTRACKS_NATS_SUBJECT is required when TRAINTRACKS_TRANSPORT=nats")
		}
	}
	return nil
}

func (c *Config) validateUpload() error {
	sc := c.SchedulerConfig()
	if err := sc.Validate(); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if c.Upload.EventUploadMaxBatchSize > c.Queue.MaxCount {
		return fmt.Errorf("event_upload_max_batch_size (%d) must not exceed event_max_count (%d)",
			c.Upload.EventUploadMaxBatchSize, c.Queue.MaxCount)
	}
	return nil
}

func (c *Config) validateSession() error {
	if c.Session.MinTimeBetweenSessions <= 0 {
		return fmt.Errorf("TRAINTRACKS_MIN_TIME_BETWEEN_SESSIONS must be positive")
	}
	return nil
}
