// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

// Package config loads Traintracks configuration.
//
// Values are layered with koanf: built-in defaults, then an optional YAML
// file (CONFIG_PATH, or traintracks.yaml in the working directory), then
// environment variables. Only environment variables listed in the mapping
// table are read, so unrelated variables never leak into the configuration.
//
//	client:
//	  endpoint: https://collector.example.com/v1/batch
//	  api_key: abc123
//	upload:
//	  event_upload_threshold: 30
//	  event_upload_period: 30s
//	queue:
//	  path: /var/lib/traintracks
package config

import (
	"time"

	"github.com/tomtom215/traintracks/internal/eventstore"
	"github.com/tomtom215/traintracks/internal/logging"
	"github.com/tomtom215/traintracks/internal/models"
	"github.com/tomtom215/traintracks/internal/transport"
	"github.com/tomtom215/traintracks/internal/upload"
)

// Transport kinds.
const (
	TransportHTTP = "http"
	TransportNATS = "nats"
)

// Config is the complete Traintracks configuration.
type Config struct {
	Client  ClientConfig      `koanf:"client"`
	Queue   eventstore.Config `koanf:"queue"`
	Upload  UploadConfig      `koanf:"upload"`
	Session SessionConfig     `koanf:"session"`
	Logging logging.Config    `koanf:"logging"`
	Agent   AgentConfig       `koanf:"agent"`
}

// ClientConfig identifies the application and where it reports to.
type ClientConfig struct {
	// Endpoint is the collector URL for the HTTP transport.
	Endpoint string `koanf:"endpoint"`

	APIKey    string `koanf:"api_key" validate:"required"`
	APISecret string `koanf:"api_secret"`
	BuildName string `koanf:"build_name"`

	// DeviceID pins the device id. Empty means generate and persist one.
	DeviceID string `koanf:"device_id" validate:"omitempty,max=1024"`

	// UserID is applied at startup when set.
	UserID string `koanf:"user_id" validate:"omitempty,max=1024"`

	// UseAdvertisingIDForDeviceID takes the device id from the device
	// provider's advertiser id when one is available.
	UseAdvertisingIDForDeviceID bool `koanf:"use_advertising_id_for_device_id"`
}

// UploadConfig controls when and how batches are sent.
type UploadConfig struct {
	// Transport is "http" or "nats".
	Transport string `koanf:"transport" validate:"oneof=http nats"`

	EventUploadThreshold    int           `koanf:"event_upload_threshold" validate:"min=1"`
	EventUploadMaxBatchSize int           `koanf:"event_upload_max_batch_size" validate:"min=1"`
	EventUploadPeriod       time.Duration `koanf:"event_upload_period"`

	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	RequestTimeout time.Duration `koanf:"request_timeout"`

	// RejectedPolicy is "retain" or "drop".
	RejectedPolicy string `koanf:"rejected_policy" validate:"oneof=retain drop"`

	Gzip                 bool    `koanf:"gzip"`
	MaxRequestsPerSecond float64 `koanf:"max_requests_per_second" validate:"gte=0"`

	BreakerFailures uint32        `koanf:"breaker_failures"`
	BreakerTimeout  time.Duration `koanf:"breaker_timeout"`

	NATSURL       string `koanf:"nats_url"`
	NATSSubject   string `koanf:"nats_subject"`
	NATSJetStream bool   `koanf:"nats_jetstream"`
}

// SessionConfig controls session tracking.
type SessionConfig struct {
	MinTimeBetweenSessions time.Duration `koanf:"min_time_between_sessions"`
	TrackingSessionEvents  bool          `koanf:"tracking_session_events"`
	LocationListening      bool          `koanf:"location_listening"`
}

// AgentConfig configures the local ingestion API of cmd/traintracks.
type AgentConfig struct {
	ListenAddr      string        `koanf:"listen_addr" validate:"required"`
	RateLimitReqs   int           `koanf:"rate_limit_reqs" validate:"gte=0"`
	RateLimitWindow time.Duration `koanf:"rate_limit_window"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	MaxBodyBytes    int64         `koanf:"max_body_bytes" validate:"gte=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Default returns the built-in defaults.
func Default() *Config {
	up := upload.DefaultConfig()
	nats := transport.DefaultNATSConfig()

	return &Config{
		Queue: eventstore.DefaultConfig(),
		Upload: UploadConfig{
			Transport:               TransportHTTP,
			EventUploadThreshold:    up.Threshold,
			EventUploadMaxBatchSize: up.MaxBatchSize,
			EventUploadPeriod:       up.Period,
			InitialBackoff:          up.InitialBackoff,
			MaxBackoff:              up.MaxBackoff,
			RequestTimeout:          up.SubmitTimeout,
			RejectedPolicy:          string(up.RejectedPolicy),
			Gzip:                    false,
			MaxRequestsPerSecond:    0,
			BreakerFailures:         up.BreakerFailures,
			BreakerTimeout:          up.BreakerTimeout,
			NATSURL:                 nats.URL,
			NATSSubject:             nats.Topic,
			NATSJetStream:           nats.JetStream,
		},
		Session: SessionConfig{
			MinTimeBetweenSessions: models.DefaultMinTimeBetweenSessions,
			TrackingSessionEvents:  false,
		},
		Logging: logging.DefaultConfig(),
		Agent: AgentConfig{
			ListenAddr:      "127.0.0.1:7341",
			RateLimitReqs:   600,
			RateLimitWindow: time.Minute,
			CORSOrigins:     []string{},
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// SchedulerConfig returns the upload scheduler settings.
func (c *Config) SchedulerConfig() upload.Config {
	return upload.Config{
		Threshold:       c.Upload.EventUploadThreshold,
		MaxBatchSize:    c.Upload.EventUploadMaxBatchSize,
		Period:          c.Upload.EventUploadPeriod,
		InitialBackoff:  c.Upload.InitialBackoff,
		MaxBackoff:      c.Upload.MaxBackoff,
		SubmitTimeout:   c.Upload.RequestTimeout,
		RejectedPolicy:  upload.RejectedPolicy(c.Upload.RejectedPolicy),
		BreakerFailures: c.Upload.BreakerFailures,
		BreakerTimeout:  c.Upload.BreakerTimeout,
	}
}

// TransportClient returns the identity sent with every batch.
func (c *Config) TransportClient() transport.Client {
	return transport.Client{
		APIKey:    c.Client.APIKey,
		APISecret: c.Client.APISecret,
		BuildName: c.Client.BuildName,
	}
}

// HTTPConfig returns the HTTP transport settings.
func (c *Config) HTTPConfig() transport.HTTPConfig {
	return transport.HTTPConfig{
		Client:            c.TransportClient(),
		Endpoint:          c.Client.Endpoint,
		Timeout:           c.Upload.RequestTimeout,
		Gzip:              c.Upload.Gzip,
		RequestsPerSecond: c.Upload.MaxRequestsPerSecond,
	}
}

// NATSConfig returns the bus transport settings.
func (c *Config) NATSConfig() transport.NATSConfig {
	nats := transport.DefaultNATSConfig()
	nats.URL = c.Upload.NATSURL
	nats.Topic = c.Upload.NATSSubject
	nats.JetStream = c.Upload.NATSJetStream
	nats.TrackMsgID = c.Upload.NATSJetStream
	nats.AutoProvision = c.Upload.NATSJetStream
	return nats
}
