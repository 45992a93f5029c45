// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package eventstore

import (
	"time"

	"github.com/tomtom215/traintracks/internal/models"
)

// Config holds event store configuration.
//
// Environment variables (mapped by internal/config):
//   - TRAINTRACKS_QUEUE_PATH: directory for the BadgerDB files
//   - TRAINTRACKS_EVENT_MAX_COUNT: queue capacity (default: 1000)
//   - TRAINTRACKS_EVENT_REMOVE_BATCH_SIZE: events evicted per overflow (default: 20)
//   - TRAINTRACKS_QUEUE_SYNC_WRITES: fsync every write (default: true)
//   - TRAINTRACKS_QUEUE_RESET_ON_CORRUPTION: wipe an unreadable store (default: true)
type Config struct {
	// Path is the directory where BadgerDB stores its files.
	Path string `koanf:"path"`

	// InMemory keeps everything in memory. Nothing survives Close.
	InMemory bool `koanf:"in_memory"`

	// MaxCount is the queue capacity. Appending to a full queue first
	// evicts the oldest RemoveBatchSize events.
	MaxCount int `koanf:"event_max_count" validate:"min=1"`

	// RemoveBatchSize is how many of the oldest events one overflow evicts.
	RemoveBatchSize int `koanf:"event_remove_batch_size" validate:"min=1"`

	// SyncWrites forces fsync on every write so that a returned Append or
	// Remove survives a crash.
	SyncWrites bool `koanf:"sync_writes"`

	// ResetOnCorruption wipes and recreates a store that cannot be opened.
	ResetOnCorruption bool `koanf:"reset_on_corruption"`

	// Compression enables Snappy compression of Badger tables.
	Compression bool `koanf:"compression"`

	// BadgerDB tuning. Client-side queues are small, so the defaults are far
	// below Badger's own.
	MemTableSize     int64 `koanf:"memtable_size"`
	ValueLogFileSize int64 `koanf:"vlog_file_size"`

	// GCRatio is the discard ratio passed to value log GC.
	GCRatio float64 `koanf:"gc_ratio"`

	// GCInterval is how often the maintainer runs value log GC.
	GCInterval time.Duration `koanf:"gc_interval"`

	// CloseTimeout bounds how long Close waits for BadgerDB.
	CloseTimeout time.Duration `koanf:"close_timeout"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Path:              "traintracks-queue",
		MaxCount:          models.DefaultEventMaxCount,
		RemoveBatchSize:   models.DefaultEventRemoveBatchSize,
		SyncWrites:        true,
		ResetOnCorruption: true,
		Compression:       false,
		MemTableSize:      8 << 20,
		ValueLogFileSize:  16 << 20,
		GCRatio:           0.5,
		GCInterval:        10 * time.Minute,
		CloseTimeout:      10 * time.Second,
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Path == "" && !c.InMemory {
		return &ConfigError{Field: "Path", Message: "queue path is required"}
	}
	if c.MaxCount < 1 {
		return &ConfigError{Field: "MaxCount", Message: "must be at least 1"}
	}
	if c.RemoveBatchSize < 1 {
		return &ConfigError{Field: "RemoveBatchSize", Message: "must be at least 1"}
	}
	if c.RemoveBatchSize > c.MaxCount {
		return &ConfigError{Field: "RemoveBatchSize", Message: "must not exceed MaxCount"}
	}
	if c.MemTableSize < 1<<20 {
		return &ConfigError{Field: "MemTableSize", Message: "must be at least 1MB"}
	}
	if c.ValueLogFileSize < 1<<20 {
		return &ConfigError{Field: "ValueLogFileSize", Message: "must be at least 1MB"}
	}
	if c.GCRatio <= 0 || c.GCRatio >= 1 {
		return &ConfigError{Field: "GCRatio", Message: "must be between 0 and 1"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "event store config error: " + e.Field + ": " + e.Message
}
