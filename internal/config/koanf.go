// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists where a config file is looked for, in order.
var DefaultConfigPaths = []string{
	"traintracks.yaml",
	"traintracks.yml",
	"/etc/traintracks/config.yaml",
	"/etc/traintracks/config.yml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// Load builds the configuration from defaults, the config file and the
// environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	cfg.Logging.Output = os.Stderr

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// sliceConfigPaths are keys that accept comma-separated env values.
var sliceConfigPaths = []string{
	"agent.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		parts := strings.Split(s, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

// envMappings maps lower-cased environment variable names to config keys.
var envMappings = map[string]string{
	"traintracks_endpoint":                         "client.endpoint",
	"traintracks_api_key":                          "client.api_key",
	"traintracks_api_secret":                       "client.api_secret",
	"traintracks_build_name":                       "client.build_name",
	"traintracks_device_id":                        "client.device_id",
	"traintracks_user_id":                          "client.user_id",
	"traintracks_use_advertising_id_for_device_id": "client.use_advertising_id_for_device_id",

	"traintracks_queue_path":                "queue.path",
	"traintracks_queue_in_memory":           "queue.in_memory",
	"traintracks_event_max_count":           "queue.event_max_count",
	"traintracks_event_remove_batch_size":   "queue.event_remove_batch_size",
	"traintracks_queue_sync_writes":         "queue.sync_writes",
	"traintracks_queue_reset_on_corruption": "queue.reset_on_corruption",
	"traintracks_queue_compression":         "queue.compression",
	"traintracks_queue_gc_interval":         "queue.gc_interval",

	"traintracks_transport":                   "upload.transport",
	"traintracks_event_upload_threshold":      "upload.event_upload_threshold",
	"traintracks_event_upload_max_batch_size": "upload.event_upload_max_batch_size",
	"traintracks_event_upload_period":         "upload.event_upload_period",
	"traintracks_initial_backoff":             "upload.initial_backoff",
	"traintracks_max_backoff":                 "upload.max_backoff",
	"traintracks_request_timeout":             "upload.request_timeout",
	"traintracks_rejected_policy":             "upload.rejected_policy",
	"traintracks_gzip":                        "upload.gzip",
	"traintracks_max_requests_per_second":     "upload.max_requests_per_second",
	"traintracks_breaker_failures":            "upload.breaker_failures",
	"traintracks_breaker_timeout":             "upload.breaker_timeout",
	"traintracks_nats_url":                    "upload.nats_url",
	"traintracks_nats_subject":                "upload.nats_subject",
	"traintracks_nats_jetstream":              "upload.nats_jetstream",

	"traintracks_min_time_between_sessions": "session.min_time_between_sessions",
	"traintracks_tracking_session_events":   "session.tracking_session_events",
	"traintracks_location_listening":        "session.location_listening",

	"log_level":     "logging.level",
	"log_format":    "logging.format",
	"log_caller":    "logging.caller",
	"log_timestamp": "logging.timestamp",

	"traintracks_agent_listen_addr":      "agent.listen_addr",
	"traintracks_agent_rate_limit":       "agent.rate_limit_reqs",
	"traintracks_agent_rate_window":      "agent.rate_limit_window",
	"traintracks_agent_cors_origins":     "agent.cors_origins",
	"traintracks_agent_max_body_bytes":   "agent.max_body_bytes",
	"traintracks_agent_shutdown_timeout": "agent.shutdown_timeout",
}

// envTransformFunc maps an environment variable to its config key. Unmapped
// variables return "" and are skipped.
func envTransformFunc(key string) string {
	return envMappings[strings.ToLower(key)]
}
