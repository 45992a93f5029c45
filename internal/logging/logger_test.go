// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	if cfg.Level != "info" {
		t.Errorf("expected default level 'info', got '%s'", cfg.Level)
	}
	if cfg.Format != "json" {
		t.Errorf("expected default format 'json', got '%s'", cfg.Format)
	}
	if !cfg.Timestamp {
		t.Error("expected default timestamp to be true")
	}
}

func TestInit(t *testing.T) {
	var buf bytes.Buffer
	defer Init(DefaultConfig())

	Init(Config{Level: "debug", Format: "json", Output: &buf})
	Debug().Int("event_count", 3).Msg("queued")

	output := buf.String()
	if !strings.Contains(output, `"message":"queued"`) {
		t.Errorf("expected message in output, got: %s", output)
	}
	if !strings.Contains(output, `"event_count":3`) {
		t.Errorf("expected event_count field in output, got: %s", output)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input    string
		expected zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"DEBUG", zerolog.DebugLevel},
		{"invalid", zerolog.InfoLevel},
		{"", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.input); got != tt.expected {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func TestLogLevels(t *testing.T) {
	var buf bytes.Buffer
	original := Logger()
	defer restore(original)
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	SetLogger(NewTestLogger(&buf))
	zerolog.SetGlobalLevel(zerolog.TraceLevel)

	tests := []struct {
		name    string
		logFunc func()
		level   string
	}{
		{"Trace", func() { Trace().Msg("m") }, "trace"},
		{"Debug", func() { Debug().Msg("m") }, "debug"},
		{"Info", func() { Info().Msg("m") }, "info"},
		{"Warn", func() { Warn().Msg("m") }, "warn"},
		{"Error", func() { Error().Msg("m") }, "error"},
	}

	for _, tt := range tests {
		buf.Reset()
		tt.logFunc()
		if !strings.Contains(buf.String(), `"level":"`+tt.level+`"`) {
			t.Errorf("%s: expected level %q in output: %s", tt.name, tt.level, buf.String())
		}
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	original := Logger()
	defer restore(original)

	SetLogger(NewTestLogger(&buf))
	l := Component("upload")
	l.Info().Msg("started")

	if !strings.Contains(buf.String(), `"component":"upload"`) {
		t.Errorf("expected component field in output: %s", buf.String())
	}
}

func TestSetLevelString(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)

	SetLevelString("error")
	if zerolog.GlobalLevel() != zerolog.ErrorLevel {
		t.Errorf("expected ErrorLevel, got %v", zerolog.GlobalLevel())
	}
}

func TestInit_LibraryAndExtraFields(t *testing.T) {
	var buf bytes.Buffer
	defer Init(DefaultConfig())

	Init(Config{Level: "info", Output: &buf, Fields: map[string]string{"instance": "agent-1"}})
	Info().Msg("hello")

	out := buf.String()
	if !strings.Contains(out, `"library":"traintracks"`) {
		t.Errorf("missing library field: %s", out)
	}
	if !strings.Contains(out, `"instance":"agent-1"`) {
		t.Errorf("missing configured field: %s", out)
	}
}

func TestSetLogger_AddsLibraryField(t *testing.T) {
	var buf bytes.Buffer
	original := Logger()
	defer restore(original)

	SetLogger(zerolog.New(&buf))
	Warn().Msg("routed")

	if !strings.Contains(buf.String(), `"library":"traintracks"`) {
		t.Errorf("host logger output missing library field: %s", buf.String())
	}
}

//nolint:gocritic // zerolog.Logger is passed by value
func restore(l zerolog.Logger) {
	mu.Lock()
	base = l
	mu.Unlock()
}
