// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package eventstore

import (
	"context"
	"testing"
	"time"
)

func TestMaintainer_StartStop(t *testing.T) {
	cfg := createTestConfig(t)
	cfg.GCInterval = 10 * time.Millisecond
	s := setupStore(t, cfg)

	m := NewMaintainer(s)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("second Start should be a no-op: %v", err)
	}
	if !m.IsRunning() {
		t.Fatal("expected maintainer running")
	}

	deadline := time.Now().Add(2 * time.Second)
	for m.LastRun().IsZero() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.LastRun().IsZero() {
		t.Error("expected at least one GC run")
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if m.IsRunning() {
		t.Error("expected maintainer stopped")
	}
}

func TestMaintainer_RunNowAfterRemovals(t *testing.T) {
	ctx := context.Background()
	s := setupStore(t, createTestConfig(t))

	ids := appendN(ctx, t, s, 0, 50)
	if _, err := s.Remove(ctx, ids); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	m := NewMaintainer(s)
	m.RunNow()
	if m.LastRun().IsZero() {
		t.Error("RunNow should record the run")
	}
}
