// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

// Package services adapts Traintracks components to suture.Service.
package services

import (
	"context"
	"fmt"

	"github.com/tomtom215/traintracks/internal/logging"
)

// StartStopper is a component with its own background goroutine.
//
// Satisfied by *eventstore.Maintainer.
type StartStopper interface {
	Start(ctx context.Context) error
	Stop() error
	IsRunning() bool
}

// LifecycleService runs a StartStopper under supervision: Start, wait for
// cancellation, then Stop.
//
//	m := eventstore.NewMaintainer(store)
//	tree.AddDataService(services.NewLifecycleService("queue-maintenance", m))
type LifecycleService struct {
	component StartStopper
	name      string
}

// NewLifecycleService wraps component under name.
func NewLifecycleService(name string, component StartStopper) *LifecycleService {
	return &LifecycleService{component: component, name: name}
}

// Serve implements suture.Service. A failed Start is returned so suture
// restarts the service with backoff.
func (s *LifecycleService) Serve(ctx context.Context) error {
	if err := s.component.Start(ctx); err != nil {
		return fmt.Errorf("%s start failed: %w", s.name, err)
	}

	<-ctx.Done()

	if err := s.component.Stop(); err != nil {
		logging.Warn().Err(err).Str("service", s.name).Msg("Stop returned an error")
	}
	return ctx.Err()
}

func (s *LifecycleService) String() string {
	return s.name
}
