// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/traintracks/internal/logging"
)

// HTTPServer is the part of *http.Server the service drives.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs the agent's HTTP server under supervision. On
// cancellation it shuts the server down gracefully within shutdownTimeout.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

// NewHTTPServerService wraps server. A non-positive timeout means 10s.
func NewHTTPServerService(server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "agent-http",
	}
}

// Serve implements suture.Service. A listen failure is returned so the
// supervisor retries it; a server closed by someone else is not restarted.
func (h *HTTPServerService) Serve(ctx context.Context) error {
	log := logging.Component(h.name)
	served := make(chan error, 1)
	go func() { served <- h.server.ListenAndServe() }()

	select {
	case err := <-served:
		if errors.Is(err, http.ErrServerClosed) {
			log.Warn().Msg("Agent HTTP server closed outside supervision")
			return suture.ErrDoNotRestart
		}
		return fmt.Errorf("agent http server failed: %w", err)

	case <-ctx.Done():
	}

	// ctx is done, so shutdown gets its own deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("agent http server shutdown failed: %w", err)
	}
	<-served
	log.Info().Msg("Agent HTTP server stopped")
	return ctx.Err()
}

func (h *HTTPServerService) String() string {
	return h.name
}
