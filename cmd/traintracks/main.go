// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

// Package main is the Traintracks agent: a local sidecar that embeds the
// Traintracks client and accepts events over HTTP from host processes that
// cannot link the Go library.
//
// # Startup
//
//  1. Configuration: defaults, then config.yaml (or CONFIG_PATH), then
//     TRAINTRACKS_* environment variables (Koanf v2)
//  2. Client: opens the event queue and restores identity, session and
//     opt-out state
//  3. Supervisor tree: store maintenance, the upload scheduler and the
//     agent HTTP server run as suture services
//
// # Signal Handling
//
// On SIGINT or SIGTERM the agent stops accepting requests, makes one
// best-effort flush bounded by the shutdown timeout and closes the queue.
// Events that could not be sent stay on disk for the next start.
//
// # Example Usage
//
//	export TRAINTRACKS_API_KEY=abc123
//	export TRAINTRACKS_ENDPOINT=https://collector.example.com/v1/batch
//	export TRAINTRACKS_QUEUE_PATH=/var/lib/traintracks
//	./traintracks
//
//	curl -X POST localhost:7341/v1/events \
//	    -d '{"event_type":"checkout","event_properties":{"items":3}}'
package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomtom215/traintracks/internal/api"
	"github.com/tomtom215/traintracks/internal/config"
	"github.com/tomtom215/traintracks/internal/logging"
	"github.com/tomtom215/traintracks/internal/models"
	"github.com/tomtom215/traintracks/internal/supervisor/services"
	"github.com/tomtom215/traintracks/pkg/traintracks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(cfg.Logging)

	logging.Info().
		Str("version", models.Version).
		Str("transport", cfg.Upload.Transport).
		Str("queue_path", cfg.Queue.Path).
		Str("listen_addr", cfg.Agent.ListenAddr).
		Msg("Starting Traintracks agent")

	if len(cfg.Agent.CORSOrigins) == 1 && cfg.Agent.CORSOrigins[0] == "*" {
		logging.Warn().Msg("CORS allows any origin (TRAINTRACKS_AGENT_CORS_ORIGINS=*); any website can post events to this agent")
	}

	client, err := traintracks.New(cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize client")
	}

	srv := &http.Server{
		Addr:              cfg.Agent.ListenAddr,
		Handler:           api.NewRouter(client, cfg.Agent),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Flush waits for uploads, bounded by the request timeout and retries.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := client.Start(ctx, services.NewHTTPServerService(srv, cfg.Agent.ShutdownTimeout)); err != nil {
		logging.Fatal().Err(err).Msg("Failed to start client")
	}
	logging.Info().Str("addr", cfg.Agent.ListenAddr).Msg("Agent API listening")

	<-ctx.Done()
	logging.Info().Msg("Shutdown signal received")

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Agent.ShutdownTimeout)
	defer cancel()
	if err := client.Close(closeCtx); err != nil {
		logging.Error().Err(err).Msg("Error during shutdown")
		return
	}
	logging.Info().Msg("Traintracks agent stopped")
}
