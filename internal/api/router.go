// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

// Package api is the local ingestion API of the Traintracks agent. Host
// processes that cannot embed the Go client post events and identify
// operations to it over HTTP; the agent queues and uploads them.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/traintracks/internal/config"
	"github.com/tomtom215/traintracks/pkg/traintracks"
)

// Collector is the part of *traintracks.Client the agent drives.
type Collector interface {
	LogEvent(eventType string, props map[string]any, opts ...traintracks.EventOption) error
	Identify(id *traintracks.Identify, opts ...traintracks.EventOption) error
	UploadEvents(ctx context.Context) traintracks.UploadResult
	Stats() traintracks.Stats
}

// NewRouter builds the agent's HTTP handler.
//
// Routes:
//
//	POST /v1/events    queue one event
//	POST /v1/identify  queue one $identify event
//	POST /v1/flush     upload everything queued and wait
//	GET  /v1/stats     queue, session and uploader counters
//	GET  /healthz      liveness
//	GET  /metrics      Prometheus metrics
func NewRouter(c Collector, cfg config.AgentConfig) http.Handler {
	h := NewHandler(c)
	r := chi.NewRouter()

	r.Use(requestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           86400,
	}))
	r.Use(prometheusMetrics)

	r.Get("/healthz", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(rateLimit(cfg.RateLimitReqs, cfg.RateLimitWindow))
		r.Use(limitBody(cfg.MaxBodyBytes))

		r.Post("/events", h.LogEvent)
		r.Post("/identify", h.Identify)
		r.Post("/flush", h.Flush)
		r.Get("/stats", h.Stats)
	})

	return r
}

// rateLimit limits requests per client IP. A non-positive limit disables it.
func rateLimit(requests int, window time.Duration) func(http.Handler) http.Handler {
	if requests <= 0 || window <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return httprate.Limit(
		requests,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			respondError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		}),
	)
}
