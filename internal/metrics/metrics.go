// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

// Package metrics holds the Prometheus collectors shared across Traintracks
// components. Queue-level collectors live next to the store in
// internal/eventstore.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upload results used as label values.
const (
	ResultUploaded  = "uploaded"
	ResultRetryable = "retryable"
	ResultRejected  = "rejected"
	ResultTooLarge  = "too_large"
	ResultSkipped   = "skipped"
)

var (
	// Client Facade Metrics
	EventsLogged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traintracks_events_logged_total",
			Help: "Total number of events accepted by the client",
		},
		[]string{"kind"}, // kind: "event", "identify", "session"
	)

	EventsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traintracks_events_rejected_total",
			Help: "Total number of client calls rejected by validation",
		},
		[]string{"reason"},
	)

	EventsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "traintracks_events_suppressed_total",
			Help: "Total number of events dropped because the client is opted out",
		},
	)

	InternalFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traintracks_internal_failures_total",
			Help: "Total number of failures absorbed instead of returned to the host",
		},
		[]string{"component"},
	)

	// Upload Scheduler Metrics
	UploadAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traintracks_upload_attempts_total",
			Help: "Total number of batch submissions by result",
		},
		[]string{"result"},
	)

	UploadBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "traintracks_upload_batch_size",
			Help:    "Number of events per submitted batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	UploadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "traintracks_upload_duration_seconds",
			Help:    "Batch submission latency in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	UploadedEvents = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "traintracks_uploaded_events_total",
			Help: "Total number of events acknowledged by the collector",
		},
	)

	RejectedEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "traintracks_rejected_events_dropped_total",
			Help: "Total number of events discarded after the collector rejected their batch",
		},
	)

	SchedulerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "traintracks_scheduler_state",
			Help: "Upload scheduler state (0=idle, 1=upload in flight, 2=backoff)",
		},
	)

	SchedulerBackoff = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "traintracks_scheduler_backoff_seconds",
			Help: "Current retry delay, 0 when not backing off",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "traintracks_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traintracks_circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Agent API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "traintracks_api_requests_total",
			Help: "Total number of agent API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "traintracks_api_request_duration_seconds",
			Help:    "Agent API request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"method", "endpoint"},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "traintracks_app_info",
			Help: "Library version and build information",
		},
		[]string{"version", "build"},
	)
)

// RecordUpload records one batch submission.
func RecordUpload(result string, batchSize int, duration time.Duration) {
	UploadAttempts.WithLabelValues(result).Inc()
	UploadBatchSize.Observe(float64(batchSize))
	UploadDuration.Observe(duration.Seconds())
	if result == ResultUploaded {
		UploadedEvents.Add(float64(batchSize))
	}
}

// RecordSkippedUpload records a trigger that did not lead to a submission.
func RecordSkippedUpload() {
	UploadAttempts.WithLabelValues(ResultSkipped).Inc()
}

// RecordAPIRequest records an agent API request.
func RecordAPIRequest(method, endpoint string, statusCode int, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordInternalFailure records a failure absorbed by the client.
func RecordInternalFailure(component string) {
	InternalFailures.WithLabelValues(component).Inc()
}

// SetSchedulerState updates the scheduler state gauge.
func SetSchedulerState(state int, backoff time.Duration) {
	SchedulerState.Set(float64(state))
	SchedulerBackoff.Set(backoff.Seconds())
}
