// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package eventstore

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for event store operations
var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "traintracks_queue_depth",
		Help: "Current number of events waiting for upload",
	})

	queueAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traintracks_queue_appended_total",
		Help: "Total number of events appended to the queue",
	})

	queueRemovedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traintracks_queue_removed_total",
		Help: "Total number of events removed after upload",
	})

	// queueEvictedTotal counts events lost to capacity eviction.
	queueEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traintracks_queue_evicted_total",
		Help: "Total number of events evicted because the queue was full",
	})

	queueCorruptRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traintracks_queue_corrupt_rows_total",
		Help: "Total number of unreadable queue rows discarded",
	})

	queueResetsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traintracks_queue_resets_total",
		Help: "Total number of times an unreadable store was reset to empty",
	})

	queueWriteLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "traintracks_queue_write_latency_seconds",
		Help:    "Event store append latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~1.6s
	})

	queueGCRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "traintracks_queue_gc_runs_total",
		Help: "Total number of BadgerDB value log GC runs",
	})
)

// RecordAppend records one appended event and its latency.
func RecordAppend(seconds float64) {
	queueAppendedTotal.Inc()
	queueWriteLatency.Observe(seconds)
}

// RecordRemoved records events removed after upload.
func RecordRemoved(n int) {
	queueRemovedTotal.Add(float64(n))
}

// RecordEvicted records events lost to eviction.
func RecordEvicted(n int) {
	queueEvictedTotal.Add(float64(n))
}

// RecordCorruptRows records unreadable rows that were discarded.
func RecordCorruptRows(n int) {
	queueCorruptRowsTotal.Add(float64(n))
}

// RecordReset records a store reset.
func RecordReset() {
	queueResetsTotal.Inc()
}

// RecordGCRun records a value log GC run.
func RecordGCRun() {
	queueGCRuns.Inc()
}

// SetDepth updates the queue depth gauge.
func SetDepth(n int) {
	queueDepth.Set(float64(n))
}
