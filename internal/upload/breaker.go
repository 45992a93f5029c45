// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package upload

import (
	"context"
	"errors"

	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/tomtom215/traintracks/internal/logging"
	"github.com/tomtom215/traintracks/internal/metrics"
	"github.com/tomtom215/traintracks/internal/models"
	"github.com/tomtom215/traintracks/internal/transport"
)

const breakerName = "upload"

// breakerTransport guards a transport with a circuit breaker. Only retryable
// failures count against the breaker: a collector that answers with a
// rejection is reachable.
type breakerTransport struct {
	next transport.Transport
	cb   *gobreaker.CircuitBreaker[struct{}]
}

func newBreakerTransport(next transport.Transport, cfg Config) *breakerTransport {
	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || transport.Classify(err) != transport.Retryable
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Upload circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &breakerTransport{next: next, cb: cb}
}

// Submit runs the wrapped transport through the breaker. An open breaker is
// reported as a retryable failure.
func (b *breakerTransport) Submit(ctx context.Context, batch []models.Record) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, b.next.Submit(ctx, batch)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &transport.Failure{Kind: transport.Retryable, Err: err}
	}
	return err
}

func (b *breakerTransport) State() gobreaker.State {
	return b.cb.State()
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
