// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

// Package upload decides when queued events are sent and reacts to the
// outcome of each submission.
//
// Three trigger sources feed the Scheduler: the queue reaching the upload
// threshold, the periodic timer, and explicit flushes. A retry timer is armed
// while backing off. All of them pass through one guard, so at most one batch
// is ever in flight. Events leave the queue only after the collector has
// acknowledged the exact batch they were sent in.
package upload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tomtom215/traintracks/internal/logging"
	"github.com/tomtom215/traintracks/internal/metrics"
	"github.com/tomtom215/traintracks/internal/models"
	"github.com/tomtom215/traintracks/internal/transport"
)

// Queue is the part of the event store the scheduler consumes.
type Queue interface {
	PeekOldest(ctx context.Context, limit int) ([]models.Record, error)
	Remove(ctx context.Context, ids []uint64) (int, error)
	Count() int
}

// State is the scheduler's position in its state machine.
type State int

const (
	StateIdle State = iota
	StateUploadInFlight
	StateBackoff
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUploadInFlight:
		return "upload_in_flight"
	case StateBackoff:
		return "backoff"
	default:
		return "unknown"
	}
}

// Outcome summarizes one upload run.
type Outcome int

const (
	// OutcomeEmpty means the queue held nothing to send.
	OutcomeEmpty Outcome = iota
	OutcomeUploaded
	OutcomeSkipped
	OutcomeRetryable
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEmpty:
		return "empty"
	case OutcomeUploaded:
		return "uploaded"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result reports what an upload run did.
type Result struct {
	Outcome Outcome

	// Uploaded is the number of events acknowledged and removed.
	Uploaded int
	Batches  int

	// Coalesced is set when the caller joined a run that was already in
	// flight instead of starting one.
	Coalesced bool

	// Reason explains a skipped run.
	Reason string
	Err    error
}

// Skip reasons.
const (
	ReasonGated          = "gated"
	ReasonBackoff        = "backoff"
	ReasonInFlight       = "in_flight"
	ReasonBelowThreshold = "below_threshold"
	ReasonRetained       = "rejected_batch_retained"
	reasonStale          = "stale_retry"
)

var errAborted = errors.New("upload run aborted")

type trigger int

const (
	triggerThreshold trigger = iota
	triggerTimer
	triggerFlush
	triggerRetry
)

func (t trigger) String() string {
	switch t {
	case triggerThreshold:
		return "threshold"
	case triggerTimer:
		return "timer"
	case triggerFlush:
		return "flush"
	case triggerRetry:
		return "retry"
	default:
		return "unknown"
	}
}

type flight struct {
	done   chan struct{}
	result Result
}

// Scheduler drives uploads from the queue to a transport.
type Scheduler struct {
	queue     Queue
	transport *breakerTransport
	gate      func() bool
	log       zerolog.Logger

	mu           sync.Mutex
	cfg          Config
	state        State
	failures     int
	backoffUntil time.Time
	batchSize    int
	retained     bool
	flight       *flight
	inFlight     atomic.Bool

	kick   chan struct{}
	nudge  chan struct{}
	retune chan struct{}
	wake   chan struct{}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithGate installs a check consulted before every run. Uploads are skipped
// while it returns false. It is called with the scheduler's lock held and
// must not call back into the scheduler.
func WithGate(gate func() bool) Option {
	return func(s *Scheduler) { s.gate = gate }
}

// New creates a scheduler. Zero config fields take their defaults.
func New(queue Queue, t transport.Transport, cfg Config, opts ...Option) *Scheduler {
	cfg.applyDefaults()
	s := &Scheduler{
		queue:     queue,
		transport: newBreakerTransport(t, cfg),
		log:       logging.Component("upload"),
		cfg:       cfg,
		batchSize: cfg.MaxBatchSize,
		kick:      make(chan struct{}, 1),
		nudge:     make(chan struct{}, 1),
		retune:    make(chan struct{}, 1),
		wake:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	metrics.SetSchedulerState(int(StateIdle), 0)
	return s
}

// Serve runs the trigger loop until ctx is canceled. It implements
// suture.Service, so a panic inside a run is contained by the supervisor
// and the loop restarted.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.log.Info().
		Int("threshold", s.Threshold()).
		Dur("period", s.Period()).
		Msg("Upload scheduler started")

	ticker := time.NewTicker(s.Period())
	defer ticker.Stop()

	var retry *time.Timer
	defer func() {
		if retry != nil {
			retry.Stop()
		}
	}()

	for {
		var retryC <-chan time.Time
		if wait, ok := s.retryIn(); ok {
			if retry == nil {
				retry = time.NewTimer(wait)
			} else {
				retry.Reset(wait)
			}
			retryC = retry.C
		}

		select {
		case <-ctx.Done():
			s.log.Info().Msg("Upload scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.run(ctx, triggerTimer)
		case <-s.kick:
			s.run(ctx, triggerThreshold)
		case <-s.nudge:
			s.run(ctx, triggerTimer)
		case <-retryC:
			s.run(ctx, triggerRetry)
		case <-s.retune:
			ticker.Reset(s.Period())
		case <-s.wake:
		}
	}
}

func (s *Scheduler) String() string { return "upload-scheduler" }

// Notify tells the scheduler the queue now holds count events. A threshold
// run is requested when count reaches the threshold.
func (s *Scheduler) Notify(count int) {
	if count < s.Threshold() {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Kick asks the loop for an upload run as if the timer had fired, without
// waiting for it.
func (s *Scheduler) Kick() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// Flush uploads the events queued when it is called, on the caller's
// goroutine, and blocks until done. If a run is already in flight, Flush waits for it and
// returns its result instead of starting another.
func (s *Scheduler) Flush(ctx context.Context) Result {
	return s.run(ctx, triggerFlush)
}

func (s *Scheduler) run(ctx context.Context, trig trigger) (res Result) {
	s.mu.Lock()
	if f := s.flight; f != nil {
		s.mu.Unlock()
		if trig != triggerFlush {
			return s.skip(trig, ReasonInFlight)
		}
		select {
		case <-f.done:
			res = f.result
			res.Coalesced = true
			return res
		case <-ctx.Done():
			return Result{Outcome: OutcomeSkipped, Reason: ReasonInFlight, Coalesced: true, Err: ctx.Err()}
		}
	}

	if reason := s.blockedLocked(trig); reason != "" {
		s.mu.Unlock()
		return s.skip(trig, reason)
	}

	if trig != triggerThreshold {
		s.retained = false
	}
	f := &flight{done: make(chan struct{})}
	s.flight = f
	s.inFlight.Store(true)
	s.setStateLocked(StateUploadInFlight)
	s.mu.Unlock()

	res = Result{Outcome: OutcomeRetryable, Err: errAborted}
	var delay time.Duration
	defer s.finish(f, &res, &delay)

	res, delay = s.drain(ctx, trig)
	return res
}

// finish releases the guard and settles the next state. It runs deferred
// so a panicking run still releases the guard.
func (s *Scheduler) finish(f *flight, res *Result, delay *time.Duration) {
	s.mu.Lock()
	if res.Outcome == OutcomeRetryable {
		if *delay <= 0 {
			*delay = s.nextBackoffLocked(0)
		}
		s.backoffUntil = time.Now().Add(*delay)
		s.setStateLocked(StateBackoff)
	} else {
		s.setStateLocked(StateIdle)
	}
	s.flight = nil
	s.inFlight.Store(false)
	f.result = *res
	close(f.done)
	s.mu.Unlock()

	if res.Outcome == OutcomeRetryable {
		s.log.Warn().
			Err(res.Err).
			Dur("backoff", *delay).
			Int("failures", s.Failures()).
			Msg("Upload failed, backing off")
	}

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) blockedLocked(trig trigger) string {
	if s.gate != nil && !s.gate() {
		if trig == triggerRetry && s.state == StateBackoff {
			s.setStateLocked(StateIdle)
		}
		return ReasonGated
	}

	backingOff := s.state == StateBackoff && time.Now().Before(s.backoffUntil)
	switch trig {
	case triggerThreshold:
		if backingOff {
			return ReasonBackoff
		}
		if s.retained {
			return ReasonRetained
		}
		if s.queue.Count() < s.cfg.Threshold {
			return ReasonBelowThreshold
		}
	case triggerTimer:
		if backingOff {
			return ReasonBackoff
		}
	case triggerRetry:
		if s.state != StateBackoff {
			return reasonStale
		}
		if backingOff {
			return ReasonBackoff
		}
	case triggerFlush:
	}
	return ""
}

func (s *Scheduler) skip(trig trigger, reason string) Result {
	if reason != reasonStale {
		metrics.RecordSkippedUpload()
		s.log.Debug().Str("trigger", trig.String()).Str("reason", reason).Msg("Upload skipped")
	}
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

// drain submits batches until the trigger is satisfied or a submission
// fails. The returned delay is the backoff for a retryable outcome.
//
//nolint:gocyclo // one branch per submission outcome
func (s *Scheduler) drain(ctx context.Context, trig trigger) (Result, time.Duration) {
	res := Result{Outcome: OutcomeEmpty}

	// A flush covers what was queued when it started. Events logged while
	// it runs are left for the next trigger.
	pending := s.queue.Count()

	for {
		records, err := s.queue.PeekOldest(ctx, s.currentBatchSize())
		if err != nil {
			s.log.Error().Err(err).Msg("Failed to read queued events")
			metrics.RecordInternalFailure("upload")
			res.Outcome, res.Err = OutcomeRetryable, err
			return res, s.nextBackoff(0)
		}
		if len(records) == 0 {
			s.resetBatchSize()
			return res, 0
		}

		first, last := records[0].ID, records[len(records)-1].ID
		submitCtx, cancel := context.WithTimeout(ctx, s.submitTimeout())
		start := time.Now()
		err = s.transport.Submit(submitCtx, records)
		elapsed := time.Since(start)
		cancel()

		if err == nil {
			metrics.RecordUpload(metrics.ResultUploaded, len(records), elapsed)
			removed, rmErr := s.queue.Remove(ctx, models.IDs(records))
			s.resetFailures()
			res.Outcome = OutcomeUploaded
			res.Uploaded += len(records)
			res.Batches++

			s.log.Debug().
				Int("batch_size", len(records)).
				Int("removed", removed).
				Uint64("first_id", first).
				Uint64("last_id", last).
				Dur("duration", elapsed).
				Msg("Batch uploaded")

			if rmErr != nil {
				s.log.Error().Err(rmErr).
					Uint64("first_id", first).
					Uint64("last_id", last).
					Msg("Failed to remove acknowledged events")
				metrics.RecordInternalFailure("upload")
				res.Outcome, res.Err = OutcomeRetryable, rmErr
				return res, s.nextBackoff(0)
			}

			if !s.shouldContinue(ctx, trig, pending-res.Uploaded) {
				return res, 0
			}
			continue
		}

		kind := transport.Classify(err)
		if kind == transport.TooLarge && len(records) > 1 {
			metrics.RecordUpload(metrics.ResultTooLarge, len(records), elapsed)
			half := len(records) / 2
			s.shrinkBatchSize(half)
			s.log.Warn().
				Int("batch_size", len(records)).
				Int("next_batch_size", half).
				Msg("Batch too large, splitting")
			continue
		}

		if kind == transport.Retryable {
			metrics.RecordUpload(metrics.ResultRetryable, len(records), elapsed)
			res.Outcome, res.Err = OutcomeRetryable, err
			return res, s.nextBackoff(transport.RetryAfter(err))
		}

		metrics.RecordUpload(metrics.ResultRejected, len(records), elapsed)
		res.Outcome, res.Err = OutcomeRejected, err
		s.handleRejected(ctx, records, err)
		return res, 0
	}
}

func (s *Scheduler) handleRejected(ctx context.Context, records []models.Record, err error) {
	policy := s.RejectedPolicy()

	s.log.Error().
		Err(err).
		Int("batch_size", len(records)).
		Uint64("first_id", records[0].ID).
		Uint64("last_id", records[len(records)-1].ID).
		Str("policy", string(policy)).
		Msg("Collector rejected batch")

	if policy == RejectDrop {
		n, rmErr := s.queue.Remove(ctx, models.IDs(records))
		if rmErr != nil {
			s.log.Error().Err(rmErr).Msg("Failed to drop rejected batch")
			metrics.RecordInternalFailure("upload")
		}
		metrics.RejectedEventsDropped.Add(float64(n))
		return
	}

	s.mu.Lock()
	s.retained = true
	s.mu.Unlock()
}

// shouldContinue reports whether drain takes another batch. left is how
// much of the backlog seen at the start of the run is still unsent.
func (s *Scheduler) shouldContinue(ctx context.Context, trig trigger, left int) bool {
	if ctx.Err() != nil {
		return false
	}
	if s.gate != nil {
		s.mu.Lock()
		open := s.gate()
		s.mu.Unlock()
		if !open {
			return false
		}
	}

	count := s.queue.Count()
	if count == 0 {
		s.resetBatchSize()
		return false
	}
	if trig == triggerFlush {
		return left > 0
	}
	return count >= s.Threshold()
}

// nextBackoff records a failure and returns the delay before the next
// attempt: initial * 2^(failures-1) capped at the maximum, or the server's
// requested delay when that is longer.
func (s *Scheduler) nextBackoff(retryAfter time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextBackoffLocked(retryAfter)
}

func (s *Scheduler) nextBackoffLocked(retryAfter time.Duration) time.Duration {
	s.failures++
	return backoffDelay(s.cfg.InitialBackoff, s.cfg.MaxBackoff, s.failures, retryAfter)
}

func backoffDelay(initial, maxDelay time.Duration, failures int, retryAfter time.Duration) time.Duration {
	shift := failures - 1
	if shift > 30 {
		shift = 30
	}
	d := initial << uint(shift)
	if d <= 0 || d > maxDelay {
		d = maxDelay
	}
	if retryAfter > d {
		d = retryAfter
	}
	return d
}

func (s *Scheduler) setStateLocked(st State) {
	s.state = st
	var backoff time.Duration
	if st == StateBackoff {
		backoff = time.Until(s.backoffUntil)
	}
	metrics.SetSchedulerState(int(st), backoff)
}

func (s *Scheduler) retryIn() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateBackoff {
		return 0, false
	}
	return max(time.Until(s.backoffUntil), 0), true
}

func (s *Scheduler) resetFailures() {
	s.mu.Lock()
	s.failures = 0
	s.mu.Unlock()
}

func (s *Scheduler) currentBatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.batchSize
}

func (s *Scheduler) shrinkBatchSize(n int) {
	s.mu.Lock()
	s.batchSize = max(n, 1)
	s.mu.Unlock()
}

func (s *Scheduler) resetBatchSize() {
	s.mu.Lock()
	s.batchSize = s.cfg.MaxBatchSize
	s.mu.Unlock()
}

func (s *Scheduler) submitTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SubmitTimeout
}

// SetThreshold changes the queue depth that triggers an upload.
func (s *Scheduler) SetThreshold(n int) error {
	if n < 1 {
		return fmt.Errorf("event upload threshold must be at least 1, got %d", n)
	}
	s.mu.Lock()
	s.cfg.Threshold = n
	s.mu.Unlock()
	return nil
}

// Threshold returns the current upload threshold.
func (s *Scheduler) Threshold() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Threshold
}

// SetMaxBatchSize changes the number of events sent per request.
func (s *Scheduler) SetMaxBatchSize(n int) error {
	if n < 1 {
		return fmt.Errorf("event upload max batch size must be at least 1, got %d", n)
	}
	s.mu.Lock()
	s.cfg.MaxBatchSize = n
	s.batchSize = n
	s.mu.Unlock()
	return nil
}

// MaxBatchSize returns the configured batch cap.
func (s *Scheduler) MaxBatchSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.MaxBatchSize
}

// SetPeriod changes the upload timer interval. The running loop picks up
// the new interval immediately.
func (s *Scheduler) SetPeriod(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("event upload period must be positive, got %s", d)
	}
	s.mu.Lock()
	s.cfg.Period = d
	s.mu.Unlock()

	select {
	case s.retune <- struct{}{}:
	default:
	}
	return nil
}

// Period returns the upload timer interval.
func (s *Scheduler) Period() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Period
}

// RejectedPolicy returns how rejected batches are handled.
func (s *Scheduler) RejectedPolicy() RejectedPolicy {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.RejectedPolicy
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// InFlight reports whether a batch is being submitted.
func (s *Scheduler) InFlight() bool {
	return s.inFlight.Load()
}

// Failures returns the number of consecutive retryable failures.
func (s *Scheduler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	State        string    `json:"state"`
	InFlight     bool      `json:"in_flight"`
	Failures     int       `json:"consecutive_failures"`
	BackoffUntil *time.Time `json:"backoff_until,omitempty"`
	BatchSize    int       `json:"batch_size"`
	Threshold    int       `json:"threshold"`
	Retained     bool      `json:"rejected_batch_retained"`
	Breaker      string    `json:"circuit_breaker"`
}

// Status returns a snapshot of the scheduler.
func (s *Scheduler) Status() Status {
	breaker := s.transport.State().String()

	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		State:     s.state.String(),
		InFlight:  s.inFlight.Load(),
		Failures:  s.failures,
		BatchSize: s.batchSize,
		Threshold: s.cfg.Threshold,
		Retained:  s.retained,
		Breaker:   breaker,
	}
	if s.state == StateBackoff {
		until := s.backoffUntil
		st.BackoffUntil = &until
	}
	return st
}
