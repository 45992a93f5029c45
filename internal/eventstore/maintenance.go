// Traintracks - Durable Client-Side Event Telemetry
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/traintracks

package eventstore

import (
	"context"
	"sync"
	"time"

	"github.com/tomtom215/traintracks/internal/logging"
)

// Maintainer periodically reclaims value log space left behind by removed
// and evicted events.
type Maintainer struct {
	store    *Store
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	lastRun time.Time
}

// NewMaintainer creates a maintainer using the store's GCInterval.
func NewMaintainer(store *Store) *Maintainer {
	interval := store.config.GCInterval
	if interval <= 0 {
		interval = DefaultConfig().GCInterval
	}
	return &Maintainer{store: store, interval: interval}
}

// Start begins the background loop.
func (m *Maintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(loopCtx)

	logging.Debug().Dur("interval", m.interval).Msg("Event store maintainer started")
	return nil
}

// Stop stops the loop and waits for it to exit.
func (m *Maintainer) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	return nil
}

// IsRunning returns whether the loop is active.
func (m *Maintainer) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// LastRun returns when GC last ran.
func (m *Maintainer) LastRun() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Maintainer) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.RunNow()
		}
	}
}

// RunNow runs value log GC immediately.
func (m *Maintainer) RunNow() {
	start := time.Now()
	if err := m.store.RunGC(); err != nil {
		logging.Error().Err(err).Msg("Event store GC failed")
	}
	m.mu.Lock()
	m.lastRun = time.Now()
	m.mu.Unlock()
	logging.Debug().Dur("duration", time.Since(start)).Msg("Event store GC complete")
}
