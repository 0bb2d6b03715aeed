// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package health retries backends that failed to connect, so an aggregated
// server recovers from a backend outage without a restart.
package health

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/stacklok/toolmux/pkg/logger"
)

//go:generate mockgen -destination=mocks/mock_reconnector.go -package=mocks -source=monitor.go Reconnector

// DefaultRecoveryInterval is the period between recovery passes.
const DefaultRecoveryInterval = 30 * time.Second

// Reconnector is the part of the backend manager the monitor drives.
type Reconnector interface {
	// FailedBackends returns the backends without a live connection and
	// their last error.
	FailedBackends() map[string]error

	// Reconnect replaces the connection of the named backend.
	Reconnect(ctx context.Context, backend string) error
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock sets the clock driving recovery passes.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Monitor) {
		m.clock = clock
	}
}

// Monitor periodically reconnects failed backends.
type Monitor struct {
	target   Reconnector
	interval time.Duration
	clock    clockwork.Clock

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewMonitor creates a monitor for target. A non-positive interval selects
// DefaultRecoveryInterval.
func NewMonitor(target Reconnector, interval time.Duration, opts ...Option) *Monitor {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	m := &Monitor{
		target:   target,
		interval: interval,
		clock:    clockwork.NewRealClock(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start runs a recovery pass every interval until ctx is done or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.run(ctx)
	})
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := m.clock.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			m.Recover(ctx)
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

// Stop ends the recovery loop and waits for it to exit. It is safe to call
// more than once, and before Start.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
	started := true
	m.startOnce.Do(func() {
		started = false
		close(m.doneCh)
	})
	if started {
		<-m.doneCh
	}
}

// Recover attempts one reconnect of every failed backend, in name order,
// and returns the backends that came back.
func (m *Monitor) Recover(ctx context.Context) []string {
	failed := m.target.FailedBackends()
	if len(failed) == 0 {
		return nil
	}

	names := make([]string, 0, len(failed))
	for name := range failed {
		names = append(names, name)
	}
	slices.Sort(names)

	var recovered []string
	for _, name := range names {
		if ctx.Err() != nil {
			break
		}
		if err := m.target.Reconnect(ctx, name); err != nil {
			logger.Debugw("backend still unavailable", "backend", name, "error", err)
			continue
		}
		logger.Infow("backend recovered", "backend", name)
		recovered = append(recovered, name)
	}
	return recovered
}
