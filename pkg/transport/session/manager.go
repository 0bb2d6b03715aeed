// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session tracks live client sessions for session-oriented
// transports and expires them by idle timeout or maximum lifetime.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	thverrors "github.com/stacklok/toolmux/pkg/errors"
	"github.com/stacklok/toolmux/pkg/logger"
)

// Fallbacks used when a Config field is zero.
const (
	DefaultInactivityTimeout = 20 * time.Minute
	DefaultMaxLifetime       = 24 * time.Hour
	DefaultSweepInterval     = time.Minute
)

// Config holds the expiry policy.
type Config struct {
	InactivityTimeout time.Duration
	MaxLifetime       time.Duration
	SweepInterval     time.Duration
}

// WithDefaults returns c with zero fields replaced by the defaults.
func (c Config) WithDefaults() Config {
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = DefaultInactivityTimeout
	}
	if c.MaxLifetime <= 0 {
		c.MaxLifetime = DefaultMaxLifetime
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	return c
}

// RemoveHook observes every session removal.
type RemoveHook func(id string, reason Reason)

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for timestamps and the sweep ticker.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) {
		m.clock = clock
	}
}

// WithContextFactory sets the factory for per-session execution contexts.
func WithContextFactory(factory ContextFactory) Option {
	return func(m *Manager) {
		m.factory = factory
	}
}

// WithRemoveHook registers a hook called after each removal.
func WithRemoveHook(hook RemoveHook) Option {
	return func(m *Manager) {
		m.onRemove = append(m.onRemove, hook)
	}
}

// Expiration is one session expired by a sweep.
type Expiration struct {
	ID     string
	Reason Reason
}

// SweepResult reports what a sweep did.
type SweepResult struct {
	Expired  []Expiration
	Failures []error
}

// Manager owns the set of live sessions.
type Manager struct {
	cfg      Config
	clock    clockwork.Clock
	factory  ContextFactory
	onRemove []RemoveHook

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// NewManager creates a session manager. Call Start to run the periodic sweep.
func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg.WithDefaults(),
		clock:    clockwork.NewRealClock(),
		factory:  func(string) (Releaser, error) { return nopReleaser{}, nil },
		sessions: make(map[string]*Session),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective expiry policy.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start runs the sweep every SweepInterval until ctx is done or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		go m.sweepRoutine(ctx)
	})
}

func (m *Manager) sweepRoutine(ctx context.Context) {
	defer close(m.doneCh)

	ticker := m.clock.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			if res := m.Sweep(); len(res.Expired) > 0 {
				logger.Debugf("session sweep expired %d session(s), %d release failure(s)",
					len(res.Expired), len(res.Failures))
			}
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		}
	}
}

// Stop stops the sweep routine and waits for it to exit. It is safe to
// call more than once, and before Start.
func (m *Manager) Stop() {
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

// Create allocates a session with a fresh execution context.
func (m *Manager) Create(id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidSessionID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrManagerClosed
	}
	if _, exists := m.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionAlreadyExists, id)
	}

	execCtx, err := m.factory(id)
	if err != nil {
		return nil, fmt.Errorf("failed to create execution context for session %s: %w", id, err)
	}

	s := newSession(id, m.clock.Now(), execCtx)
	m.sessions[id] = s
	logger.Debugw("session created", "session_id", id)
	return s, nil
}

// Get looks up a session without side effects.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Touch records activity on a session. It reports whether the session exists.
func (m *Manager) Touch(id string) bool {
	s, ok := m.Get(id)
	if !ok {
		logger.Debugf("touch on unknown session %s ignored", id)
		return false
	}
	s.touch(m.clock.Now())
	return true
}

// Resolve returns a live session for a request and records the activity.
// A session that has outlived its policy but not yet been swept is expired
// on the spot and reported as ErrSessionExpired.
func (m *Manager) Resolve(id string) (*Session, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	now := m.clock.Now()
	if reason, expired := s.expiry(now, m.cfg); expired {
		if err := m.Remove(id, reason); err != nil {
			logger.Warnf("failed to release expired session %s: %v", id, err)
		}
		return nil, fmt.Errorf("%w: %s (%s)", ErrSessionExpired, id, reason)
	}

	s.touch(now)
	return s, nil
}

// Remove releases the session's execution context and drops it from the
// live set. Removing an unknown session is a no-op. The session is dropped
// even when releasing its context fails; that failure is returned.
func (m *Manager) Remove(id string, reason Reason) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.release(s, reason)
}

func (m *Manager) release(s *Session, reason Reason) error {
	var err error
	if s.context != nil {
		if cerr := s.context.Close(); cerr != nil {
			err = thverrors.NewLifecycleError(fmt.Sprintf("failed to release session %s", s.id), cerr)
		}
	}

	logger.Debugw("session removed", "session_id", s.id, "reason", string(reason))
	for _, hook := range m.onRemove {
		hook(s.id, reason)
	}
	return err
}

// Sweep expires every session past its lifetime cap or idle timeout.
// Release failures are collected in the result and never stop the sweep.
func (m *Manager) Sweep() SweepResult {
	now := m.clock.Now()

	type victim struct {
		session *Session
		reason  Reason
	}

	m.mu.Lock()
	var victims []victim
	for id, s := range m.sessions {
		if reason, expired := s.expiry(now, m.cfg); expired {
			victims = append(victims, victim{session: s, reason: reason})
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	var res SweepResult
	for _, v := range victims {
		res.Expired = append(res.Expired, Expiration{ID: v.session.id, Reason: v.reason})
		if err := m.release(v.session, v.reason); err != nil {
			logger.Warnf("session sweep: %v", err)
			res.Failures = append(res.Failures, err)
		}
	}
	return res
}

// CloseAll stops the sweep and removes every session. Every session is
// released; failures are joined into the returned error. Later calls to
// Create fail with ErrManagerClosed.
func (m *Manager) CloseAll() error {
	m.Stop()

	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	var errs []error
	for _, s := range all {
		if err := m.release(s, ReasonShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// IDs returns the IDs of all live sessions.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Range calls fn for each live session until fn returns false.
func (m *Manager) Range(fn func(*Session) bool) {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()

	for _, s := range sessions {
		if !fn(s) {
			return
		}
	}
}

type nopReleaser struct{}

func (nopReleaser) Close() error { return nil }
