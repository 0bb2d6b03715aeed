// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reason records why a session left the live set.
type Reason string

// Removal reasons.
const (
	ReasonMaxLifetime       Reason = "max_lifetime"
	ReasonInactivityTimeout Reason = "inactivity_timeout"
	ReasonManualClose       Reason = "manual_close"
	ReasonTransportError    Reason = "transport_error"
	ReasonShutdown          Reason = "shutdown"
)

// Releaser is the isolated execution context attached to a session.
// Close is called exactly once, when the session is removed.
type Releaser interface {
	Close() error
}

// ContextFactory builds the execution context for a new session.
type ContextFactory func(id string) (Releaser, error)

// NewID returns a fresh session identifier.
func NewID() string {
	return uuid.NewString()
}

// Session is one logical client connection.
type Session struct {
	id      string
	created time.Time
	context Releaser

	mu           sync.Mutex
	lastActivity time.Time
	activity     uint64
}

func newSession(id string, now time.Time, ctx Releaser) *Session {
	return &Session{
		id:           id,
		created:      now,
		lastActivity: now,
		context:      ctx,
	}
}

// ID returns the session ID.
func (s *Session) ID() string { return s.id }

// CreatedAt returns the creation time.
func (s *Session) CreatedAt() time.Time { return s.created }

// Context returns the session's execution context.
func (s *Session) Context() Releaser { return s.context }

// LastActivity returns the time of the most recent touch.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// ActivityCount returns the number of touches since creation.
func (s *Session) ActivityCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activity
}

// touch records activity at now. The timestamp never moves backwards.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
	s.activity++
}

// expiry returns the reason s should be expired at now, if any.
// The lifetime cap wins over the idle timeout.
func (s *Session) expiry(now time.Time, cfg Config) (Reason, bool) {
	if now.Sub(s.created) > cfg.MaxLifetime {
		return ReasonMaxLifetime, true
	}
	if now.Sub(s.LastActivity()) > cfg.InactivityTimeout {
		return ReasonInactivityTimeout, true
	}
	return "", false
}
