// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	thverrors "github.com/stacklok/toolmux/pkg/errors"
)

// stubContext counts releases and optionally fails them.
type stubContext struct {
	closes atomic.Int32
	err    error
}

func (c *stubContext) Close() error {
	c.closes.Add(1)
	return c.err
}

// stubFactory hands out stubContexts and records them by session ID.
type stubFactory struct {
	mu       sync.Mutex
	contexts map[string]*stubContext
	failFor  map[string]bool
}

func newStubFactory() *stubFactory {
	return &stubFactory{contexts: map[string]*stubContext{}, failFor: map[string]bool{}}
}

func (f *stubFactory) New(id string) (Releaser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &stubContext{}
	if f.failFor[id] {
		c.err = errors.New("release failed")
	}
	f.contexts[id] = c
	return c, nil
}

func (f *stubFactory) get(id string) *stubContext {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contexts[id]
}

var testConfig = Config{
	InactivityTimeout: 10 * time.Minute,
	MaxLifetime:       time.Hour,
	SweepInterval:     time.Minute,
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, clockwork.FakeClock, *stubFactory) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	factory := newStubFactory()
	opts = append([]Option{WithClock(clock), WithContextFactory(factory.New)}, opts...)
	m := NewManager(testConfig, opts...)
	t.Cleanup(m.Stop)
	return m, clock, factory
}

func TestConfigDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}.WithDefaults()
	assert.Equal(t, DefaultInactivityTimeout, cfg.InactivityTimeout)
	assert.Equal(t, DefaultMaxLifetime, cfg.MaxLifetime)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)

	custom := Config{InactivityTimeout: time.Second}.WithDefaults()
	assert.Equal(t, time.Second, custom.InactivityTimeout)
}

func TestCreateAndGet(t *testing.T) {
	t.Parallel()
	m, clock, factory := newTestManager(t)

	s, err := m.Create("foo")
	require.NoError(t, err)
	assert.Equal(t, "foo", s.ID())
	assert.Equal(t, clock.Now(), s.CreatedAt())
	assert.Same(t, factory.get("foo"), s.Context())

	got, ok := m.Get("foo")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Zero(t, got.ActivityCount(), "Get must not count as activity")
}

func TestCreateErrors(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	_, err := m.Create("")
	require.ErrorIs(t, err, ErrInvalidSessionID)

	_, err = m.Create("dup")
	require.NoError(t, err)
	_, err = m.Create("dup")
	require.ErrorIs(t, err, ErrSessionAlreadyExists)
	assert.Equal(t, 1, m.Len())
}

func TestCreateFactoryFailure(t *testing.T) {
	t.Parallel()
	m := NewManager(testConfig, WithContextFactory(func(string) (Releaser, error) {
		return nil, errors.New("no capacity")
	}))
	t.Cleanup(m.Stop)

	_, err := m.Create("a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no capacity")
	assert.Zero(t, m.Len())
}

func TestSessionContextsAreIsolated(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	a, err := m.Create("a")
	require.NoError(t, err)
	b, err := m.Create("b")
	require.NoError(t, err)

	assert.NotSame(t, a.Context(), b.Context())
}

func TestConcurrentCreateUniqueIDs(t *testing.T) {
	t.Parallel()
	m, _, _ := newTestManager(t)

	const n = 50
	var wg sync.WaitGroup
	ids := make(chan string, n)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := m.Create(NewID())
			if assert.NoError(t, err) {
				ids <- s.ID()
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate session id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, m.Len())
}

func TestTouch(t *testing.T) {
	t.Parallel()
	m, clock, _ := newTestManager(t)

	s, err := m.Create("foo")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.True(t, m.Touch("foo"))
	assert.Equal(t, clock.Now(), s.LastActivity())
	assert.Equal(t, uint64(1), s.ActivityCount())

	assert.True(t, m.Touch("foo"))
	assert.Equal(t, uint64(2), s.ActivityCount())

	assert.False(t, m.Touch("missing"))
}

func TestTouchNeverMovesBackwards(t *testing.T) {
	t.Parallel()

	now := time.Now()
	s := newSession("x", now, nopReleaser{})
	s.touch(now.Add(time.Minute))
	s.touch(now)

	assert.Equal(t, now.Add(time.Minute), s.LastActivity())
	assert.Equal(t, uint64(2), s.ActivityCount())
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	var removed []Reason
	m, _, factory := newTestManager(t, WithRemoveHook(func(_ string, r Reason) {
		removed = append(removed, r)
	}))

	_, err := m.Create("foo")
	require.NoError(t, err)

	require.NoError(t, m.Remove("foo", ReasonManualClose))
	require.NoError(t, m.Remove("foo", ReasonManualClose))

	_, ok := m.Get("foo")
	assert.False(t, ok)
	assert.Equal(t, int32(1), factory.get("foo").closes.Load())
	assert.Equal(t, []Reason{ReasonManualClose}, removed)
}

func TestRemoveReleaseFailure(t *testing.T) {
	t.Parallel()
	m, _, factory := newTestManager(t)
	factory.failFor["bad"] = true

	_, err := m.Create("bad")
	require.NoError(t, err)

	err = m.Remove("bad", ReasonManualClose)
	require.Error(t, err)
	assert.True(t, thverrors.IsLifecycle(err))

	_, ok := m.Get("bad")
	assert.False(t, ok, "session must leave the live set even when release fails")
}

func TestSweep(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		elapsed    time.Duration
		keepActive bool
		wantReason Reason
		wantGone   bool
	}{
		{
			name:    "fresh session survives",
			elapsed: 5 * time.Minute,
		},
		{
			name:       "idle past inactivity timeout",
			elapsed:    11 * time.Minute,
			wantReason: ReasonInactivityTimeout,
			wantGone:   true,
		},
		{
			name:       "active session survives idle check",
			elapsed:    30 * time.Minute,
			keepActive: true,
		},
		{
			name:       "lifetime cap wins over recent activity",
			elapsed:    61 * time.Minute,
			keepActive: true,
			wantReason: ReasonMaxLifetime,
			wantGone:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			m, clock, factory := newTestManager(t)

			_, err := m.Create("s")
			require.NoError(t, err)

			if tt.keepActive {
				for step := time.Duration(0); step < tt.elapsed; step += 5 * time.Minute {
					clock.Advance(5 * time.Minute)
					m.Touch("s")
				}
				clock.Advance(tt.elapsed % (5 * time.Minute))
			} else {
				clock.Advance(tt.elapsed)
			}

			res := m.Sweep()
			_, ok := m.Get("s")
			if !tt.wantGone {
				assert.True(t, ok)
				assert.Empty(t, res.Expired)
				return
			}
			assert.False(t, ok)
			require.Len(t, res.Expired, 1)
			assert.Equal(t, Expiration{ID: "s", Reason: tt.wantReason}, res.Expired[0])
			assert.Equal(t, int32(1), factory.get("s").closes.Load())
		})
	}
}

func TestSweepContinuesPastReleaseFailures(t *testing.T) {
	t.Parallel()
	m, clock, factory := newTestManager(t)
	factory.failFor["b"] = true

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Create(id)
		require.NoError(t, err)
	}
	clock.Advance(2 * time.Hour)

	res := m.Sweep()

	assert.Len(t, res.Expired, 3)
	require.Len(t, res.Failures, 1)
	assert.Zero(t, m.Len())
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, int32(1), factory.get(id).closes.Load(), "session %s not released", id)
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()
	m, clock, _ := newTestManager(t)

	_, err := m.Create("s")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	s, err := m.Resolve("s")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s.ActivityCount())

	_, err = m.Resolve("missing")
	require.ErrorIs(t, err, ErrSessionNotFound)

	clock.Advance(11 * time.Minute)
	_, err = m.Resolve("s")
	require.ErrorIs(t, err, ErrSessionExpired)
	assert.Contains(t, err.Error(), string(ReasonInactivityTimeout))

	_, err = m.Resolve("s")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestSweepRoutine(t *testing.T) {
	t.Parallel()
	m, clock, _ := newTestManager(t)

	_, err := m.Create("s")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	assert.Eventually(t, func() bool {
		clock.Advance(testConfig.SweepInterval)
		_, ok := m.Get("s")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStopBeforeStart(t *testing.T) {
	t.Parallel()
	m := NewManager(testConfig)

	m.Stop()
	m.Stop()
	m.Start(context.Background())
}

func TestCloseAll(t *testing.T) {
	t.Parallel()

	var reasons []Reason
	m, _, factory := newTestManager(t, WithRemoveHook(func(_ string, r Reason) {
		reasons = append(reasons, r)
	}))
	factory.failFor["b"] = true
	m.Start(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Create(id)
		require.NoError(t, err)
	}

	err := m.CloseAll()
	require.Error(t, err)
	assert.Zero(t, m.Len())
	assert.Equal(t, []Reason{ReasonShutdown, ReasonShutdown, ReasonShutdown}, reasons)
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, int32(1), factory.get(id).closes.Load())
	}

	require.NoError(t, m.CloseAll())
	_, err = m.Create("d")
	require.ErrorIs(t, err, ErrManagerClosed)
}

func TestStats(t *testing.T) {
	t.Parallel()
	m, clock, _ := newTestManager(t)

	_, err := m.Create("old")
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)
	_, err = m.Create("mid")
	require.NoError(t, err)
	clock.Advance(10 * time.Minute)
	_, err = m.Create("new")
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.ByAge[BucketUnder5m])
	assert.Equal(t, 1, stats.ByAge[Bucket5to20m])
	assert.Equal(t, 1, stats.ByAge[Bucket20mTo1h])
	assert.Len(t, stats.ByAge, len(AgeBuckets))
	assert.ElementsMatch(t, []string{"old", "mid", "new"}, m.IDs())
}

func TestAgeBucket(t *testing.T) {
	t.Parallel()

	tests := []struct {
		age  time.Duration
		want string
	}{
		{time.Minute, BucketUnder5m},
		{5 * time.Minute, Bucket5to20m},
		{45 * time.Minute, Bucket20mTo1h},
		{2 * time.Hour, Bucket1to6h},
		{12 * time.Hour, Bucket6to24h},
		{48 * time.Hour, BucketOver24h},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, ageBucket(tt.age))
		})
	}
}
