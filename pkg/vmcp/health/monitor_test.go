// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/toolmux/pkg/vmcp/health/mocks"
)

var errDown = errors.New("connection refused")

func TestMonitor_Recover(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		failed map[string]error
		fails  map[string]bool
		want   []string
	}{
		{name: "nothing failed", failed: map[string]error{}},
		{
			name:   "all recover in name order",
			failed: map[string]error{"c": errDown, "a": errDown},
			want:   []string{"a", "c"},
		},
		{
			name:   "some stay down",
			failed: map[string]error{"a": errDown, "b": errDown},
			fails:  map[string]bool{"a": true},
			want:   []string{"b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctrl := gomock.NewController(t)
			target := mocks.NewMockReconnector(ctrl)
			target.EXPECT().FailedBackends().Return(tt.failed)
			for name := range tt.failed {
				var err error
				if tt.fails[name] {
					err = errDown
				}
				target.EXPECT().Reconnect(gomock.Any(), name).Return(err)
			}

			got := NewMonitor(target, time.Second).Recover(context.Background())
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMonitor_RecoverStopsOnCancel(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	target := mocks.NewMockReconnector(ctrl)
	target.EXPECT().FailedBackends().Return(map[string]error{"a": errDown})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Empty(t, NewMonitor(target, time.Second).Recover(ctx))
}

func TestMonitor_Loop(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	target := mocks.NewMockReconnector(ctrl)
	clock := clockwork.NewFakeClock()

	reconnected := make(chan string, 1)
	target.EXPECT().FailedBackends().Return(map[string]error{"a": errDown})
	target.EXPECT().Reconnect(gomock.Any(), "a").DoAndReturn(func(context.Context, string) error {
		reconnected <- "a"
		return nil
	})

	m := NewMonitor(target, time.Minute, WithClock(clock))
	m.Start(context.Background())
	t.Cleanup(m.Stop)

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	select {
	case name := <-reconnected:
		assert.Equal(t, "a", name)
	case <-time.After(5 * time.Second):
		t.Fatal("recovery pass did not run")
	}
}

func TestMonitor_StopBeforeStart(t *testing.T) {
	t.Parallel()

	m := NewMonitor(nil, 0)
	assert.Equal(t, DefaultRecoveryInterval, m.interval)
	m.Stop()
	m.Stop()
}
