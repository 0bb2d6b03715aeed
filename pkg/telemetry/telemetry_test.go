// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProvider_InvalidSamplingRate(t *testing.T) {
	t.Parallel()

	for _, rate := range []float64{-0.1, 1.5} {
		_, err := NewProvider(context.Background(), Config{ServiceName: "toolmux", SamplingRate: rate})
		assert.Error(t, err)
	}
}

func TestProvider_MetricsHandler(t *testing.T) { //nolint:paralleltest // installs otel globals
	ctx := context.Background()
	provider, err := NewProvider(ctx, Config{
		ServiceName:    "toolmux",
		ServiceVersion: "test",
		SamplingRate:   0.1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(ctx) })

	recorder := provider.Recorder()
	recorder.ToolCall(ctx, "echo", OutcomeSuccess, 25*time.Millisecond)
	recorder.SessionOpened(ctx)
	recorder.SessionClosed(ctx, "inactivity_timeout")
	recorder.Failover(ctx, "echo", "backend-a")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	provider.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "toolmux_tool_calls_total")
	assert.Contains(t, string(body), "toolmux_tool_call_duration_seconds")
	assert.Contains(t, string(body), "toolmux_session_expirations_total")
	assert.Contains(t, string(body), "toolmux_backend_failovers_total")
	assert.Contains(t, string(body), `reason="inactivity_timeout"`)
}

func TestProvider_NoEndpointUsesNoopTracer(t *testing.T) { //nolint:paralleltest // installs otel globals
	ctx := context.Background()
	provider, err := NewProvider(ctx, Config{ServiceName: "toolmux"})
	require.NoError(t, err)
	defer func() { assert.NoError(t, provider.Shutdown(ctx)) }()

	_, span := provider.Tracer().Start(ctx, "test")
	defer span.End()
	assert.False(t, span.SpanContext().IsValid())
}

func TestProvider_ExportMetrics(t *testing.T) { //nolint:paralleltest // installs otel globals
	var metricPosts atomic.Int32
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/metrics" {
			metricPosts.Add(1)
		}
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	ctx := context.Background()
	provider, err := NewProvider(ctx, Config{
		ServiceName:   "toolmux",
		Endpoint:      strings.TrimPrefix(collector.URL, "http://"),
		Insecure:      true,
		ExportMetrics: true,
		SamplingRate:  1,
	})
	require.NoError(t, err)

	provider.Recorder().ToolCall(ctx, "echo", OutcomeSuccess, time.Millisecond)
	require.NoError(t, provider.Shutdown(ctx))
	assert.Positive(t, metricPosts.Load(), "shutdown flushes the periodic reader")
}

func TestNoopRecorder(t *testing.T) {
	t.Parallel()

	r := NoopRecorder()
	assert.NotPanics(t, func() {
		r.ToolCall(context.Background(), "x", OutcomeError, time.Second)
		r.SessionOpened(context.Background())
		r.SessionClosed(context.Background(), "shutdown")
		r.Failover(context.Background(), "x", "b")
	})
}
