// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Tool call outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// ToolCallDurationBuckets are the histogram boundaries, in seconds, for tool call durations.
var ToolCallDurationBuckets = []float64{
	0.01, 0.02, 0.05, 0.1, 0.2, 0.5, 1, 2, 5, 10, 30, 60, 120, 300,
}

// Recorder receives operational events from the protocol runtime, the
// session manager and the backend manager.
type Recorder interface {
	ToolCall(ctx context.Context, tool, outcome string, elapsed time.Duration)
	SessionOpened(ctx context.Context)
	SessionClosed(ctx context.Context, reason string)
	Failover(ctx context.Context, tool, backend string)
}

// NoopRecorder discards every event.
func NoopRecorder() Recorder {
	return noopRecorder{}
}

type noopRecorder struct{}

func (noopRecorder) ToolCall(context.Context, string, string, time.Duration) {}
func (noopRecorder) SessionOpened(context.Context) {}
func (noopRecorder) SessionClosed(context.Context, string) {}
func (noopRecorder) Failover(context.Context, string, string) {}

type meterRecorder struct {
	toolCalls          metric.Int64Counter
	toolCallDuration   metric.Float64Histogram
	activeSessions     metric.Int64UpDownCounter
	sessionExpirations metric.Int64Counter
	failovers          metric.Int64Counter
}

// NewRecorder creates a Recorder whose instruments come from meterProvider.
func NewRecorder(meterProvider metric.MeterProvider) Recorder {
	meter := meterProvider.Meter(instrumentationName)

	toolCalls, _ := meter.Int64Counter(
		"toolmux_tool_calls", // The exporter adds the _total suffix automatically
		metric.WithDescription("Total number of tool calls"),
	)

	toolCallDuration, _ := meter.Float64Histogram(
		"toolmux_tool_call_duration",
		metric.WithDescription("Duration of tool calls in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(ToolCallDurationBuckets...),
	)

	activeSessions, _ := meter.Int64UpDownCounter(
		"toolmux_active_sessions",
		metric.WithDescription("Number of live sessions"),
	)

	sessionExpirations, _ := meter.Int64Counter(
		"toolmux_session_expirations",
		metric.WithDescription("Sessions removed, by reason"),
	)

	failovers, _ := meter.Int64Counter(
		"toolmux_backend_failovers",
		metric.WithDescription("Tool calls that moved on to the next backend"),
	)

	return &meterRecorder{
		toolCalls:          toolCalls,
		toolCallDuration:   toolCallDuration,
		activeSessions:     activeSessions,
		sessionExpirations: sessionExpirations,
		failovers:          failovers,
	}
}

func (r *meterRecorder) ToolCall(ctx context.Context, tool, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	r.toolCalls.Add(ctx, 1, attrs)
	r.toolCallDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (r *meterRecorder) SessionOpened(ctx context.Context) {
	r.activeSessions.Add(ctx, 1)
}

func (r *meterRecorder) SessionClosed(ctx context.Context, reason string) {
	r.activeSessions.Add(ctx, -1)
	r.sessionExpirations.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (r *meterRecorder) Failover(ctx context.Context, tool, backend string) {
	r.failovers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("backend", backend),
	))
}
