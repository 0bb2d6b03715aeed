// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry wires OpenTelemetry metrics and tracing for toolmux.
//
// Metrics are collected by an SDK meter provider whose reader is the
// Prometheus exporter, so they can be scraped from /metrics. Traces are
// exported over OTLP/HTTP when an endpoint is configured and dropped
// otherwise. Components record through the Recorder interface; the no-op
// recorder is used when telemetry is disabled.
package telemetry
