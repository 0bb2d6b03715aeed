// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/exp/jsonrpc2"

	thverrors "github.com/stacklok/toolmux/pkg/errors"
	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/telemetry"
)

// ProtocolVersion is the newest protocol revision this server speaks.
const ProtocolVersion = "2025-06-18"

// supportedVersions are echoed back when a client requests them.
var supportedVersions = []string{ProtocolVersion, "2025-03-26", "2024-11-05"}

// Method names.
const (
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"
	MethodToolsList   = "tools/list"
	MethodToolsCall   = "tools/call"
)

// InitializeParams are the parameters of an initialize request.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities,omitempty"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
	// InitializationOptions carries out-of-band configuration, such as
	// clusters to pre-register in the connection's execution context.
	InitializationOptions json.RawMessage `json:"initializationOptions,omitempty"`
}

// InitializeResult is the result of a successful initialize request.
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// ListToolsResult is the result of tools/list.
type ListToolsResult struct {
	Tools []mcp.Tool `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Meta      *struct {
		Backend string `json:"backend,omitempty"`
	} `json:"_meta,omitempty"`
}

// InitializeHook runs during the handshake, before the connection becomes
// active. An error fails the initialize request.
type InitializeHook func(ctx context.Context, conn *Conn, params InitializeParams) error

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithServerInfo sets the name and version reported by initialize.
func WithServerInfo(name, version string) Option {
	return func(d *Dispatcher) {
		d.serverInfo = mcp.Implementation{Name: name, Version: version}
	}
}

// WithInstructions sets the instructions reported by initialize.
func WithInstructions(instructions string) Option {
	return func(d *Dispatcher) {
		d.instructions = instructions
	}
}

// WithInitializeHook installs hook.
func WithInitializeHook(hook InitializeHook) Option {
	return func(d *Dispatcher) {
		d.initHook = hook
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(recorder telemetry.Recorder) Option {
	return func(d *Dispatcher) {
		if recorder != nil {
			d.recorder = recorder
		}
	}
}

// WithTracer sets the tracer used for tool call spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(d *Dispatcher) {
		if tracer != nil {
			d.tracer = tracer
		}
	}
}

// Dispatcher routes JSON-RPC requests to a Provider.
type Dispatcher struct {
	provider     Provider
	serverInfo   mcp.Implementation
	instructions string
	initHook     InitializeHook
	recorder     telemetry.Recorder
	tracer       trace.Tracer
}

// NewDispatcher creates a Dispatcher serving provider.
func NewDispatcher(provider Provider, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		provider:   provider,
		serverInfo: mcp.Implementation{Name: "toolmux", Version: "dev"},
		recorder:   telemetry.NoopRecorder(),
		tracer:     tracenoop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// HandleMessage decodes one frame, dispatches it on conn and returns the
// encoded response. It returns nil when no response is due.
func (d *Dispatcher) HandleMessage(ctx context.Context, conn *Conn, data []byte) []byte {
	msg, err := Decode(data)
	if err != nil {
		var decodeErr *DecodeError
		if errors.As(err, &decodeErr) {
			logger.Debugf("rejecting frame on conn %s: %s", conn.ID(), decodeErr.Message)
			return decodeErr.Encode()
		}
		return EncodeError(nil, thverrors.CodeInternalError, err.Error())
	}

	resp := d.Dispatch(ctx, conn, msg)
	if resp == nil {
		return nil
	}
	out, err := Encode(resp)
	if err != nil {
		logger.Errorf("failed to encode response on conn %s: %v", conn.ID(), err)
		return EncodeError(nil, thverrors.CodeInternalError, "failed to encode response")
	}
	return out
}

// Dispatch handles a decoded message on conn. Requests on one conn are
// handled one at a time, in the order Dispatch is called. Notifications
// and client responses yield nil.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *Conn, msg jsonrpc2.Message) *jsonrpc2.Response {
	req, ok := msg.(*jsonrpc2.Request)
	if !ok {
		logger.Debugf("ignoring response message on conn %s", conn.ID())
		return nil
	}

	conn.dispatch.Lock()
	defer conn.dispatch.Unlock()

	result, err := d.handle(ctx, conn, req)
	if !req.IsCall() {
		if err != nil {
			logger.Debugf("notification %s on conn %s failed: %v", req.Method, conn.ID(), err)
		}
		return nil
	}

	if err != nil {
		resp, _ := jsonrpc2.NewResponse(req.ID, nil, toWireError(err))
		return resp
	}

	resp, err := jsonrpc2.NewResponse(req.ID, result, nil)
	if err != nil {
		logger.Errorf("failed to encode %s result: %v", req.Method, err)
		resp, _ = jsonrpc2.NewResponse(req.ID, nil,
			jsonrpc2.NewError(thverrors.CodeInternalError, "failed to encode result"))
	}
	return resp
}

func (d *Dispatcher) handle(ctx context.Context, conn *Conn, req *jsonrpc2.Request) (any, error) {
	if conn.State() == StateTerminated {
		return nil, thverrors.NewProtocolError(ErrConnTerminated.Error(), ErrConnTerminated)
	}

	if !req.IsCall() {
		// notifications/initialized and cancellations need no action
		return nil, nil
	}

	switch req.Method {
	case MethodInitialize:
		return d.initialize(ctx, conn, req.Params)
	case MethodPing:
		return struct{}{}, nil
	}

	if conn.State() != StateActive {
		return nil, thverrors.NewProtocolError(ErrNotInitialized.Error(), ErrNotInitialized)
	}

	switch req.Method {
	case MethodToolsList:
		return d.listTools(ctx)
	case MethodToolsCall:
		return d.callTool(ctx, conn, req.Params)
	default:
		return nil, thverrors.NewNotFoundError(fmt.Sprintf("method not found: %s", req.Method), ErrMethodNotFound)
	}
}

func (d *Dispatcher) initialize(ctx context.Context, conn *Conn, raw json.RawMessage) (*InitializeResult, error) {
	var params InitializeParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, thverrors.NewValidationError(fmt.Sprintf("invalid initialize params: %v", err), ErrInvalidParams)
		}
	}

	if d.initHook != nil {
		if err := d.initHook(ctx, conn, params); err != nil {
			return nil, err
		}
	}

	version := ProtocolVersion
	if slices.Contains(supportedVersions, params.ProtocolVersion) {
		version = params.ProtocolVersion
	}
	if !conn.activate(params.ClientInfo, version) {
		return nil, thverrors.NewProtocolError(ErrConnTerminated.Error(), ErrConnTerminated)
	}

	logger.Debugw("connection initialized",
		"conn_id", conn.ID(),
		"client", params.ClientInfo.Name,
		"protocol_version", version)

	return &InitializeResult{
		ProtocolVersion: version,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ServerInfo:      d.serverInfo,
		Instructions:    d.instructions,
	}, nil
}

func (d *Dispatcher) listTools(ctx context.Context) (*ListToolsResult, error) {
	defs, err := d.provider.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	if defs == nil {
		defs = []mcp.Tool{}
	}
	return &ListToolsResult{Tools: defs}, nil
}

func (d *Dispatcher) callTool(ctx context.Context, conn *Conn, raw json.RawMessage) (*mcp.CallToolResult, error) {
	var params callToolParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, thverrors.NewValidationError(fmt.Sprintf("invalid tools/call params: %v", err), ErrInvalidParams)
		}
	}
	if params.Name == "" {
		return nil, thverrors.NewValidationError("missing required parameter: name", ErrInvalidParams)
	}

	args, err := decodeArguments(params.Arguments)
	if err != nil {
		return nil, err
	}
	if params.Meta != nil {
		ctx = WithPreferredBackend(ctx, params.Meta.Backend)
	}

	ctx, span := d.tracer.Start(ctx, "tools/call "+params.Name,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("mcp.tool.name", params.Name),
			attribute.String("mcp.session.id", conn.ID()),
		))
	defer span.End()

	start := time.Now()
	result, err := d.provider.CallTool(ctx, conn, params.Name, args)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.recorder.ToolCall(ctx, params.Name, telemetry.OutcomeError, elapsed)
		logger.Warnf("tool %s failed on conn %s: %v", params.Name, conn.ID(), err)
		return nil, err
	}

	outcome := telemetry.OutcomeSuccess
	if result == nil {
		result = &mcp.CallToolResult{Content: []mcp.Content{}}
	} else if result.IsError {
		outcome = telemetry.OutcomeError
	}
	d.recorder.ToolCall(ctx, params.Name, outcome, elapsed)
	return result, nil
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, thverrors.NewValidationError("arguments must be a JSON object", ErrInvalidParams)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
