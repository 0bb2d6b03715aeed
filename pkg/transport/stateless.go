// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	thverrors "github.com/stacklok/toolmux/pkg/errors"
	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/protocol"
	"github.com/stacklok/toolmux/pkg/transport/session"
	"github.com/stacklok/toolmux/pkg/transport/types"
)

// ErrorBody is the error document of the stateless per-tool endpoints.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the JSON-RPC code and message of a failure.
type ErrorDetail struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// StatelessTransport serves every HTTP request on its own connection. It
// offers one endpoint per tool under /api/tools and a JSON-RPC endpoint
// whose requests need no initialize handshake.
type StatelessTransport struct {
	*httpServer

	dispatcher   *protocol.Dispatcher
	provider     protocol.Provider
	setup        types.ConnSetup
	endpointPath string
	metrics      http.Handler
}

// NewStatelessTransport creates the stateless HTTP transport.
func NewStatelessTransport(config types.Config) *StatelessTransport {
	endpoint := config.EndpointPath
	if endpoint == "" {
		endpoint = DefaultEndpointPath
	}
	return &StatelessTransport{
		httpServer:   newHTTPServer(string(types.TransportTypeHTTP), config.Host, config.Port),
		dispatcher:   config.Dispatcher,
		provider:     config.Provider,
		setup:        config.ConnSetup,
		endpointPath: endpoint,
		metrics:      config.MetricsHandler,
	}
}

// Mode returns the transport mode.
func (*StatelessTransport) Mode() types.TransportType {
	return types.TransportTypeHTTP
}

// Start serves HTTP until ctx is cancelled or Stop is called.
func (t *StatelessTransport) Start(ctx context.Context) error {
	return t.serve(ctx, t.Handler())
}

// Stop shuts the HTTP server down.
func (t *StatelessTransport) Stop(ctx context.Context) error {
	return t.shutdown(ctx)
}

// Handler returns the transport's routes.
func (t *StatelessTransport) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", t.handleHealth)
	if t.metrics != nil {
		r.Handle("/metrics", t.metrics)
	}
	r.Get("/api/tools", t.handleListTools)
	r.Post("/api/tools/{name}", t.handleCallTool)
	r.Post(t.endpointPath, t.handleJSONRPC)
	return r
}

func (t *StatelessTransport) newConn(ctx context.Context) (*protocol.Conn, error) {
	conn := protocol.NewConn(session.NewID())
	conn.MarkActive()
	if t.setup != nil {
		if err := t.setup(ctx, conn); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (*StatelessTransport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"transport": string(types.TransportTypeHTTP),
	})
}

func (t *StatelessTransport) handleListTools(w http.ResponseWriter, r *http.Request) {
	defs, err := t.provider.ListTools(r.Context())
	if err != nil {
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.ListToolsResult{Tools: defs})
}

func (t *StatelessTransport) handleCallTool(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	args, err := readArguments(r)
	if err != nil {
		writeToolError(w, err)
		return
	}

	conn, err := t.newConn(r.Context())
	if err != nil {
		writeToolError(w, err)
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Warnf("failed to release request connection: %v", err)
		}
	}()

	ctx := protocol.WithPreferredBackend(r.Context(), r.URL.Query().Get("backend"))
	result, err := t.provider.CallTool(ctx, conn, name, args)
	if err != nil {
		logger.Debugf("stateless call to %s failed: %v", name, err)
		writeToolError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (t *StatelessTransport) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeRaw(w, http.StatusBadRequest,
			protocol.EncodeError(nil, thverrors.CodeParseError, fmt.Sprintf("failed to read request body: %v", err)))
		return
	}

	conn, err := t.newConn(r.Context())
	if err != nil {
		writeRaw(w, http.StatusInternalServerError,
			protocol.EncodeError(nil, thverrors.CodeInternalError, "failed to prepare connection"))
		return
	}
	defer func() { _ = conn.Close() }()

	resp := t.dispatcher.HandleMessage(r.Context(), conn, body)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRaw(w, http.StatusOK, resp)
}

// readArguments decodes the request body as the tool's argument object.
// An empty body means no arguments.
func readArguments(r *http.Request) (map[string]any, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return nil, thverrors.NewValidationError(fmt.Sprintf("failed to read request body: %v", err), err)
	}
	args := map[string]any{}
	if len(body) == 0 {
		return args, nil
	}
	if err := json.Unmarshal(body, &args); err != nil {
		return nil, thverrors.NewValidationError("arguments must be a JSON object", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// statusFor maps an error class to the HTTP status of the stateless endpoints.
func statusFor(err error) int {
	switch {
	case thverrors.IsNotFound(err):
		return http.StatusNotFound
	case thverrors.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeToolError(w http.ResponseWriter, err error) {
	msg := err.Error()
	var te *thverrors.Error
	if errors.As(err, &te) {
		msg = te.Message
	}
	writeJSON(w, statusFor(err), ErrorBody{Error: ErrorDetail{Code: thverrors.Code(err), Message: msg}})
}
