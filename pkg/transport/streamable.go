// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/exp/jsonrpc2"

	thverrors "github.com/stacklok/toolmux/pkg/errors"
	"github.com/stacklok/toolmux/pkg/logger"
	"github.com/stacklok/toolmux/pkg/protocol"
	"github.com/stacklok/toolmux/pkg/telemetry"
	"github.com/stacklok/toolmux/pkg/transport/session"
	"github.com/stacklok/toolmux/pkg/transport/types"
)

const (
	// HeaderSessionID carries the session identifier on streaming-session requests.
	HeaderSessionID = "Mcp-Session-Id"

	// HeaderProtocolVersion carries the negotiated protocol version.
	HeaderProtocolVersion = "Mcp-Protocol-Version"

	contentTypeJSON        = "application/json"
	contentTypeEventStream = "text/event-stream"
)

// StreamableTransport serves the streaming-session HTTP transport. A session
// is created by a successful initialize and must be presented in the
// Mcp-Session-Id header on every later request. Each session owns one
// protocol.Conn, which is released when the session is closed or expires.
type StreamableTransport struct {
	*httpServer

	dispatcher     *protocol.Dispatcher
	sessions       *session.Manager
	recorder       telemetry.Recorder
	endpointPath   string
	allowedOrigins []string
	metrics        http.Handler
}

// NewStreamableTransport creates the streaming-session transport.
func NewStreamableTransport(config types.Config) *StreamableTransport {
	endpoint := config.EndpointPath
	if endpoint == "" {
		endpoint = DefaultEndpointPath
	}
	recorder := config.Recorder
	if recorder == nil {
		recorder = telemetry.NoopRecorder()
	}

	t := &StreamableTransport{
		httpServer:     newHTTPServer(string(types.TransportTypeStreamableHTTP), config.Host, config.Port),
		dispatcher:     config.Dispatcher,
		recorder:       recorder,
		endpointPath:   endpoint,
		allowedOrigins: config.AllowedOrigins,
		metrics:        config.MetricsHandler,
	}

	opts := []session.Option{
		session.WithContextFactory(func(id string) (session.Releaser, error) {
			t.recorder.SessionOpened(context.Background())
			return protocol.NewConn(id), nil
		}),
		session.WithRemoveHook(func(id string, reason session.Reason) {
			t.recorder.SessionClosed(context.Background(), string(reason))
			logger.Infow("session closed", "session_id", id, "reason", string(reason))
		}),
	}
	if config.Clock != nil {
		opts = append(opts, session.WithClock(config.Clock))
	}
	t.sessions = session.NewManager(config.Session, opts...)
	return t
}

// Mode returns the transport mode.
func (*StreamableTransport) Mode() types.TransportType {
	return types.TransportTypeStreamableHTTP
}

// Sessions returns the session manager.
func (t *StreamableTransport) Sessions() *session.Manager {
	return t.sessions
}

// Start runs the session sweep and serves HTTP until ctx is cancelled or
// Stop is called.
func (t *StreamableTransport) Start(ctx context.Context) error {
	t.sessions.Start(ctx)
	err := t.serve(ctx, t.Handler())
	if closeErr := t.sessions.CloseAll(); closeErr != nil {
		logger.Warnf("errors while closing sessions: %v", closeErr)
	}
	return err
}

// Stop shuts the HTTP server down and closes every session.
func (t *StreamableTransport) Stop(ctx context.Context) error {
	var errs []error
	if err := t.shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := t.sessions.CloseAll(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sessions: %w", err))
	}
	return errors.Join(errs...)
}

// Handler returns the transport's routes.
func (t *StreamableTransport) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	origins := t.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderSessionID, HeaderProtocolVersion},
		ExposedHeaders:   []string{HeaderSessionID, HeaderProtocolVersion},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", t.handleHealth)
	if t.metrics != nil {
		r.Handle("/metrics", t.metrics)
	}
	r.Post(t.endpointPath, t.handlePost)
	r.Delete(t.endpointPath, t.handleDelete)
	r.Get(t.endpointPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Allow", "POST, DELETE")
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})
	return r
}

func (t *StreamableTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeRaw(w, http.StatusBadRequest,
			protocol.EncodeError(nil, thverrors.CodeParseError, fmt.Sprintf("failed to read request body: %v", err)))
		return
	}

	msg, err := protocol.Decode(body)
	if err != nil {
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) {
			writeRaw(w, http.StatusBadRequest, decodeErr.Encode())
			return
		}
		writeRaw(w, http.StatusBadRequest, protocol.EncodeError(nil, thverrors.CodeInvalidRequest, err.Error()))
		return
	}

	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		if !protocol.IsInitialize(msg) {
			writeSessionError(w, msg, http.StatusBadRequest, "missing "+HeaderSessionID+" header")
			return
		}
		t.handleInitialize(w, r, msg)
		return
	}

	sess, err := t.sessions.Resolve(sessionID)
	if err != nil {
		logger.Debugf("rejecting request for session %s: %v", sessionID, err)
		writeSessionError(w, msg, http.StatusNotFound, "session not found or expired, a new initialize is required")
		return
	}
	conn, ok := sess.Context().(*protocol.Conn)
	if !ok {
		writeRaw(w, http.StatusInternalServerError,
			protocol.EncodeError(requestID(msg), thverrors.CodeInternalError, "invalid session state"))
		return
	}

	resp := t.dispatcher.Dispatch(r.Context(), conn, msg)
	t.writeResponse(w, r, conn, resp)
}

func (t *StreamableTransport) handleInitialize(w http.ResponseWriter, r *http.Request, msg jsonrpc2.Message) {
	id := session.NewID()
	sess, err := t.sessions.Create(id)
	if err != nil {
		logger.Errorf("failed to create session: %v", err)
		writeRaw(w, http.StatusInternalServerError,
			protocol.EncodeError(requestID(msg), thverrors.CodeInternalError, "failed to create session"))
		return
	}
	conn, ok := sess.Context().(*protocol.Conn)
	if !ok {
		_ = t.sessions.Remove(id, session.ReasonTransportError)
		writeRaw(w, http.StatusInternalServerError,
			protocol.EncodeError(requestID(msg), thverrors.CodeInternalError, "invalid session state"))
		return
	}

	resp := t.dispatcher.Dispatch(r.Context(), conn, msg)
	if resp == nil || resp.Error != nil {
		// the session only exists once the handshake succeeded
		if err := t.sessions.Remove(id, session.ReasonTransportError); err != nil {
			logger.Warnf("failed to release session %s after failed initialize: %v", id, err)
		}
		t.writeResponse(w, r, nil, resp)
		return
	}

	logger.Infow("session created", "session_id", id, "client", conn.ClientInfo().Name)
	w.Header().Set(HeaderSessionID, id)
	t.writeResponse(w, r, conn, resp)
}

func (t *StreamableTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(HeaderSessionID)
	if sessionID == "" {
		http.Error(w, "missing "+HeaderSessionID+" header", http.StatusBadRequest)
		return
	}
	if _, ok := t.sessions.Get(sessionID); !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if err := t.sessions.Remove(sessionID, session.ReasonManualClose); err != nil {
		logger.Warnf("failed to release session %s: %v", sessionID, err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (t *StreamableTransport) writeResponse(w http.ResponseWriter, r *http.Request, conn *protocol.Conn, resp *jsonrpc2.Response) {
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	data, err := protocol.Encode(resp)
	if err != nil {
		logger.Errorf("Failed to encode JSON-RPC response: %v", err)
		writeRaw(w, http.StatusInternalServerError,
			protocol.EncodeError(nil, thverrors.CodeInternalError, "failed to encode response"))
		return
	}
	if conn != nil && conn.ProtocolVersion() != "" {
		w.Header().Set(HeaderProtocolVersion, conn.ProtocolVersion())
	}

	if !wantsEventStream(r.Header.Get("Accept")) {
		writeRaw(w, http.StatusOK, data)
		return
	}

	w.Header().Set("Content-Type", contentTypeEventStream)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := WriteEvent(w, EventMessage, data); err != nil {
		logger.Debugf("Failed to write event: %v", err)
		return
	}
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// healthResponse is the /health document of the streaming-session transport.
type healthResponse struct {
	Status        string        `json:"status"`
	Transport     string        `json:"transport"`
	Sessions      session.Stats `json:"sessions"`
	TotalClusters int           `json:"totalClusters"`
	SessionConfig sessionPolicy `json:"sessionConfig"`
}

type sessionPolicy struct {
	InactivityTimeoutMinutes float64 `json:"inactivityTimeoutMinutes"`
	MaxLifetimeHours         float64 `json:"maxLifetimeHours"`
	SweepIntervalSeconds     float64 `json:"sweepIntervalSeconds"`
}

func (t *StreamableTransport) handleHealth(w http.ResponseWriter, _ *http.Request) {
	clusters := 0
	t.sessions.Range(func(s *session.Session) bool {
		if conn, ok := s.Context().(*protocol.Conn); ok {
			clusters += conn.Clusters().Len()
		}
		return true
	})

	cfg := t.sessions.Config()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Transport:     string(types.TransportTypeStreamableHTTP),
		Sessions:      t.sessions.Stats(),
		TotalClusters: clusters,
		SessionConfig: sessionPolicy{
			InactivityTimeoutMinutes: cfg.InactivityTimeout.Minutes(),
			MaxLifetimeHours:         cfg.MaxLifetime.Hours(),
			SweepIntervalSeconds:     cfg.SweepInterval.Seconds(),
		},
	})
}

// wantsEventStream reports whether the client accepts only event streams.
func wantsEventStream(accept string) bool {
	var sse, plain bool
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case contentTypeEventStream:
			sse = true
		case contentTypeJSON, "*/*", "application/*":
			plain = true
		}
	}
	return sse && !plain
}

func requestID(msg jsonrpc2.Message) []byte {
	req, ok := msg.(*jsonrpc2.Request)
	if !ok || !req.ID.IsValid() {
		return nil
	}
	data, err := json.Marshal(req.ID.Raw())
	if err != nil {
		return nil
	}
	return data
}

// writeSessionError answers a request that arrived without a usable session.
func writeSessionError(w http.ResponseWriter, msg jsonrpc2.Message, status int, message string) {
	if protocol.IsNotification(msg) {
		http.Error(w, message, status)
		return
	}
	writeRaw(w, status, protocol.EncodeError(requestID(msg), thverrors.CodeSessionError, message))
}
