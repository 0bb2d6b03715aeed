// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/tidwall/gjson"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/toolmux/pkg/protocol"
	transporterrors "github.com/stacklok/toolmux/pkg/transport/errors"
)

// RPCError is a JSON-RPC error returned by a server.
type RPCError struct {
	Code    int64
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for requests.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithHeader adds a header to every request.
func WithHeader(key, value string) ClientOption {
	return func(cl *Client) {
		cl.headers.Set(key, value)
	}
}

// Client speaks the streaming-session transport. It captures the session
// id issued by initialize and presents it on every later request. Either
// JSON or event-stream responses are accepted; from a stream, the first
// JSON-RPC message is the response.
type Client struct {
	url        string
	httpClient *http.Client
	headers    http.Header
	nextID     atomic.Int64

	mu        sync.RWMutex
	sessionID string
	version   string
}

// NewClient creates a client for the endpoint at url.
func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{
		url:        url,
		httpClient: http.DefaultClient,
		headers:    make(http.Header),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the session id issued by the server, if any.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// Initialize performs the handshake and sends notifications/initialized.
func (c *Client) Initialize(ctx context.Context, params protocol.InitializeParams) (*protocol.InitializeResult, error) {
	if params.ProtocolVersion == "" {
		params.ProtocolVersion = protocol.ProtocolVersion
	}

	var result protocol.InitializeResult
	header, err := c.call(ctx, protocol.MethodInitialize, params, &result)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if id := header.Get(HeaderSessionID); id != "" {
		c.sessionID = id
	}
	c.version = result.ProtocolVersion
	c.mu.Unlock()

	if err := c.notify(ctx, protocol.MethodInitialized, nil); err != nil {
		return nil, err
	}
	return &result, nil
}

// ListTools returns the server's tool definitions.
func (c *Client) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	var result protocol.ListToolsResult
	if _, err := c.call(ctx, protocol.MethodToolsList, struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool runs a tool on the server.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	var raw json.RawMessage
	params := map[string]any{"name": name, "arguments": args}
	if _, err := c.call(ctx, protocol.MethodToolsCall, params, &raw); err != nil {
		return nil, err
	}
	return mcp.ParseCallToolResult(&raw)
}

// Close ends the session on the server. It is a no-op without a session.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	id := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()
	if id == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req, id)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return fmt.Errorf("failed to close session: unexpected status %d", resp.StatusCode)
	}
}

func (c *Client) setHeaders(req *http.Request, sessionID string) {
	for k, v := range c.headers {
		req.Header[k] = v
	}
	if sessionID != "" {
		req.Header.Set(HeaderSessionID, sessionID)
	}
	c.mu.RLock()
	if c.version != "" {
		req.Header.Set(HeaderProtocolVersion, c.version)
	}
	c.mu.RUnlock()
}

func (c *Client) notify(ctx context.Context, method string, params any) error {
	msg, err := jsonrpc2.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("failed to build %s: %w", method, err)
	}
	resp, err := c.post(ctx, msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%s rejected with status %d", method, resp.StatusCode)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) (http.Header, error) {
	id := c.nextID.Add(1)
	msg, err := jsonrpc2.NewCall(jsonrpc2.Int64ID(id), method, params)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s: %w", method, err)
	}

	resp, err := c.post(ctx, msg)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound && c.SessionID() != "" {
		return nil, transporterrors.NewTransportError(transporterrors.ErrSessionNotFound, "streamable-http", c.SessionID())
	}

	payload, err := readPayload(resp)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	if e := gjson.GetBytes(payload, "error"); e.Exists() {
		return nil, &RPCError{Code: e.Get("code").Int(), Message: e.Get("message").String()}
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%s failed with status %d", method, resp.StatusCode)
	}
	if got := gjson.GetBytes(payload, "id"); got.Int() != id {
		return nil, fmt.Errorf("%s: %w: response id %s does not match request id %d",
			method, transporterrors.ErrInvalidMessage, got.Raw, id)
	}

	result := gjson.GetBytes(payload, "result")
	if !result.Exists() {
		return nil, fmt.Errorf("%s: %w: response has no result", method, transporterrors.ErrInvalidMessage)
	}
	if err := json.Unmarshal([]byte(result.Raw), out); err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return resp.Header, nil
}

func (c *Client) post(ctx context.Context, msg jsonrpc2.Message) (*http.Response, error) {
	body, err := jsonrpc2.EncodeMessage(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set("Accept", contentTypeJSON+", "+contentTypeEventStream)
	c.setHeaders(req, c.SessionID())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// readPayload returns the JSON-RPC message of a response, taking the first
// message of an event stream.
func readPayload(resp *http.Response) ([]byte, error) {
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == contentTypeEventStream {
		_, payload, err := FirstMessage(resp.Body)
		if err != nil {
			return nil, err
		}
		return payload, nil
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxEventSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		return nil, errors.New("empty response body")
	}
	return payload, nil
}
