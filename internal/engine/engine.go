// Package engine implements the transport protocol state machine behind the
// streaming HTTP surface. It owns the session table, drives each session
// through its lifecycle, dispatches requests to the tool registry, and
// correlates client responses back to in-flight server requests through the
// session host's rendezvous.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/payrelay/payrelay-go/internal/jsonrpc"
	"github.com/payrelay/payrelay-go/internal/logctx"
	"github.com/payrelay/payrelay-go/mcp"
	"github.com/payrelay/payrelay-go/sessions"
	"github.com/payrelay/payrelay-go/toolkit"
)

const defaultAwaitTTL = 2 * time.Minute

// ToolCallObserver receives one record per completed tool invocation. Wired
// by the gateway into its metrics; nil disables observation.
type ToolCallObserver func(toolName string, dur time.Duration, isError bool)

// Engine drives the session transport. One engine serves all sessions of an
// instance; all methods are safe for concurrent use.
type Engine struct {
	host     sessions.SessionHost
	table    *sessions.Table
	registry *toolkit.Registry

	log          *slog.Logger
	serverInfo   mcp.ImplementationInfo
	instructions string
	awaitTTL     time.Duration
	observe      ToolCallObserver

	resources       []mcp.Resource
	resourceContent map[string]mcp.ResourceContents

	// In-flight tool invocations by "<sessionID>/<requestID>", so that a
	// cancellation notification can find the context to cancel.
	callMu      sync.Mutex
	callCancels map[string]context.CancelCauseFunc

	srvReqCounter atomic.Int64
}

// Option configures the Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithServerInfo sets the implementation info advertised at initialize.
func WithServerInfo(info mcp.ImplementationInfo) Option {
	return func(e *Engine) { e.serverInfo = info }
}

// WithInstructions sets the instructions string returned at initialize.
func WithInstructions(s string) Option {
	return func(e *Engine) { e.instructions = s }
}

// WithAwaitTTL bounds how long a server-to-client request stays claimable.
func WithAwaitTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.awaitTTL = ttl
		}
	}
}

// WithToolCallObserver registers a per-invocation observer.
func WithToolCallObserver(fn ToolCallObserver) Option {
	return func(e *Engine) { e.observe = fn }
}

// WithResource registers a static resource and its contents.
func WithResource(res mcp.Resource, contents mcp.ResourceContents) Option {
	return func(e *Engine) {
		e.resources = append(e.resources, res)
		e.resourceContent[res.URI] = contents
	}
}

// NewEngine builds an engine over the given host and tool registry.
func NewEngine(host sessions.SessionHost, registry *toolkit.Registry, opts ...Option) *Engine {
	e := &Engine{
		host:            host,
		table:           sessions.NewTable(),
		registry:        registry,
		log:             slog.Default(),
		serverInfo:      mcp.ImplementationInfo{Name: "payrelay", Version: "dev"},
		awaitTTL:        defaultAwaitTTL,
		resourceContent: make(map[string]mcp.ResourceContents),
		callCancels:     make(map[string]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SessionCount reports the number of open sessions on this instance.
func (e *Engine) SessionCount() int { return e.table.Len() }

// InitializeSession mints a new session for userID and produces the
// initialize result. The session is registered immediately so that follow-up
// requests racing the initialize response still resolve it; it stays in the
// initializing state until the client confirms with its initialized
// notification.
func (e *Engine) InitializeSession(ctx context.Context, userID string, req *mcp.InitializeRequest) (*SessionHandle, *mcp.InitializeResult, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("initialize request required")
	}

	negotiated := req.ProtocolVersion
	if negotiated == "" || !mcp.IsSupportedProtocolVersion(negotiated) {
		negotiated = mcp.LatestProtocolVersion
	}

	sess := newSessionHandle(uuid.NewString(), userID, negotiated)
	if err := e.table.Register(sess); err != nil {
		// A UUID collision would mean the id generator is broken. Refuse
		// rather than overwrite.
		return nil, nil, fmt.Errorf("register session: %w", err)
	}

	e.log.InfoContext(ctx, "session.initialize",
		slog.String("session_id", sess.SessionID()),
		slog.String("client", req.ClientInfo.Name),
		slog.String("protocol_version", negotiated))

	res := &mcp.InitializeResult{
		ProtocolVersion: negotiated,
		Capabilities: mcp.ServerCapabilities{
			Tools:   &mcp.ToolsCapability{},
			Logging: &struct{}{},
		},
		ServerInfo:   e.serverInfo,
		Instructions: e.instructions,
	}
	if len(e.resources) > 0 {
		res.Capabilities.Resources = &mcp.ResourcesCapability{}
	}
	return sess, res, nil
}

// LoadSession resolves a session id presented by userID. Unknown, closed, or
// foreign ids all report ErrSessionNotFound; a closed id is never valid
// again.
func (e *Engine) LoadSession(ctx context.Context, sessionID, userID string) (*SessionHandle, error) {
	s, ok := e.table.Lookup(sessionID)
	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	sess, ok := s.(*SessionHandle)
	if !ok || sess.UserID() != userID || sess.State() == sessions.StateClosed {
		return nil, sessions.ErrSessionNotFound
	}
	return sess, nil
}

// DeleteSession closes the session and releases its resources. Deleting an
// already-closed session is a no-op; the id remains permanently invalid
// either way.
func (e *Engine) DeleteSession(ctx context.Context, sess *SessionHandle) error {
	if !sess.markClosed() {
		return nil
	}
	e.table.Remove(sess.SessionID())
	e.cancelAllCallsForSession(sess.SessionID())

	if err := e.host.CleanupSession(context.WithoutCancel(ctx), sess.SessionID()); err != nil {
		e.log.ErrorContext(ctx, "session.cleanup.fail", slog.String("err", err.Error()))
		return fmt.Errorf("cleanup session: %w", err)
	}
	e.log.InfoContext(ctx, "session.close", slog.String("session_id", sess.SessionID()))
	return nil
}

// HandleRequest dispatches one client request on a live session and always
// produces a response for it. Tool handler failures are folded into
// error-shaped results; only malformed requests and unknown methods surface
// as JSON-RPC errors.
func (e *Engine) HandleRequest(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})

	if req.Method == string(mcp.PingMethod) {
		return jsonrpc.NewResultResponse(req.ID, struct{}{})
	}

	if sess.State() != sessions.StateReady {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil), nil
	}

	switch req.Method {
	case string(mcp.ToolsListMethod):
		return e.handleToolsList(ctx, sess, req)
	case string(mcp.ToolsCallMethod):
		return e.handleToolCall(ctx, sess, req)
	case string(mcp.ResourcesListMethod):
		return e.handleResourcesList(ctx, sess, req)
	case string(mcp.ResourcesReadMethod):
		return e.handleResourcesRead(ctx, sess, req)
	}

	e.log.InfoContext(ctx, "engine.handle_request.unknown_method")
	return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil), nil
}

func (e *Engine) handleToolsList(ctx context.Context, _ *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ListToolsRequest
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
		}
	}
	items, next := e.registry.List(params.Cursor)
	res := &mcp.ListToolsResult{Tools: items}
	res.NextCursor = next
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleToolCall(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var params mcp.CallToolRequest
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "missing tool name", nil), nil
	}
	ctx = logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: params.Name})

	callKey := sess.SessionID() + "/" + req.ID.String()
	callCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(context.Canceled)

	e.callMu.Lock()
	if _, exists := e.callCancels[callKey]; exists {
		e.callMu.Unlock()
		e.log.ErrorContext(ctx, "engine.tool_call.duplicate_request_id")
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "duplicate request id", nil), nil
	}
	e.callCancels[callKey] = cancel
	e.callMu.Unlock()
	defer func() {
		e.callMu.Lock()
		delete(e.callCancels, callKey)
		e.callMu.Unlock()
	}()

	res, err := e.registry.Call(callCtx, sess, &params)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// The caller abandoned the request; any result is discarded.
			e.log.InfoContext(ctx, "engine.tool_call.cancelled", slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			return nil, nil
		}
		var notFound *toolkit.ErrToolNotFound
		if errors.As(err, &notFound) {
			e.log.InfoContext(ctx, "engine.tool_call.unknown_tool")
			res = toolkit.Errorf("unknown tool: %s", params.Name)
		} else {
			e.log.ErrorContext(ctx, "engine.tool_call.fail",
				slog.String("err", err.Error()),
				slog.Int64("dur_ms", time.Since(start).Milliseconds()))
			res = toolkit.Errorf("tool %s failed: %v", params.Name, err)
		}
	}

	if e.observe != nil {
		e.observe(params.Name, time.Since(start), res.IsError)
	}
	e.log.InfoContext(ctx, "engine.tool_call.ok",
		slog.Bool("is_error", res.IsError),
		slog.Int64("dur_ms", time.Since(start).Milliseconds()))
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleResourcesList(ctx context.Context, _ *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	res := &mcp.ListResourcesResult{Resources: e.resources}
	if res.Resources == nil {
		res.Resources = []mcp.Resource{}
	}
	return jsonrpc.NewResultResponse(req.ID, res)
}

func (e *Engine) handleResourcesRead(ctx context.Context, _ *SessionHandle, req *jsonrpc.Request) (*jsonrpc.Response, error) {
	var params mcp.ReadResourceRequest
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid params", nil), nil
	}
	contents, ok := e.resourceContent[params.URI]
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown resource: %s", params.URI), nil), nil
	}
	return jsonrpc.NewResultResponse(req.ID, &mcp.ReadResourceResult{Contents: []mcp.ResourceContents{contents}})
}

// HandleNotification processes a client notification. Notifications are
// never answered; a malformed one is logged and dropped.
func (e *Engine) HandleNotification(ctx context.Context, sess *SessionHandle, req *jsonrpc.Request) error {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, Type: "notification"})

	switch req.Method {
	case string(mcp.InitializedNotificationMethod):
		sess.markReady()
		e.log.InfoContext(ctx, "session.ready", slog.String("session_id", sess.SessionID()))
	case string(mcp.CancelledNotificationMethod):
		var params mcp.CancelledNotification
		if err := json.Unmarshal(req.Params, &params); err != nil || params.RequestID == "" {
			e.log.InfoContext(ctx, "engine.notification.invalid")
			return nil
		}
		e.cancelCall(sess.SessionID(), params.RequestID, params.Reason)
	case string(mcp.ProgressNotificationMethod):
		// Accepted for protocol compatibility; the gateway does not track
		// client-side progress.
	default:
		e.log.InfoContext(ctx, "engine.notification.unknown_method")
	}
	return nil
}

func (e *Engine) cancelCall(sessionID, requestID, reason string) {
	e.callMu.Lock()
	cancel, ok := e.callCancels[sessionID+"/"+requestID]
	e.callMu.Unlock()
	if ok {
		cancel(fmt.Errorf("cancelled by client: %s", reason))
	}
}

func (e *Engine) cancelAllCallsForSession(sessionID string) {
	prefix := sessionID + "/"
	e.callMu.Lock()
	for key, cancel := range e.callCancels {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			cancel(fmt.Errorf("session closed"))
			delete(e.callCancels, key)
		}
	}
	e.callMu.Unlock()
}

// HandleClientResponse routes a response from the client to whichever
// in-flight server request it answers. Responses to unknown or already
// settled requests are dropped without error.
func (e *Engine) HandleClientResponse(ctx context.Context, sess *SessionHandle, res *jsonrpc.Response) error {
	if res.ID.IsNil() {
		return fmt.Errorf("response without id")
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	delivered, err := e.host.Fulfill(ctx, sess.SessionID(), res.ID.String(), payload)
	if err != nil {
		return fmt.Errorf("fulfill: %w", err)
	}
	if !delivered {
		e.log.InfoContext(ctx, "engine.client_response.dropped", slog.String("rpc_id", res.ID.String()))
	}
	return nil
}

// CallClient sends a server-initiated request down the session's stream and
// blocks until the client responds, the await TTL lapses, or ctx ends.
func (e *Engine) CallClient(ctx context.Context, sess *SessionHandle, method string, params any) (*jsonrpc.Response, error) {
	id := fmt.Sprintf("srv-%d", e.srvReqCounter.Add(1))

	aw, err := e.host.BeginAwait(ctx, sess.SessionID(), id, e.awaitTTL)
	if err != nil {
		return nil, fmt.Errorf("begin await: %w", err)
	}

	var raw json.RawMessage
	if params != nil {
		raw, err = json.Marshal(params)
		if err != nil {
			_ = aw.Cancel(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("marshal params: %w", err)
		}
	}
	req := &jsonrpc.Request{JSONRPCVersion: jsonrpc.Version, Method: method, Params: raw, ID: jsonrpc.NewRequestID(id)}
	body, err := json.Marshal(req)
	if err != nil {
		_ = aw.Cancel(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := e.host.PublishSession(ctx, sess.SessionID(), body); err != nil {
		_ = aw.Cancel(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("publish request: %w", err)
	}

	payload, err := aw.Recv(ctx)
	if err != nil {
		return nil, err
	}
	var res jsonrpc.Response
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, fmt.Errorf("decode client response: %w", err)
	}
	return &res, nil
}

// NotifySession pushes a server notification onto the session's stream.
func (e *Engine) NotifySession(ctx context.Context, sess *SessionHandle, method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		raw = b
	}
	note := &jsonrpc.Request{JSONRPCVersion: jsonrpc.Version, Method: method, Params: raw}
	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	if _, err := e.host.PublishSession(ctx, sess.SessionID(), body); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// StreamSession follows the session's ordered message stream, replaying
// anything after lastEventID first.
func (e *Engine) StreamSession(ctx context.Context, sess *SessionHandle, lastEventID string, handler sessions.MessageHandlerFunc) error {
	return e.host.SubscribeSession(ctx, sess.SessionID(), lastEventID, handler)
}
