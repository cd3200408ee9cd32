// Package logctx enriches slog records with request, session, RPC, tool and
// webhook context carried through context.Context values.
package logctx

import (
	"context"
	"log/slog"
)

// Handler wraps a slog.Handler and appends any contextual groups found on
// the record's context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}
	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("user_id", sd.UserID),
			slog.String("state", sd.State),
		))
	}
	if msg, ok := ctx.Value(rpcDataKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}
	if td, ok := ctx.Value(toolCallDataKey{}).(*ToolCallData); ok {
		r.AddAttrs(slog.Group("tool", slog.String("name", td.ToolName)))
	}
	if wd, ok := ctx.Value(webhookDataKey{}).(*WebhookData); ok {
		r.AddAttrs(slog.Group("webhook",
			slog.String("provider", wd.Provider),
			slog.String("event_id", wd.EventID),
		))
	}
	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

// RequestData identifies one HTTP exchange.
type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

// SessionData identifies the session a log record belongs to.
type SessionData struct {
	SessionID string
	UserID    string
	State     string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type rpcDataKey struct{}

// RPCMessage describes the in-flight JSON-RPC message.
type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcDataKey{}, msg)
}

type toolCallDataKey struct{}

// ToolCallData names the tool being invoked.
type ToolCallData struct {
	ToolName string
}

func WithToolCallData(ctx context.Context, data *ToolCallData) context.Context {
	return context.WithValue(ctx, toolCallDataKey{}, data)
}

type webhookDataKey struct{}

// WebhookData identifies the webhook delivery being processed.
type WebhookData struct {
	Provider string
	EventID  string
}

func WithWebhookData(ctx context.Context, data *WebhookData) context.Context {
	return context.WithValue(ctx, webhookDataKey{}, data)
}
