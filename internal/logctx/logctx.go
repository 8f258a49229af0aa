// Package logctx enriches slog records with request, connection, and
// operation attributes carried in the context, so call sites log plain
// event names and still produce correlated output.
package logctx

import (
	"context"
	"log/slog"
)

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

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("tenant_id", cd.TenantID),
			slog.String("user_id", cd.UserID),
			slog.String("session_id", cd.SessionID),
		))
	}

	if od, ok := ctx.Value(opDataKey{}).(*OperationData); ok {
		r.AddAttrs(slog.Group("op",
			slog.String("id", od.OperationID),
			slog.String("type", od.OperationType),
			slog.String("risk", od.RiskTier),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type connDataKey struct{}

type ConnData struct {
	ConnID    string
	TenantID  string
	UserID    string
	SessionID string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}

type opDataKey struct{}

type OperationData struct {
	OperationID   string
	OperationType string
	RiskTier      string
}

func WithOperationData(ctx context.Context, data *OperationData) context.Context {
	return context.WithValue(ctx, opDataKey{}, data)
}
