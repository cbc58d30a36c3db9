// Package logctx enriches slog records with request- and actor-scoped
// attributes carried on the context, so handler code can log without
// re-stating where it is.
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
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if ad, ok := ctx.Value(actorDataKey{}).(*ActorData); ok {
		r.AddAttrs(slog.Group("actor",
			slog.String("kind", ad.Kind),
			slog.String("key", ad.Key),
		))
	}

	if cd, ok := ctx.Value(connDataKey{}).(*ConnData); ok {
		r.AddAttrs(slog.Group("conn",
			slog.String("id", cd.ConnID),
			slog.String("user_id", cd.UserID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type actorDataKey struct{}

// ActorData identifies the session actor a log line belongs to. Kind is
// one of "collab", "notify", or "conversation".
type ActorData struct {
	Kind string
	Key  string
}

func WithActorData(ctx context.Context, data *ActorData) context.Context {
	return context.WithValue(ctx, actorDataKey{}, data)
}

type connDataKey struct{}

type ConnData struct {
	ConnID string
	UserID string
}

func WithConnData(ctx context.Context, data *ConnData) context.Context {
	return context.WithValue(ctx, connDataKey{}, data)
}
