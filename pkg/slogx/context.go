package slogx

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

func FromContext(ctx context.Context) *slog.Logger {
	l, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok {
		return slog.Default()
	}
	return l
}

// WithSession annotates the context logger with a broadcast token. Only the
// broadcast token is ever logged; the primary session token must not appear
// in logs.
func WithSession(ctx context.Context, broadcastToken string) context.Context {
	l := FromContext(ctx)
	return WithContext(ctx, l.With("session", broadcastToken))
}
