package logger

import (
	"context"
	"log/slog"
)

// contextKey is the private context key type for logger values.
type contextKey struct{}

// WithLogger returns a new context carrying the given logger. Handlers and
// workers attach request- or task-scoped loggers this way so downstream
// store and service code logs with the right correlation attributes.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext retrieves the logger stored in the context, or the default
// slog logger when none is attached.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(contextKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
