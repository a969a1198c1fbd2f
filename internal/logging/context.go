package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	sessionIDKey ctxKey = iota
	stepKey
	workerKey
)

// WithSessionID returns a context with the session ID set.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// WithStep returns a context with the 1-indexed step number set.
func WithStep(ctx context.Context, step int) context.Context {
	return context.WithValue(ctx, stepKey, step)
}

// WithWorker returns a context with the worker identifier set.
func WithWorker(ctx context.Context, worker string) context.Context {
	return context.WithValue(ctx, workerKey, worker)
}

// SessionID extracts the session ID from the context, or "" if absent.
func SessionID(ctx context.Context) string {
	v, _ := ctx.Value(sessionIDKey).(string)
	return v
}

// Step extracts the step number from the context, or 0 if absent.
func Step(ctx context.Context) int {
	v, _ := ctx.Value(stepKey).(int)
	return v
}

// Worker extracts the worker identifier from the context, or "" if absent.
func Worker(ctx context.Context) string {
	v, _ := ctx.Value(workerKey).(string)
	return v
}

// CorrelationHandler wraps an slog.Handler, automatically injecting
// session/step/worker correlation attributes from the context into every
// log record. Use with slog.New(NewCorrelationHandler(inner)) so callers
// can use logger.InfoContext(ctx, ...) and IDs appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with automatic correlation injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := SessionID(ctx); v != "" {
		r.AddAttrs(slog.String("session_id", v))
	}
	if v := Step(ctx); v > 0 {
		r.AddAttrs(slog.Int("step", v))
	}
	if v := Worker(ctx); v != "" {
		r.AddAttrs(slog.String("worker", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
