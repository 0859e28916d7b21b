package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	executionIDKey ctxKey = iota
	stepIDKey
	agentKey
)

// WithExecutionID returns a context with the execution ID set.
func WithExecutionID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// WithStepID returns a context with the step ID set.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// WithAgent returns a context with the local agent name set.
func WithAgent(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, agentKey, name)
}

// ExecutionID extracts the execution ID from the context, or 0 if absent.
func ExecutionID(ctx context.Context) int64 {
	v, _ := ctx.Value(executionIDKey).(int64)
	return v
}

// StepID extracts the step ID from the context, or "" if absent.
func StepID(ctx context.Context) string {
	v, _ := ctx.Value(stepIDKey).(string)
	return v
}

// Agent extracts the agent name from the context, or "" if absent.
func Agent(ctx context.Context) string {
	v, _ := ctx.Value(agentKey).(string)
	return v
}

// LogWith returns a logger enriched with correlation IDs from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	return logger.With(correlationAttrs(ctx)...)
}

func correlationAttrs(ctx context.Context) []any {
	var attrs []any
	if id := ExecutionID(ctx); id != 0 {
		attrs = append(attrs, slog.Int64("execution_id", id))
	}
	if id := StepID(ctx); id != "" {
		attrs = append(attrs, slog.String("step_id", id))
	}
	if name := Agent(ctx); name != "" {
		attrs = append(attrs, slog.String("agent", name))
	}
	return attrs
}

// CorrelationHandler wraps an slog.Handler, injecting correlation IDs from
// the context into every record logged with a *Context method.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler with correlation ID injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := ExecutionID(ctx); id != 0 {
		r.AddAttrs(slog.Int64("execution_id", id))
	}
	if id := StepID(ctx); id != "" {
		r.AddAttrs(slog.String("step_id", id))
	}
	if name := Agent(ctx); name != "" {
		r.AddAttrs(slog.String("agent", name))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
