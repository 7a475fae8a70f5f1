package logger

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	correlationIDKey
)

// ContextWithRequest stores the request and correlation identifiers on ctx so
// that downstream log lines can be threaded together.
func ContextWithRequest(ctx context.Context, requestID, correlationID string) context.Context {
	if requestID != "" {
		ctx = context.WithValue(ctx, requestIDKey, requestID)
	}
	if correlationID != "" {
		ctx = context.WithValue(ctx, correlationIDKey, correlationID)
	}
	return ctx
}

// RequestIDFrom returns the request identifier stored on ctx.
func RequestIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// CorrelationIDFrom returns the correlation identifier stored on ctx.
func CorrelationIDFrom(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}

// With returns the global logger enriched with the identifiers found on ctx,
// including the trace id of the active span.
func With(ctx context.Context) *slog.Logger {
	l := L()
	if ctx == nil {
		return l
	}
	if id := RequestIDFrom(ctx); id != "" {
		l = l.With(slog.String("request_id", id))
	}
	if id := CorrelationIDFrom(ctx); id != "" {
		l = l.With(slog.String("correlation_id", id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(slog.String("trace_id", sc.TraceID().String()))
	}
	return l
}
