package observability

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// NewRequestID mints a fresh per-dispatch-attempt correlation id. Carried on
// the OTEL span and on every log record for that attempt chain (// "per-request tracing").
func NewRequestID() string {
	return uuid.NewString()
}

// ContextWithRequestID attaches id to ctx for downstream WithRequestID calls.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the id attached by ContextWithRequestID, or
// "" if none was set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
