// Package observability provides the structured logging and per-request
// tracing primitives threaded through every engine component. There is no
// package-level logger global: every constructor takes a *slog.Logger
// explicitly ("no ambient globals").
package observability

import (
	"context"
	"log/slog"
	"os"
)

var logOutput = os.Stdout

// NewLogger builds the default JSON-handler logger used when a caller does
// not supply its own. Constructed once by the engine and passed down.
func NewLogger(level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(logOutput, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// WithAttempt returns a logger scoped to a single dispatch attempt, tagging
// every record with the fields a reader needs to correlate it across C3-C8.
func WithAttempt(logger *slog.Logger, requestID, provider, credential, model string) *slog.Logger {
	return logger.With(
		"request_id", requestID,
		"provider", provider,
		"credential", credential,
		"model", model,
	)
}

// WithRequestID attaches only the request id, for call sites upstream of
// credential selection (C9 translation, C10 batching) that don't yet know
// which credential/model will serve the request.
func WithRequestID(ctx context.Context, logger *slog.Logger) *slog.Logger {
	id := RequestIDFromContext(ctx)
	if id == "" {
		return logger
	}
	return logger.With("request_id", id)
}
