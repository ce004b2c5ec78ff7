// Package errors defines the taxonomy of outcomes the dispatch executor
// classifies upstream attempts into. Every provider adapter maps its own
// wire errors into a GatewayError; nothing downstream of the adapter
// boundary looks at raw HTTP status codes again.
package errors

import (
	"fmt"
	"net/http"
)

// Kind is one entry in the error taxonomy from the dispatch executor's
// policy table: it drives retry, rotation, and cooldown decisions.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindRateLimit      Kind = "rate_limit"
	KindQuota          Kind = "quota"
	KindTransientQuota Kind = "transient_quota"
	KindServerError    Kind = "server_error"
	KindTimeout        Kind = "timeout"
	KindContextLength  Kind = "context_length"
	KindContentFilter  Kind = "content_filter"
	KindNotFound       Kind = "not_found"
	KindUnknown        Kind = "unknown"

	// KindNoKeyAvailable and KindOverloaded are raised by the scheduler
	// (C5) and usage manager (C4) rather than by an adapter.
	KindNoKeyAvailable Kind = "no_key_available"
	KindOverloaded     Kind = "overloaded"
	KindNeedsReauth    Kind = "needs_reauth"
)

// GatewayError is the standardized error produced by a provider adapter
// or raised internally by the scheduler/usage manager. It is the single
// error shape the dispatch executor classifies on.
type GatewayError struct {
	Kind       Kind
	StatusCode int
	Message    string
	Provider   string
	Model      string
	Credential string // credential identifier, empty if not yet selected
	Retryable  bool
	// RetryAfterSeconds, when non-zero, is an upstream-provided hint (Retry-After
	// header or provider-specific wait) honored by the caller before the
	// next attempt.
	RetryAfterSeconds int
	// QuotaResetUnixMS, when non-zero, is an authoritative reset time
	// parsed from the upstream body (see C6 parse_quota_error).
	QuotaResetUnixMS int64

	wrapped error
}

func (e *GatewayError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d): %v",
			e.Kind, e.Message, e.Provider, e.Model, e.StatusCode, e.wrapped)
	}
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Kind, e.Message, e.Provider, e.Model, e.StatusCode)
}

func (e *GatewayError) Unwrap() error {
	return e.wrapped
}

// HTTPStatus maps the taxonomy kind to the client-facing HTTP status from
// the error taxonomy's client-facing status table. The status depends on
// Kind alone; the upstream StatusCode stored on the error is not consulted.
func (e *GatewayError) HTTPStatus() int {
	switch e.Kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindRateLimit, KindQuota:
		return http.StatusTooManyRequests
	case KindContextLength, KindContentFilter:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNoKeyAvailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindServerError, KindTransientQuota, KindUnknown:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// New builds a GatewayError, deriving Retryable from Kind; a caller may
// overwrite the Retryable field afterwards.
func New(kind Kind, provider, model, message string) *GatewayError {
	return &GatewayError{
		Kind:      kind,
		Message:   message,
		Provider:  provider,
		Model:     model,
		Retryable: defaultRetryable(kind),
	}
}

// Wrap attaches an underlying error (transport failure, JSON error, etc.)
// to a GatewayError for %w-style unwrapping while keeping the taxonomy.
func Wrap(kind Kind, provider, model, message string, err error) *GatewayError {
	e := New(kind, provider, model, message)
	e.wrapped = err
	return e
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindRateLimit, KindQuota, KindTransientQuota, KindServerError, KindTimeout, KindOverloaded:
		return true
	default:
		return false
	}
}

// IsFairCycleExhausting reports whether a cooldown of the given duration
// (in seconds) should mark the credential exhausted for fair-cycle
// purposes (EXHAUSTION_COOLDOWN_THRESHOLD).
func IsFairCycleExhausting(cooldownSeconds, threshold int) bool {
	return cooldownSeconds >= threshold
}
