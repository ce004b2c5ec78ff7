// Package executor implements the Dispatch Executor (C7): it orchestrates
// attempts against a provider under a single deadline, classifying outcomes
// per the error taxonomy and deciding whether to retry the same credential,
// rotate to another, or surface a final error. Grounded on this codebase's
// single-shot pick/build/send/report flow in internal/api/completions_handler.go,
// generalized into a same-credential-retry-then-rotate loop.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/relayforge/llmgateway/internal/credential"
	"github.com/relayforge/llmgateway/internal/metrics"
	"github.com/relayforge/llmgateway/internal/oauthmgr"
	"github.com/relayforge/llmgateway/internal/observability"
	"github.com/relayforge/llmgateway/internal/provider"
	"github.com/relayforge/llmgateway/internal/scheduler"
	"github.com/relayforge/llmgateway/internal/streamsafe"
	"github.com/relayforge/llmgateway/internal/usage"
	gwerrors "github.com/relayforge/llmgateway/pkg/errors"
	"github.com/relayforge/llmgateway/pkg/types"
)

// Config configures a Dispatcher.
type Config struct {
	HTTPClient *http.Client

	// MaxRetriesPerKey bounds same-credential retries on a retryable
	// outcome before the executor rotates to another credential.
	MaxRetriesPerKey int
	BackoffMin       time.Duration

	TracerProvider trace.TracerProvider
	Logger         *slog.Logger

	// Metrics, if set, records attempt/outcome/rotation counters and
	// attempt-duration histograms. Nil disables instrumentation.
	Metrics *metrics.Registry
}

// Dispatcher is the C7 state owner. It holds the scheduler (which in turn
// holds the credential store and usage tracking) plus the adapter registry
// and credential store it needs to build requests — the scheduler is the
// only component that needs to reach into both.
type Dispatcher struct {
	registry  *provider.Registry
	scheduler *scheduler.Scheduler
	oauth     *oauthmgr.Manager
	store     *credential.Store
	usage     map[string]*usage.Manager

	cfg Config
}

// New constructs a Dispatcher.
func New(registry *provider.Registry, sched *scheduler.Scheduler, oauth *oauthmgr.Manager, store *credential.Store, usageManagers map[string]*usage.Manager, cfg Config) *Dispatcher {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 600 * time.Second}
	}
	if cfg.MaxRetriesPerKey <= 0 {
		cfg.MaxRetriesPerKey = 2
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = observability.NoopTracerProvider()
	}
	return &Dispatcher{
		registry:  registry,
		scheduler: sched,
		oauth:     oauth,
		store:     store,
		usage:     usageManagers,
		cfg:       cfg,
	}
}

// ErrDeadlineExceeded is returned when the attempt chain could not complete
// within deadline.
var ErrDeadlineExceeded = gwerrors.New(gwerrors.KindTimeout, "", "", "deadline exceeded before a usable credential completed the request")

// Execute runs the full attempt chain for a non-streaming request: acquire a
// credential, send, classify, retry in place or rotate, until deadline.
func (d *Dispatcher) Execute(ctx context.Context, providerTag, model string, req provider.NormalizedRequest, deadline time.Time) (provider.NormalizedResponse, error) {
	desc, ok := d.registry.Get(providerTag)
	if !ok {
		return provider.NormalizedResponse{}, gwerrors.New(gwerrors.KindUnknown, providerTag, model, "unknown provider")
	}

	requestID := observability.RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = observability.NewRequestID()
	}
	chainCtx, chainSpan := observability.StartAttemptSpan(ctx, d.cfg.TracerProvider, requestID, providerTag, model)
	defer chainSpan.End()

	var lastErr *gwerrors.GatewayError
	for attempt := 1; ; attempt++ {
		if !time.Now().Before(deadline) {
			if lastErr != nil {
				return provider.NormalizedResponse{}, lastErr
			}
			return provider.NormalizedResponse{}, ErrDeadlineExceeded
		}

		credID, release, err := d.scheduler.Acquire(chainCtx, providerTag, model, deadline)
		if err != nil {
			if lastErr != nil {
				return provider.NormalizedResponse{}, lastErr
			}
			return provider.NormalizedResponse{}, d.noKeyAvailableError(providerTag, model)
		}

		attemptCtx, attemptSpan := observability.StartSingleAttemptSpan(chainCtx, d.cfg.TracerProvider, credID, attempt)
		resp, outcome, gwErr := d.runOnCredential(attemptCtx, desc, req, providerTag, model, credID, deadline)
		attemptSpan.End()
		release(outcome)

		if gwErr == nil {
			return resp, nil
		}
		lastErr = gwErr

		if gwErr.Kind == gwerrors.KindAuthentication {
			d.oauth.MarkAuthFailure(credID)
		}
		if !isRotatable(gwErr.Kind) {
			return provider.NormalizedResponse{}, gwErr
		}
		if d.cfg.Metrics != nil {
			d.cfg.Metrics.RotationsTotal.WithLabelValues(providerTag).Inc()
		}
		// Rotate: loop re-acquires, naturally skipping credID if the
		// outcome just cooled it down.
	}
}

// ExecuteStream acquires a single credential and opens a streaming upstream
// connection, returning a streamsafe.Wrapper over the raw SSE body. Unlike
// Execute, once the connection is open there is no same-credential retry
// or rotation: a stream that fails after bytes have reached the caller is
// the streaming safety wrapper's problem, not the dispatch executor's.
func (d *Dispatcher) ExecuteStream(ctx context.Context, providerTag, model string, req provider.NormalizedRequest, deadline time.Time) (*streamsafe.Wrapper, error) {
	desc, ok := d.registry.Get(providerTag)
	if !ok {
		return nil, gwerrors.New(gwerrors.KindUnknown, providerTag, model, "unknown provider")
	}

	credID, release, err := d.scheduler.Acquire(ctx, providerTag, model, deadline)
	if err != nil {
		return nil, d.noKeyAvailableError(providerTag, model)
	}
	var outcome usage.Outcome
	defer func() { release(outcome) }()

	cred, ok := d.store.Get(credID)
	if !ok {
		outcome.Err = gwerrors.New(gwerrors.KindUnknown, providerTag, model, "credential vanished mid-dispatch")
		return nil, outcome.Err
	}

	authHeader, err := d.oauth.GetAuthHeader(ctx, credID)
	if err != nil {
		outcome.Err = gwerrors.Wrap(gwerrors.KindNeedsReauth, providerTag, model, "oauth token unavailable", err)
		outcome.Err.Credential = credID
		return nil, outcome.Err
	}

	httpReq, err := desc.BuildRequest(ctx, req, cred, authHeader)
	if err != nil {
		outcome.Err = gwerrors.Wrap(gwerrors.KindUnknown, providerTag, model, "build request", err)
		return nil, outcome.Err
	}

	httpResp, err := d.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		outcome.Err = gwerrors.Wrap(gwerrors.KindServerError, providerTag, model, "upstream request failed", err)
		outcome.Err.Credential = credID
		return nil, outcome.Err
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		body, _ := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		gwErr := d.classify(desc, providerTag, model, credID, httpResp.StatusCode, body, httpResp.Header)
		outcome.Err = gwErr
		if gwErr.Kind == gwerrors.KindAuthentication {
			d.oauth.MarkAuthFailure(credID)
		}
		return nil, gwErr
	}

	outcome.Success = true
	wrapper := streamsafe.Wrap(ctx, httpResp.Body, streamsafe.Config{
		Parser:        desc.ParseStream,
		Provider:      providerTag,
		Model:         model,
		Credential:    credID,
		ClassifyError: desc.ClassifyError,
	})
	return wrapper, nil
}

// runOnCredential retries on the same credential, without releasing the
// concurrency slot, up to MaxRetriesPerKey times on a same-credential-
// retryable outcome. It returns the single outcome EndAttempt should be
// given for the whole sequence.
func (d *Dispatcher) runOnCredential(ctx context.Context, desc provider.Descriptor, req provider.NormalizedRequest, providerTag, model, credID string, deadline time.Time) (provider.NormalizedResponse, usage.Outcome, *gwerrors.GatewayError) {
	cred, ok := d.store.Get(credID)
	if !ok {
		gwErr := gwerrors.New(gwerrors.KindUnknown, providerTag, model, "credential vanished mid-dispatch")
		return provider.NormalizedResponse{}, usage.Outcome{Err: gwErr}, gwErr
	}

	var lastGwErr *gwerrors.GatewayError
	for retry := 0; ; retry++ {
		authHeader, err := d.oauth.GetAuthHeader(ctx, credID)
		if err != nil {
			gwErr := gwerrors.Wrap(gwerrors.KindNeedsReauth, providerTag, model, "oauth token unavailable", err)
			gwErr.Credential = credID
			return provider.NormalizedResponse{}, usage.Outcome{Err: gwErr}, gwErr
		}

		resp, gwErr := d.sendOnce(ctx, desc, req, providerTag, model, credID, cred, authHeader)
		if gwErr == nil {
			return resp, usage.Outcome{Success: true, PromptTokens: int64(usagePromptTokens(resp)), CompletionTokens: int64(usageCompletionTokens(resp))}, nil
		}
		lastGwErr = gwErr

		if !sameKeyRetryable(gwErr.Kind) || retry >= d.cfg.MaxRetriesPerKey || !time.Now().Add(d.cfg.BackoffMin).Before(deadline) {
			return provider.NormalizedResponse{}, usage.Outcome{Err: gwErr}, gwErr
		}

		backoff := d.cfg.BackoffMin * time.Duration(retry+1)
		select {
		case <-ctx.Done():
			return provider.NormalizedResponse{}, usage.Outcome{Err: lastGwErr}, lastGwErr
		case <-time.After(backoff):
		}
	}
}

func usagePromptTokens(resp provider.NormalizedResponse) int {
	switch {
	case resp.Chat != nil && resp.Chat.Usage != nil:
		return resp.Chat.Usage.PromptTokens
	case resp.Embedding != nil && resp.Embedding.Usage != nil:
		return resp.Embedding.Usage.PromptTokens
	}
	return 0
}

func usageCompletionTokens(resp provider.NormalizedResponse) int {
	if resp.Chat != nil && resp.Chat.Usage != nil {
		return resp.Chat.Usage.CompletionTokens
	}
	return 0
}

// sendOnce performs exactly one upstream HTTP round trip and classifies the
// result.
func (d *Dispatcher) sendOnce(ctx context.Context, desc provider.Descriptor, req provider.NormalizedRequest, providerTag, model, credID string, cred *types.Credential, authHeader string) (provider.NormalizedResponse, *gwerrors.GatewayError) {
	start := time.Now()
	resp, gwErr := d.sendOnceUninstrumented(ctx, desc, req, providerTag, model, credID, cred, authHeader)

	if d.cfg.Metrics != nil {
		d.cfg.Metrics.AttemptsTotal.WithLabelValues(providerTag, model).Inc()
		d.cfg.Metrics.AttemptDuration.WithLabelValues(providerTag, model).Observe(time.Since(start).Seconds())
		kind := "success"
		if gwErr != nil {
			kind = string(gwErr.Kind)
		}
		d.cfg.Metrics.OutcomesTotal.WithLabelValues(providerTag, model, kind).Inc()
	}
	return resp, gwErr
}

func (d *Dispatcher) sendOnceUninstrumented(ctx context.Context, desc provider.Descriptor, req provider.NormalizedRequest, providerTag, model, credID string, cred *types.Credential, authHeader string) (provider.NormalizedResponse, *gwerrors.GatewayError) {
	httpReq, err := desc.BuildRequest(ctx, req, cred, authHeader)
	if err != nil {
		return provider.NormalizedResponse{}, gwerrors.Wrap(gwerrors.KindUnknown, providerTag, model, "build request", err)
	}

	httpResp, err := d.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		kind := gwerrors.KindServerError
		if ctx.Err() == context.DeadlineExceeded {
			kind = gwerrors.KindTimeout
		}
		gwErr := gwerrors.Wrap(kind, providerTag, model, "upstream request failed", err)
		gwErr.Credential = credID
		return provider.NormalizedResponse{}, gwErr
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode >= 200 && httpResp.StatusCode < 300 {
		resp, err := desc.ParseResponse(httpResp)
		if err != nil {
			gwErr := gwerrors.Wrap(gwerrors.KindUnknown, providerTag, model, "parse response", err)
			gwErr.Credential = credID
			return provider.NormalizedResponse{}, gwErr
		}
		return resp, nil
	}

	body, _ := io.ReadAll(httpResp.Body)
	return provider.NormalizedResponse{}, d.classify(desc, providerTag, model, credID, httpResp.StatusCode, body, httpResp.Header)
}

// classify turns a non-2xx upstream response into a GatewayError, consulting
// the adapter's quota-error parser for authoritative reset/retry hints.
func (d *Dispatcher) classify(desc provider.Descriptor, providerTag, model, credID string, statusCode int, body []byte, headers http.Header) *gwerrors.GatewayError {
	kindStr, message := desc.ClassifyError(statusCode, body)
	gwErr := gwerrors.New(gwerrors.Kind(kindStr), providerTag, model, message)
	gwErr.StatusCode = statusCode
	gwErr.Credential = credID

	if gwErr.Kind == gwerrors.KindQuota || gwErr.Kind == gwerrors.KindRateLimit {
		hasHint := false
		if desc.ParseQuotaError != nil {
			if info, ok := desc.ParseQuotaError(statusCode, body, headers); ok {
				if !info.ResetAt.IsZero() {
					gwErr.QuotaResetUnixMS = info.ResetAt.UnixMilli()
					hasHint = true
				}
				if info.RetryAfterSeconds > 0 {
					hasHint = true
				}
				gwErr.RetryAfterSeconds = info.RetryAfterSeconds
			}
		}
		// A rate limit with no authoritative retry hint carries no signal
		// about how long it will last; rotate to another credential
		// instead of parking this one under an escalating cooldown.
		if gwErr.Kind == gwerrors.KindRateLimit && !hasHint {
			gwErr.Kind = gwerrors.KindTransientQuota
		}
	}
	return gwErr
}

// isRotatable reports whether the executor should try another credential
// after this outcome.
func isRotatable(kind gwerrors.Kind) bool {
	switch kind {
	case gwerrors.KindContentFilter, gwerrors.KindNotFound, gwerrors.KindContextLength:
		return false
	default:
		return true
	}
}

// sameKeyRetryable reports whether this outcome should be retried on the
// same credential before rotating.
func sameKeyRetryable(kind gwerrors.Kind) bool {
	switch kind {
	case gwerrors.KindTimeout, gwerrors.KindServerError, gwerrors.KindTransientQuota, gwerrors.KindUnknown, gwerrors.KindOverloaded:
		return true
	default:
		return false
	}
}

// noKeyAvailableError builds the advisory "all credentials on cooldown"
// error, including the earliest upcoming reset across every known
// credential so callers can decide how long to wait before retrying.
func (d *Dispatcher) noKeyAvailableError(providerTag, model string) *gwerrors.GatewayError {
	gwErr := gwerrors.New(gwerrors.KindNoKeyAvailable, providerTag, model, "no credential available before deadline")
	um, ok := d.usage[providerTag]
	if !ok {
		return gwErr
	}
	var earliest time.Time
	for _, id := range d.store.List(providerTag) {
		next := um.NextAvailableAt(id, model)
		if next.IsZero() {
			continue
		}
		if earliest.IsZero() || next.Before(earliest) {
			earliest = next
		}
	}
	if !earliest.IsZero() {
		gwErr.QuotaResetUnixMS = earliest.UnixMilli()
		gwErr.Message = fmt.Sprintf("%s (earliest reset %s)", gwErr.Message, earliest.Format(time.RFC3339))
	}
	return gwErr
}
