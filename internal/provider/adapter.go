// Package provider defines the C6 adapter contract: a registry of value
// descriptors keyed by provider tag, each holding function pointers for
// request building, response/stream parsing, and quota-error parsing.
// Tagged values over a common interface, not subclassing, since every
// adapter shares the same shape but none of the behavior.
package provider

import (
	"context"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/relayforge/llmgateway/pkg/types"
)

// NormalizedRequest is the unified request shape the executor and every
// adapter speak. Exactly one field is populated per call.
type NormalizedRequest struct {
	Chat      *types.ChatRequest
	Embedding *types.EmbeddingRequest
}

// NormalizedResponse is the unified response shape returned by an
// adapter's ParseResponse.
type NormalizedResponse struct {
	Chat      *types.ChatResponse
	Embedding *types.EmbeddingResponse
}

// QuotaErrorInfo is what an adapter's ParseQuotaError extracts from a
// non-2xx response: an authoritative reset time, a relative retry delay,
// or both. Zero values mean the signal wasn't present.
type QuotaErrorInfo struct {
	ResetAt           time.Time
	RetryAfterSeconds int
}

// StreamParser turns one raw SSE frame into a unified StreamChunk, or
// (nil, nil) for a non-content/keep-alive event.
type StreamParser func(frame []byte) (*types.StreamChunk, error)

// Descriptor is the C6 contract: a value, not an interface implementation,
// so adding a provider never requires touching the executor or scheduler.
type Descriptor struct {
	Provider string
	Models   []string

	DefaultRotationMode types.RotationMode

	// TierFunc assigns a priority tier from a credential record (lower is higher priority).
	TierFunc func(*types.Credential) int
	// MinTierForModel returns the highest tier number eligible to serve
	// model.
	MinTierForModel func(model string) int

	QuotaGroups []types.QuotaGroup

	BuildRequest    func(ctx context.Context, req NormalizedRequest, cred *types.Credential, authHeader string) (*http.Request, error)
	ParseResponse   func(resp *http.Response) (NormalizedResponse, error)
	ParseStream     StreamParser
	ParseQuotaError func(statusCode int, body []byte, headers http.Header) (QuotaErrorInfo, bool)

	// ClassifyError maps a non-2xx HTTP status and body to the taxonomy
	// kind the executor's retry policy acts on. Adapters own this because
	// error body shape is provider-specific; the executor only sees the
	// resulting GatewayError.
	ClassifyError func(statusCode int, body []byte) (kind string, message string)

	// QuotaBaseline optionally reports a remaining-quota fraction per
	// model for a credential, consulted by the usage manager to seed
	// UsageRecord.BaselineRemaining.
	QuotaBaseline func(ctx context.Context, cred *types.Credential) (map[string]float64, error)

	// BackgroundJob, if set, is run by an external ticker rather than by
	// the executor.
	BackgroundJob *types.BackgroundJob

	// ListModels optionally fetches the live model list from the
	// upstream account rather than relying on the hardcoded Models
	// field. Nil means Models is authoritative.
	ListModels func(ctx context.Context, cred *types.Credential) ([]string, error)
	// ModelsCacheTTL bounds how long a ListModels result is memoized by
	// the registry before being refetched. Zero selects
	// DefaultModelsCacheTTL.
	ModelsCacheTTL time.Duration
}

// DefaultModelsCacheTTL is how long Registry.ListModels memoizes a
// ListModels fetch when a Descriptor doesn't set ModelsCacheTTL.
const DefaultModelsCacheTTL = 5 * time.Minute

// Registry holds every registered provider descriptor, keyed by provider
// tag.
type Registry struct {
	descriptors map[string]Descriptor
	modelsCache *gocache.Cache
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		descriptors: make(map[string]Descriptor),
		modelsCache: gocache.New(DefaultModelsCacheTTL, 2*DefaultModelsCacheTTL),
	}
}

// Register installs d, keyed by d.Provider. Registering the same provider
// tag twice overwrites the prior descriptor.
func (r *Registry) Register(d Descriptor) {
	r.descriptors[d.Provider] = d
}

// Get returns the descriptor for provider, if registered.
func (r *Registry) Get(provider string) (Descriptor, bool) {
	d, ok := r.descriptors[provider]
	return d, ok
}

// Providers lists every registered provider tag.
func (r *Registry) Providers() []string {
	out := make([]string, 0, len(r.descriptors))
	for p := range r.descriptors {
		out = append(out, p)
	}
	return out
}

// ListModels returns the model list for (provider, cred): the descriptor's
// live ListModels fetch if set, memoized per credential for ModelsCacheTTL,
// falling back to the descriptor's static Models field.
func (r *Registry) ListModels(ctx context.Context, providerTag string, cred *types.Credential) ([]string, error) {
	desc, ok := r.Get(providerTag)
	if !ok || desc.ListModels == nil {
		return desc.Models, nil
	}

	key := providerTag + "|" + cred.ID
	if cached, ok := r.modelsCache.Get(key); ok {
		return cached.([]string), nil
	}

	models, err := desc.ListModels(ctx, cred)
	if err != nil {
		return nil, err
	}
	ttl := desc.ModelsCacheTTL
	if ttl <= 0 {
		ttl = DefaultModelsCacheTTL
	}
	r.modelsCache.Set(key, models, ttl)
	return models, nil
}
