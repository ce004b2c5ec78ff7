package llmgateway_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/relayforge/llmgateway"
	"github.com/relayforge/llmgateway/internal/provider/staticauth"
)

func TestWithProvider_Applied(t *testing.T) {
	cfg := &llmgateway.Config{Providers: make(map[string]llmgateway.ProviderConfig)}

	desc := staticauth.New(staticauth.Options{Provider: "openai", BaseURL: "https://api.openai.com/v1"})
	opt := llmgateway.WithProvider("openai", llmgateway.ProviderConfig{Descriptor: desc})
	opt(cfg)

	pc, ok := cfg.Providers["openai"]
	assert.True(t, ok)
	assert.Equal(t, "openai", pc.Descriptor.Provider)
}

func TestWithRetryPolicy_Applied(t *testing.T) {
	cfg := &llmgateway.Config{}
	opt := llmgateway.WithRetryPolicy(5, 250*time.Millisecond)
	opt(cfg)

	assert.Equal(t, 5, cfg.MaxRetriesPerKey)
	assert.Equal(t, 250*time.Millisecond, cfg.BackoffMin)
}

func TestWithRequireExplicitAuthOptIn_Applied(t *testing.T) {
	cfg := &llmgateway.Config{}
	opt := llmgateway.WithRequireExplicitAuthOptIn(true)
	opt(cfg)

	assert.True(t, cfg.RequireExplicitAuthOptIn)
}

func TestWithBatching_Applied(t *testing.T) {
	cfg := &llmgateway.Config{}
	opt := llmgateway.WithBatching(32, 50*time.Millisecond)
	opt(cfg)

	assert.Equal(t, 32, cfg.BatchSize)
	assert.Equal(t, 50*time.Millisecond, cfg.BatchTimeout)
}
