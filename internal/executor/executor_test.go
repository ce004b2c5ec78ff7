package executor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/llmgateway/internal/credential"
	"github.com/relayforge/llmgateway/internal/oauthmgr"
	"github.com/relayforge/llmgateway/internal/provider"
	"github.com/relayforge/llmgateway/internal/provider/staticauth"
	"github.com/relayforge/llmgateway/internal/scheduler"
	"github.com/relayforge/llmgateway/internal/usage"
	"github.com/relayforge/llmgateway/pkg/types"
)

func newFixture(t *testing.T, handler http.HandlerFunc, credIDs ...string) (*Dispatcher, *usage.Manager) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	store := credential.New(credential.Options{})
	for _, id := range credIDs {
		store.Put(&types.Credential{ID: id, Provider: "testprov", Kind: types.CredentialStatic, StaticKey: "k-" + id})
	}

	registry := provider.NewRegistry()
	registry.Register(staticauth.New(staticauth.Options{
		Provider: "testprov",
		BaseURL:  srv.URL,
		Models:   []string{"model-x"},
	}))

	um := usage.New(usage.Config{
		Provider:      "testprov",
		MaxConcurrent: 10,
		DefaultTier:   usage.TierConfig{ResetMode: types.ResetPerModel, ConcurrencyMult: 1},
	})

	oauth := oauthmgr.New(store, nil, "", nil, nil)

	sched := scheduler.New(store, oauth, map[string]*usage.Manager{"testprov": um}, map[string]scheduler.ProviderConfig{
		"testprov": {RotationMode: scheduler.RotationBalanced},
	})

	disp := New(registry, sched, oauth, store, map[string]*usage.Manager{"testprov": um}, Config{
		MaxRetriesPerKey: 2,
		BackoffMin:       10 * time.Millisecond,
	})
	return disp, um
}

func TestExecute_DeadlineElimination(t *testing.T) {
	calls := 0
	disp, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":{"message":"boom"}}`))
	}, "c1")

	deadline := time.Now().Add(2 * time.Second)
	_, err := disp.Execute(context.Background(), "testprov", "model-x", provider.NormalizedRequest{
		Chat: &types.ChatRequest{Model: "model-x"},
	}, deadline)

	require.Error(t, err)
	assert.LessOrEqual(t, calls, 3, "at most max_retries+1 attempts on the single credential")
}

func TestExecute_SuccessReturnsResponse(t *testing.T) {
	disp, um := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"\"hi\""},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`))
	}, "c1")

	resp, err := disp.Execute(context.Background(), "testprov", "model-x", provider.NormalizedRequest{
		Chat: &types.ChatRequest{Model: "model-x"},
	}, time.Now().Add(2*time.Second))

	require.NoError(t, err)
	require.NotNil(t, resp.Chat)
	assert.Equal(t, "resp1", resp.Chat.ID)
	assert.EqualValues(t, 1, um.RequestCount("c1", "model-x"))
}

func TestExecute_AuthenticationErrorIsNotRetried(t *testing.T) {
	calls := 0
	disp, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"invalid key"}}`))
	}, "c1")

	_, err := disp.Execute(context.Background(), "testprov", "model-x", provider.NormalizedRequest{
		Chat: &types.ChatRequest{Model: "model-x"},
	}, time.Now().Add(300*time.Millisecond))

	require.Error(t, err)
	assert.Equal(t, 1, calls, "single credential, authentication rotates but there is nowhere left to rotate to, so the chain fails after one attempt")
}

func TestExecute_ContextLengthFailsImmediately(t *testing.T) {
	calls := 0
	disp, _ := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"maximum context length exceeded"}}`))
	}, "c1")

	_, err := disp.Execute(context.Background(), "testprov", "model-x", provider.NormalizedRequest{
		Chat: &types.ChatRequest{Model: "model-x"},
	}, time.Now().Add(2*time.Second))

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}
