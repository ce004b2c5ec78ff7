package llmgateway_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/llmgateway"
	"github.com/relayforge/llmgateway/internal/provider"
	"github.com/relayforge/llmgateway/internal/provider/staticauth"
	"github.com/relayforge/llmgateway/internal/scheduler"
	"github.com/relayforge/llmgateway/internal/usage"
	"github.com/relayforge/llmgateway/pkg/types"
)

func newTestEngine(t *testing.T, handler http.HandlerFunc) *llmgateway.Engine {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	t.Setenv("TESTPROV_API_KEY", "secret123")

	desc := staticauth.New(staticauth.Options{
		Provider: "testprov",
		BaseURL:  srv.URL,
		Models:   []string{"model-x"},
	})

	eng, err := llmgateway.New(
		llmgateway.WithEnvPrefix("testprov", "TESTPROV"),
		llmgateway.WithProvider("testprov", llmgateway.ProviderConfig{
			Descriptor: desc,
			Scheduler:  scheduler.ProviderConfig{RotationMode: scheduler.RotationBalanced},
			Usage: usage.Config{
				MaxConcurrent: 10,
				DefaultTier:   usage.TierConfig{ResetMode: types.ResetPerModel, ConcurrencyMult: 1},
			},
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close(context.Background()) })
	return eng
}

func TestEngine_Dispatch_Success(t *testing.T) {
	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"\"hi\""},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`))
	})

	resp, err := eng.Dispatch(context.Background(), "testprov", "model-x", provider.NormalizedRequest{
		Chat: &types.ChatRequest{Model: "model-x"},
	}, time.Now().Add(2*time.Second))

	require.NoError(t, err)
	require.NotNil(t, resp.Chat)
	assert.Equal(t, "resp1", resp.Chat.ID)
}

func TestEngine_ProvidersAndCredentials(t *testing.T) {
	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	assert.Equal(t, []string{"testprov"}, eng.Providers())

	creds := eng.Credentials()
	require.Contains(t, creds, "testprov")
	assert.Len(t, creds["testprov"], 1)
}

func TestEngine_Snapshot_ReflectsUsage(t *testing.T) {
	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"\"hi\""},"finish_reason":"stop"}],"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
	})

	_, err := eng.Dispatch(context.Background(), "testprov", "model-x", provider.NormalizedRequest{
		Chat: &types.ChatRequest{Model: "model-x"},
	}, time.Now().Add(2*time.Second))
	require.NoError(t, err)

	snap := eng.Snapshot()
	ps, ok := snap.Providers["testprov"]
	require.True(t, ok)
	require.Len(t, ps.Credentials, 1)
	for _, cs := range ps.Credentials {
		assert.Contains(t, cs.Usage, "model-x")
	}
}

func TestEngine_DispatchStream_DeliversFrames(t *testing.T) {
	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		w.Write([]byte("data: {\"id\":\"c1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\n"))
		if flusher != nil {
			flusher.Flush()
		}
		w.Write([]byte("data: [DONE]\n\n"))
	})

	wrapper, err := eng.DispatchStream(context.Background(), "testprov", "model-x", provider.NormalizedRequest{
		Chat: &types.ChatRequest{Model: "model-x", Stream: true},
	}, time.Now().Add(2*time.Second))
	require.NoError(t, err)
	defer wrapper.Close()

	frame, err := wrapper.Next()
	require.NoError(t, err)
	require.NotNil(t, frame)
	assert.False(t, frame.Done)

	done, err := wrapper.Next()
	require.NoError(t, err)
	require.NotNil(t, done)
	assert.True(t, done.Done)
}
