package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/llmgateway/pkg/types"
)

func echoFlush(calls *atomic.Int32) FlushFunc {
	return func(ctx context.Context, provider, model string, merged types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
		calls.Add(1)
		data := make([]types.Embedding, len(merged.Input))
		for i := range merged.Input {
			data[i] = types.Embedding{Index: i, Object: "embedding", Embedding: []float64{float64(i)}}
		}
		return &types.EmbeddingResponse{
			Object: "list",
			Model:  model,
			Data:   data,
			Usage:  &types.Usage{PromptTokens: len(merged.Input) * 10, TotalTokens: len(merged.Input) * 10},
		}, nil
	}
}

func TestAggregator_FlushesOnTimeout(t *testing.T) {
	var calls atomic.Int32
	agg := New(echoFlush(&calls), Config{BatchSize: 64, Timeout: 20 * time.Millisecond})

	resp, err := agg.Enqueue(context.Background(), "p", "m", types.EmbeddingRequest{Input: []string{"a"}})
	require.NoError(t, err)
	require.Len(t, resp.Data, 1)
	assert.EqualValues(t, 1, calls.Load())
}

func TestAggregator_FlushesOnSize(t *testing.T) {
	var calls atomic.Int32
	agg := New(echoFlush(&calls), Config{BatchSize: 3, Timeout: 5 * time.Second})

	var wg sync.WaitGroup
	results := make([]*types.EmbeddingResponse, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := agg.Enqueue(context.Background(), "p", "m", types.EmbeddingRequest{Input: []string{string(rune('a' + i))}})
			require.NoError(t, err)
			results[i] = resp
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "three requests should flush as one batch, not wait for the timeout")
	for _, r := range results {
		require.Len(t, r.Data, 1)
	}
}

func TestAggregator_DedupesIdenticalFingerprints(t *testing.T) {
	var calls atomic.Int32
	flush := func(ctx context.Context, provider, model string, merged types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
		calls.Add(1)
		return echoFlush(&atomic.Int32{})(ctx, provider, model, merged)
	}
	agg := New(flush, Config{BatchSize: 64, Timeout: 10 * time.Millisecond})

	var wg sync.WaitGroup
	var resp1, resp2 *types.EmbeddingResponse
	wg.Add(2)
	go func() {
		defer wg.Done()
		r, err := agg.Enqueue(context.Background(), "p", "m", types.EmbeddingRequest{Input: []string{"same"}})
		require.NoError(t, err)
		resp1 = r
	}()
	go func() {
		defer wg.Done()
		r, err := agg.Enqueue(context.Background(), "p", "m", types.EmbeddingRequest{Input: []string{"same"}})
		require.NoError(t, err)
		resp2 = r
	}()
	wg.Wait()

	assert.EqualValues(t, 1, calls.Load(), "identical fingerprints fold onto one upstream call")
	require.NotNil(t, resp1)
	require.NotNil(t, resp2)
}

func TestAggregator_UsageAttributionSumsToTotal(t *testing.T) {
	var calls atomic.Int32
	agg := New(echoFlush(&calls), Config{BatchSize: 3, Timeout: 5 * time.Second})

	var wg sync.WaitGroup
	usages := make([]*types.Usage, 3)
	inputs := [][]string{{"a", "b"}, {"c"}, {"d", "e", "f"}}
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := agg.Enqueue(context.Background(), "p", "m", types.EmbeddingRequest{Input: inputs[i]})
			require.NoError(t, err)
			usages[i] = resp.Usage
		}(i)
	}
	wg.Wait()

	sum := 0
	for _, u := range usages {
		require.NotNil(t, u)
		sum += u.PromptTokens
	}
	assert.Equal(t, 60, sum, "total input items is 6, echoFlush attributes 10 tokens/item => 60 total")
}

func TestAggregator_PropagatesUpstreamError(t *testing.T) {
	boom := assertError{"upstream exploded"}
	agg := New(func(ctx context.Context, provider, model string, merged types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
		return nil, boom
	}, Config{BatchSize: 64, Timeout: 10 * time.Millisecond})

	_, err := agg.Enqueue(context.Background(), "p", "m", types.EmbeddingRequest{Input: []string{"x"}})
	require.Error(t, err)
	assert.Equal(t, boom, err)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
