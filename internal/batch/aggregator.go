// Package batch implements the Batch Aggregator (C10): a per-(provider,
// model) queue that coalesces embedding requests within a short window,
// flushes on size or timeout, deduplicates identical fingerprints onto one
// in-flight upstream slot, and attributes the merged upstream usage back to
// each caller without double-counting. Grounded on the debounce/ticker
// idiom in internal/persist.Writer, generalized from a retry timer to a
// size-or-timeout coalescing timer.
package batch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/relayforge/llmgateway/internal/metrics"
	"github.com/relayforge/llmgateway/pkg/types"
)

// DefaultBatchSize and DefaultTimeout are the embedding-batch coalescing defaults.
const (
	DefaultBatchSize = 64
	DefaultTimeout   = 100 * time.Millisecond
)

// FlushFunc issues the single upstream call for one merged batch.
type FlushFunc func(ctx context.Context, provider, model string, merged types.EmbeddingRequest) (*types.EmbeddingResponse, error)

// Config configures an Aggregator.
type Config struct {
	BatchSize int
	Timeout   time.Duration
	Logger    *slog.Logger

	// Metrics, if set, records the coalesced size of every flushed batch.
	Metrics *metrics.Registry
}

// Aggregator owns one coalescing queue per (provider, model).
type Aggregator struct {
	flush  FlushFunc
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	queues map[queueKey]*batchQueue
}

type queueKey struct {
	provider string
	model    string
}

// New creates an Aggregator that calls flush for every coalesced batch.
func New(flush FlushFunc, cfg Config) *Aggregator {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		flush:  flush,
		cfg:    cfg,
		logger: logger,
		queues: make(map[queueKey]*batchQueue),
	}
}

// Fingerprint computes the stable batch-coalescing key:
// (provider, model, embedding input list, option hash).
func Fingerprint(provider, model string, req types.EmbeddingRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", provider, model, req.OptionHash)
	for _, in := range req.Input {
		h.Write([]byte(in))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// slot is one fingerprint's share of a pending batch: the representative
// request plus every caller waiting on its (possibly shared) result.
type slot struct {
	req     types.EmbeddingRequest
	waiters []chan slotResult
}

type slotResult struct {
	resp *types.EmbeddingResponse
	err  error
}

// batchQueue is the coalescing state for one (provider, model) pair.
type batchQueue struct {
	mu    sync.Mutex
	slots []*slot
	byFP  map[string]*slot
	timer *time.Timer
}

// Enqueue adds req to the (provider, model) batch and blocks until the
// batch flushes (by size or timeout) or ctx is canceled. Concurrent callers
// with an identical fingerprint (pre-flight dedupe) are folded
// onto the same upstream slot and share its result.
func (a *Aggregator) Enqueue(ctx context.Context, provider, model string, req types.EmbeddingRequest) (*types.EmbeddingResponse, error) {
	q := a.queueFor(provider, model)
	fp := Fingerprint(provider, model, req)

	ch := make(chan slotResult, 1)
	shouldFlushNow := false

	q.mu.Lock()
	if existing, ok := q.byFP[fp]; ok {
		existing.waiters = append(existing.waiters, ch)
	} else {
		s := &slot{req: req, waiters: []chan slotResult{ch}}
		q.byFP[fp] = s
		q.slots = append(q.slots, s)
		if len(q.slots) == 1 {
			q.timer = time.AfterFunc(a.cfg.Timeout, func() { a.flushQueue(provider, model, q) })
		}
		if len(q.slots) >= a.cfg.BatchSize {
			shouldFlushNow = true
		}
	}
	q.mu.Unlock()

	if shouldFlushNow {
		go a.flushQueue(provider, model, q)
	}

	select {
	case res := <-ch:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Aggregator) queueFor(provider, model string) *batchQueue {
	key := queueKey{provider: provider, model: model}
	a.mu.Lock()
	defer a.mu.Unlock()
	q, ok := a.queues[key]
	if !ok {
		q = &batchQueue{byFP: make(map[string]*slot)}
		a.queues[key] = q
	}
	return q
}

// flushQueue drains every slot currently queued, merges their inputs into
// one upstream call, and distributes the result (or error) back to every
// waiter. Only one flush per queue generation runs: the timer and the
// size-triggered flush both call this, but whichever arrives second finds
// an empty q.slots and is a no-op.
func (a *Aggregator) flushQueue(provider, model string, q *batchQueue) {
	q.mu.Lock()
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
	slots := q.slots
	q.slots = nil
	q.byFP = make(map[string]*slot)
	q.mu.Unlock()

	if len(slots) == 0 {
		return
	}
	if a.cfg.Metrics != nil {
		a.cfg.Metrics.BatchSize.Observe(float64(len(slots)))
	}

	merged := types.EmbeddingRequest{Model: model}
	offsets := make([]int, len(slots))
	for i, s := range slots {
		offsets[i] = len(merged.Input)
		merged.Input = append(merged.Input, s.req.Input...)
	}

	resp, err := a.flush(context.Background(), provider, model, merged)
	if err != nil {
		for _, s := range slots {
			deliver(s, slotResult{err: err})
		}
		return
	}

	totalItems := len(merged.Input)
	for i, s := range slots {
		count := len(s.req.Input)
		offset := offsets[i]
		data := make([]types.Embedding, 0, count)
		for j := 0; j < count && offset+j < len(resp.Data); j++ {
			e := resp.Data[offset+j]
			e.Index = j
			data = append(data, e)
		}
		usage := attributeUsage(resp.Usage, count, totalItems, i == len(slots)-1, slots)
		deliver(s, slotResult{resp: &types.EmbeddingResponse{
			Object: resp.Object,
			Model:  resp.Model,
			Data:   data,
			Usage:  usage,
		}})
	}
}

// attributeUsage splits the batch's total usage proportionally by each
// slot's share of input items, giving the remainder to the last slot so
// the per-request sum equals the batch total exactly ("sum of
// per-request attributed usage equals U, not N*U").
func attributeUsage(total *types.Usage, count, totalItems int, isLast bool, slots []*slot) *types.Usage {
	if total == nil || totalItems == 0 {
		return nil
	}
	if !isLast {
		return &types.Usage{
			PromptTokens:     total.PromptTokens * count / totalItems,
			CompletionTokens: total.CompletionTokens * count / totalItems,
			TotalTokens:      total.TotalTokens * count / totalItems,
			Provider:         total.Provider,
		}
	}

	var assignedPrompt, assignedCompletion, assignedTotal int
	for i := range slots {
		if i == len(slots)-1 {
			continue
		}
		c := len(slots[i].req.Input)
		assignedPrompt += total.PromptTokens * c / totalItems
		assignedCompletion += total.CompletionTokens * c / totalItems
		assignedTotal += total.TotalTokens * c / totalItems
	}
	return &types.Usage{
		PromptTokens:     total.PromptTokens - assignedPrompt,
		CompletionTokens: total.CompletionTokens - assignedCompletion,
		TotalTokens:      total.TotalTokens - assignedTotal,
		Provider:         total.Provider,
	}
}

func deliver(s *slot, res slotResult) {
	for _, w := range s.waiters {
		w <- res
	}
}

// Key is exposed for callers (e.g. tests) that want a human-readable form
// of the coalescing key without reaching into the unexported queueKey type.
func Key(provider, model string) string {
	return strings.Join([]string{provider, model}, "/")
}
