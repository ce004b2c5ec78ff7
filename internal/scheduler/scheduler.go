// Package scheduler implements the Credential Scheduler (C5): tiered
// selection with idle/busy sub-tiers, balanced/sequential rotation, and
// deadline-bounded waiting. It holds references to the credential store,
// the OAuth manager and the per-provider usage managers; the dispatch
// executor also holds the store and usage managers for its no-key error.
package scheduler

import (
	"context"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/relayforge/llmgateway/internal/credential"
	"github.com/relayforge/llmgateway/internal/metrics"
	"github.com/relayforge/llmgateway/internal/oauthmgr"
	"github.com/relayforge/llmgateway/internal/usage"
	gwerrors "github.com/relayforge/llmgateway/pkg/errors"
	"github.com/relayforge/llmgateway/pkg/types"
)

const pollInterval = 50 * time.Millisecond

// RotationMode mirrors types.RotationMode, re-exported so callers
// configuring a Scheduler don't need to import pkg/types directly.
type RotationMode = types.RotationMode

const (
	RotationBalanced   = types.RotationBalanced
	RotationSequential = types.RotationSequential
)

// ProviderConfig configures per-provider scheduling behavior.
type ProviderConfig struct {
	RotationMode      RotationMode
	RotationTolerance float64
	// FairCycleEnabled excludes a credential that the provider's usage
	// manager reports fair-cycle exhausted (see usage.Config.FairCycleEnabled:
	// a long cooldown marks it; being selected does not).
	FairCycleEnabled bool
	// TierFunc assigns a priority tier from a credential record (lower is higher priority).
	TierFunc func(*types.Credential) int
	// MinTierFunc returns the minimum (numerically highest-priority-number)
	// tier a credential must be at or above to serve model.
	MinTierFunc func(model string) int
}

// Scheduler is the C5 state owner.
type Scheduler struct {
	store *credential.Store
	oauth *oauthmgr.Manager
	usage map[string]*usage.Manager // provider -> usage manager
	cfg   map[string]ProviderConfig

	mu        sync.Mutex
	notifiers map[string]*notifier

	rngMu sync.Mutex
	rng   *rand.Rand

	metrics *metrics.Registry
}

// SetMetrics attaches a metrics registry to record scheduler wait times.
// Optional; called once by the engine facade after construction.
func (s *Scheduler) SetMetrics(m *metrics.Registry) {
	s.metrics = m
}

// New constructs a Scheduler over the given per-provider usage managers
// and scheduling configuration.
func New(store *credential.Store, oauth *oauthmgr.Manager, usageManagers map[string]*usage.Manager, cfg map[string]ProviderConfig) *Scheduler {
	return &Scheduler{
		store:     store,
		oauth:     oauth,
		usage:     usageManagers,
		cfg:       cfg,
		notifiers: make(map[string]*notifier),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Release is returned by Acquire; the caller invokes it exactly once with
// the outcome of the attempt.
type Release func(outcome usage.Outcome)

// Acquire selects a credential for (provider, model), reserving a
// concurrency slot on it, following the tiered-selection algorithm below. It
// blocks, re-running selection on every wake, until a credential is
// acquired or deadline elapses.
func (s *Scheduler) Acquire(ctx context.Context, provider, model string, deadline time.Time) (string, Release, error) {
	um, ok := s.usage[provider]
	if !ok {
		return "", nil, gwerrors.New(gwerrors.KindNoKeyAvailable, provider, model, "no usage manager configured for provider")
	}
	cfg := s.cfg[provider]
	n := s.notifierFor(provider)

	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	waitStart := time.Now()
	for {
		if credID, tier, ok := s.trySelect(provider, model, cfg, um); ok {
			if s.metrics != nil {
				s.metrics.SchedulerWaitTime.WithLabelValues(provider).Observe(time.Since(waitStart).Seconds())
			}
			release := func(outcome usage.Outcome) {
				um.EndAttempt(credID, model, tier, outcome)
				n.broadcast()
			}
			return credID, release, nil
		}

		waitCh := n.wait()
		select {
		case <-waitCh:
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return "", nil, gwerrors.New(gwerrors.KindNoKeyAvailable, provider, model, "no credential available before deadline")
		}
	}
}

// trySelect runs one pass of the selection algorithm and, on success, has
// already reserved the concurrency slot via BeginAttempt.
func (s *Scheduler) trySelect(provider, model string, cfg ProviderConfig, um *usage.Manager) (string, int, bool) {
	ids := s.store.List(provider)
	now := time.Now()

	type candidate struct {
		cred *types.Credential
		tier int
	}
	var eligible []candidate
	for _, id := range ids {
		c, ok := s.store.Get(id)
		if !ok {
			continue
		}
		if s.oauth != nil && !s.oauth.IsAvailable(id) {
			continue
		}
		if !um.IsAvailable(id, model, now) {
			continue
		}
		tier := 0
		if cfg.TierFunc != nil {
			tier = cfg.TierFunc(c)
		}
		if cfg.MinTierFunc != nil && tier > cfg.MinTierFunc(model) {
			continue
		}
		if cfg.FairCycleEnabled && um.IsExhausted(id, ids, now) {
			continue
		}
		eligible = append(eligible, candidate{cred: c, tier: tier})
	}
	if len(eligible) == 0 {
		return "", 0, false
	}

	sort.SliceStable(eligible, func(i, j int) bool { return eligible[i].tier < eligible[j].tier })

	i := 0
	for i < len(eligible) {
		tier := eligible[i].tier
		j := i
		for j < len(eligible) && eligible[j].tier == tier {
			j++
		}
		tierCreds := eligible[i:j]

		var idle, busy []*types.Credential
		for _, c := range tierCreds {
			if um.InFlightCount(c.cred.ID) == 0 {
				idle = append(idle, c.cred)
			} else {
				busy = append(busy, c.cred)
			}
		}

		for _, subTier := range [][]*types.Credential{idle, busy} {
			if id, ok := s.pickAndBegin(subTier, provider, model, tier, cfg, um); ok {
				return id, tier, true
			}
		}
		i = j
	}
	return "", 0, false
}

// pickAndBegin picks a credential from candidates by rotation mode and
// attempts BeginAttempt, trying the next candidate in the sub-tier if
// BeginAttempt rejects it (its concurrency limit is already saturated)
// before giving up on this sub-tier entirely.
func (s *Scheduler) pickAndBegin(candidates []*types.Credential, provider, model string, tier int, cfg ProviderConfig, um *usage.Manager) (string, bool) {
	pool := append([]*types.Credential{}, candidates...)
	for len(pool) > 0 {
		idx := s.pickIndex(pool, model, cfg, um)
		chosen := pool[idx]
		if err := um.BeginAttempt(chosen.ID, model, tier); err == nil {
			return chosen.ID, true
		}
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return "", false
}

// pickIndex implements the two rotation modes, balanced and sequential.
func (s *Scheduler) pickIndex(pool []*types.Credential, model string, cfg ProviderConfig, um *usage.Manager) int {
	if cfg.RotationMode == RotationSequential {
		best, bestUsage := 0, int64(-1)
		for i, c := range pool {
			u := um.RequestCount(c.ID, model)
			if u > bestUsage {
				bestUsage, best = u, i
			}
		}
		return best
	}
	return s.pickBalanced(pool, model, cfg.RotationTolerance, um)
}

// pickBalanced implements weighted-random selection biased toward the
// least-used credential. tolerance=0 is deterministic least-used; larger
// tolerance flattens the weighting toward uniform random.
func (s *Scheduler) pickBalanced(pool []*types.Credential, model string, tolerance float64, um *usage.Manager) int {
	usageCounts := make([]int64, len(pool))
	minUsage := int64(math.MaxInt64)
	for i, c := range pool {
		usageCounts[i] = um.RequestCount(c.ID, model)
		if usageCounts[i] < minUsage {
			minUsage = usageCounts[i]
		}
	}
	if tolerance <= 0 {
		for i, u := range usageCounts {
			if u == minUsage {
				return i
			}
		}
		return 0
	}

	weights := make([]float64, len(pool))
	total := 0.0
	for i, u := range usageCounts {
		w := 1.0 / math.Pow(1.0+float64(u-minUsage), 1.0/(1.0+tolerance))
		weights[i] = w
		total += w
	}

	s.rngMu.Lock()
	r := s.rng.Float64() * total
	s.rngMu.Unlock()

	acc := 0.0
	for i, w := range weights {
		acc += w
		if r <= acc {
			return i
		}
	}
	return len(pool) - 1
}

func (s *Scheduler) notifierFor(provider string) *notifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifiers[provider]
	if !ok {
		n = newNotifier()
		s.notifiers[provider] = n
	}
	return n
}

// notifier is a per-provider broadcast channel every credential waiter
// blocks on. Broadcast replaces the channel so every current waiter wakes,
// then new waiters pick up the fresh one.
type notifier struct {
	mu sync.Mutex
	ch chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) wait() <-chan struct{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ch
}

func (n *notifier) broadcast() {
	n.mu.Lock()
	old := n.ch
	n.ch = make(chan struct{})
	n.mu.Unlock()
	close(old)
}
