package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/llmgateway/internal/credential"
	"github.com/relayforge/llmgateway/internal/usage"
	"github.com/relayforge/llmgateway/pkg/types"
)

func newTestStore(t *testing.T, ids ...string) *credential.Store {
	t.Helper()
	store := credential.New(credential.Options{})
	for _, id := range ids {
		store.Put(&types.Credential{ID: id, Provider: "testprov", Kind: types.CredentialStatic, StaticKey: "k"})
	}
	return store
}

func TestAcquire_FairCycleRotatesThroughCredentials(t *testing.T) {
	store := newTestStore(t, "c1", "c2", "c3")
	um := usage.New(usage.Config{
		Provider:            "testprov",
		MaxConcurrent:       10,
		DefaultTier:         usage.TierConfig{ResetMode: types.ResetPerModel, ConcurrencyMult: 1},
		FairCycleEnabled:    true,
		FairCycleDuration:   time.Hour,
		ExhaustionThreshold: 100 * time.Second,
	})
	sched := New(store, nil, map[string]*usage.Manager{"testprov": um}, map[string]ProviderConfig{
		"testprov": {RotationMode: RotationSequential},
	})

	// Force c1 onto a long (exhausting) cooldown via an authoritative quota
	// reset, matching boundary scenario 6.
	um.ApplyQuotaReset("c1", "model-x", time.Now().Add(10*time.Minute))

	deadline := time.Now().Add(time.Second)
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		id, release, err := sched.Acquire(context.Background(), "testprov", "model-x", deadline)
		require.NoError(t, err)
		seen[id] = true
		release(usage.Outcome{Success: true})
	}
	assert.False(t, seen["c1"], "credential on long cooldown must not be re-selected")
	assert.Len(t, seen, 2)
	assert.True(t, seen["c2"] && seen["c3"])

	// A 4th-style call (here a 3rd) with all remaining exhausted as well
	// should time out rather than reuse c1 or c2/c3 before their cooldown.
	um.ApplyQuotaReset("c2", "model-x", time.Now().Add(10*time.Minute))
	um.ApplyQuotaReset("c3", "model-x", time.Now().Add(10*time.Minute))
	_, _, err := sched.Acquire(context.Background(), "testprov", "model-x", time.Now().Add(300*time.Millisecond))
	assert.Error(t, err)
}

func TestAcquire_DeadlineElapses(t *testing.T) {
	store := newTestStore(t, "c1")
	um := usage.New(usage.Config{
		Provider:      "testprov",
		MaxConcurrent: 1,
		DefaultTier:   usage.TierConfig{ResetMode: types.ResetPerModel, ConcurrencyMult: 1},
	})
	sched := New(store, nil, map[string]*usage.Manager{"testprov": um}, map[string]ProviderConfig{
		"testprov": {RotationMode: RotationBalanced},
	})

	// Occupy the only slot, then ask for another with a short deadline.
	require.NoError(t, um.BeginAttempt("c1", "model-x", 0))

	start := time.Now()
	_, _, err := sched.Acquire(context.Background(), "testprov", "model-x", start.Add(250*time.Millisecond))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Less(t, elapsed, time.Second)
}
