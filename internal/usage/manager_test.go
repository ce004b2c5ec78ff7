package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/relayforge/llmgateway/pkg/errors"
	"github.com/relayforge/llmgateway/pkg/types"
)

func testManager() *Manager {
	return New(Config{
		Provider:      "testprov",
		MaxConcurrent: 2,
		DefaultTier:   TierConfig{ResetMode: types.ResetPerModel, ConcurrencyMult: 1},
		QuotaGroups: []types.QuotaGroup{
			{Name: "flash-family", Models: []string{"model-a", "model-b", "model-c"}},
		},
	})
}

func TestBeginAttempt_ConcurrencyCap(t *testing.T) {
	m := testManager()
	require.NoError(t, m.BeginAttempt("cred1", "model-a", 0))
	require.NoError(t, m.BeginAttempt("cred1", "model-a", 0))
	err := m.BeginAttempt("cred1", "model-a", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOverloaded)
}

func TestEndAttempt_QuotaResetPropagatesToGroup(t *testing.T) {
	m := testManager()
	resetAt := time.Now().Add(time.Hour)

	m.ApplyQuotaReset("cred1", "model-a", resetAt)

	for _, model := range []string{"model-a", "model-b", "model-c"} {
		assert.False(t, m.IsAvailable("cred1", model, time.Now()))
		assert.True(t, m.IsAvailable("cred1", model, resetAt.Add(time.Second)))
	}
}

func TestEndAttempt_AuthenticationLocksOutWholeCredential(t *testing.T) {
	m := testManager()
	m.EndAttempt("cred1", "model-a", 0, Outcome{
		Err: gwerrors.New(gwerrors.KindAuthentication, "testprov", "model-a", "bad token"),
	})

	assert.False(t, m.IsAvailable("cred1", "model-a", time.Now()))
	assert.False(t, m.IsAvailable("cred1", "model-z", time.Now())) // credential-wide
}

func TestEndAttempt_TransientQuotaAppliesNoCooldown(t *testing.T) {
	m := testManager()
	m.EndAttempt("cred1", "model-a", 0, Outcome{
		Err: gwerrors.New(gwerrors.KindTransientQuota, "testprov", "model-a", "bare 429"),
	})
	assert.True(t, m.IsAvailable("cred1", "model-a", time.Now()))
}

func TestEndAttempt_EscalatingCooldownOnRepeatedServerErrors(t *testing.T) {
	m := testManager()
	now := time.Now()

	for i, want := range []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second, 120 * time.Second} {
		m.EndAttempt("cred1", "model-a", 0, Outcome{
			Err: gwerrors.New(gwerrors.KindServerError, "testprov", "model-a", "5xx"),
		})
		next := m.NextAvailableAt("cred1", "model-a")
		assert.WithinDuration(t, now.Add(want), next, 2*time.Second, "iteration %d", i)
	}
}

func TestFairCycle_ResetsWhenAllExhausted(t *testing.T) {
	f := NewFairCycleTracker(10 * time.Minute)
	now := time.Now()
	members := []string{"c1", "c2", "c3"}

	f.MarkExhausted("prov", "c1", now)
	f.MarkExhausted("prov", "c2", now)
	assert.True(t, f.IsExhausted("prov", "c1", members, now))
	assert.False(t, f.IsExhausted("prov", "c3", members, now))

	f.MarkExhausted("prov", "c3", now)
	// All three now exhausted -> next IsExhausted call resets atomically.
	assert.False(t, f.IsExhausted("prov", "c1", members, now))
	assert.False(t, f.IsExhausted("prov", "c2", members, now))
	assert.False(t, f.IsExhausted("prov", "c3", members, now))
}

func TestFairCycle_AgesOut(t *testing.T) {
	f := NewFairCycleTracker(50 * time.Millisecond)
	now := time.Now()
	f.MarkExhausted("prov", "c1", now)
	assert.True(t, f.IsExhausted("prov", "c1", []string{"c1", "c2"}, now))

	later := now.Add(100 * time.Millisecond)
	assert.False(t, f.IsExhausted("prov", "c1", []string{"c1", "c2"}, later))
}

func TestCustomCap_ClampsToQuotaResetFloor(t *testing.T) {
	m := testManager()
	m.cfg.CustomCaps = []types.CustomCap{
		{Tier: "", ModelOrGroup: "model-a", Cap: 1, CooldownPolicy: types.CooldownPolicy{Mode: types.CooldownModeOffset, Offset: time.Second}},
	}
	// Seed a far-future authoritative reset; the custom-cap cooldown must
	// not be shorter than it even though its own offset is tiny.
	m.ApplyQuotaReset("cred1", "model-a", time.Now().Add(2*time.Hour))
	m.EndAttempt("cred1", "model-a", 0, Outcome{Success: true})

	next := m.NextAvailableAt("cred1", "model-a")
	assert.True(t, next.After(time.Now().Add(time.Hour)))
}

func TestBeginAttempt_RateLimitRejectsBeyondBurst(t *testing.T) {
	m := New(Config{
		Provider:      "testprov",
		MaxConcurrent: 100,
		DefaultTier:   TierConfig{ResetMode: types.ResetPerModel, ConcurrencyMult: 1, RateLimitRPS: 1, RateLimitBurst: 1},
	})

	require.NoError(t, m.BeginAttempt("cred1", "model-a", 0))
	err := m.BeginAttempt("cred1", "model-a", 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrOverloaded)
}

func TestApplyBaseline_SeedsUsageRecordAndCache(t *testing.T) {
	m := testManager()
	m.ApplyBaseline("cred1", map[string]float64{"model-a": 0.42})

	cached, ok := m.CachedBaseline("cred1")
	require.True(t, ok)
	assert.Equal(t, 0.42, cached["model-a"])

	snap := m.Snapshot("cred1")
	rec := snap.Usage["model-a"]
	assert.True(t, rec.HasBaseline)
	assert.Equal(t, 0.42, rec.BaselineRemaining)
}
