// Package usage implements the Usage & Quota Manager (C4): per-credential,
// per-model usage windows, cooldowns, quota groups, and custom caps.
// The manager is scoped to a single provider; the engine constructs one
// per provider it has credentials for.
package usage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	gwerrors "github.com/relayforge/llmgateway/pkg/errors"
	"github.com/relayforge/llmgateway/pkg/types"

	"github.com/relayforge/llmgateway/internal/metrics"
	"github.com/relayforge/llmgateway/internal/persist"
)

// escalatingCooldowns is the transient-cooldown escalation ladder from
// RateLimit/ServerError without an authoritative upstream reset hint.
var escalatingCooldowns = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second}

// AuthLockoutDuration is the fixed credential-wide lockout applied on an
// Authentication outcome.
const AuthLockoutDuration = 5 * time.Minute

// ExhaustionCooldownThreshold is the default minimum cooldown duration that
// marks a credential fair-cycle exhausted; Config.ExhaustionThreshold
// overrides it.
const ExhaustionCooldownThreshold = 5 * time.Minute

// DeadKeyFailureThreshold is the number of distinct models that must have
// failed within DeadKeyWindow before a credential is treated as dead and
// locked out credential-wide.
const DeadKeyFailureThreshold = 3

// DeadKeyWindow bounds how recent a distinct-model failure must be to
// count toward DeadKeyFailureThreshold.
const DeadKeyWindow = 10 * time.Minute

// TierConfig configures accounting for one priority tier.
type TierConfig struct {
	// ConcurrencyMult scales Config.MaxConcurrent for credentials at this
	// tier; <= 0 is treated as 1.
	ConcurrencyMult float64
	ResetMode       types.ResetMode
	// WindowDuration is the fixed window length for ResetCredential.
	WindowDuration time.Duration
	// DailyResetHourUTC is the rollover hour for ResetDaily.
	DailyResetHourUTC int

	// RateLimitRPS, if > 0, layers a token-bucket throttle under the
	// concurrency-slot cap: BeginAttempt rejects with ErrOverloaded once
	// the bucket is empty, independent of how many slots are free.
	RateLimitRPS   float64
	RateLimitBurst int
}

// Config configures a Manager for one provider.
type Config struct {
	Provider string

	// MaxConcurrent is the base concurrency slot count per credential,
	// scaled by the active tier's ConcurrencyMult.
	MaxConcurrent int

	DefaultTier TierConfig
	Tiers       map[int]TierConfig

	QuotaGroups []types.QuotaGroup
	CustomCaps  []types.CustomCap

	// FairCycleEnabled marks a credential exhausted whenever a cooldown of
	// at least ExhaustionThreshold is applied to it (on any model or
	// credential-wide), and IsExhausted then reports it excluded until
	// every credential of the provider is exhausted or FairCycleDuration
	// passes. Exhaustion is tracked per provider, not per quota group,
	// and selecting a credential does not by itself mark it.
	FairCycleEnabled  bool
	FairCycleDuration time.Duration
	// ExhaustionThreshold is the minimum cooldown duration that marks a
	// credential fair-cycle exhausted. Defaults to
	// ExhaustionCooldownThreshold.
	ExhaustionThreshold time.Duration

	// Writer and StatePath, if both set, persist usage/cooldown state
	// through the resilient writer, debounced by Debounce.
	Writer    *persist.Writer
	StatePath string
	Debounce  time.Duration

	// RedisMirror, if set, additionally shadows cooldown expiries into
	// Redis on every flush.
	RedisMirror *redis.Client

	// BaselineCacheTTL bounds how long a QuotaBaseline fetch from an
	// adapter's background job is trusted before ApplyBaseline's caller
	// should refetch. Defaults to DefaultBaselineCacheTTL.
	BaselineCacheTTL time.Duration

	// Metrics, if set, records cooldown counts, in-flight gauges, and
	// attributed token counts. Nil disables instrumentation.
	Metrics *metrics.Registry

	Logger *slog.Logger
}

// DefaultBaselineCacheTTL is how long a quota-baseline fraction is
// memoized when no Config.BaselineCacheTTL is set.
const DefaultBaselineCacheTTL = 5 * time.Minute

type credentialState struct {
	mu sync.Mutex

	usage     map[string]*types.UsageRecord // model -> record
	cooldowns map[string]types.Cooldown     // model -> cooldown, "" key is credential-wide
	inFlight  map[string]int                // model -> concurrent attempt count
	streak    map[string]int                // model -> consecutive-failure escalation index
	aggregate types.CredentialAggregate

	// recentFailures supports the dead-key heuristic: timestamps of
	// distinct-model failures within DeadKeyWindow.
	recentFailureModels map[string]time.Time

	// limiter enforces Config/TierConfig.RateLimitRPS, created lazily
	// against the tier active when the credential is first seen.
	limiter *rate.Limiter
}

func newCredentialState() *credentialState {
	return &credentialState{
		usage:               make(map[string]*types.UsageRecord),
		cooldowns:           make(map[string]types.Cooldown),
		inFlight:            make(map[string]int),
		streak:              make(map[string]int),
		recentFailureModels: make(map[string]time.Time),
		aggregate:           types.CredentialAggregate{ConsecutiveModelFailures: make(map[string]int)},
	}
}

// Manager is the C4 state owner for one provider. Safe for concurrent use;
// every (credential, model) pair is serialized by that credential's mutex.
type Manager struct {
	cfg Config

	mu    sync.RWMutex
	creds map[string]*credentialState // credential id -> state

	modelGroup map[string]string   // model -> group name
	groupModels map[string][]string // group name -> models

	fair *FairCycleTracker

	persistTimer *time.Timer
	persistMu    sync.Mutex

	// baselines memoizes an adapter's QuotaBaseline fetch per credential,
	// so the background job that refreshes it doesn't refetch every
	// attempt's worth of remaining-quota fraction.
	baselines *gocache.Cache

	logger *slog.Logger
}

// New constructs a Manager for one provider.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ExhaustionThreshold == 0 {
		cfg.ExhaustionThreshold = ExhaustionCooldownThreshold
	}
	if cfg.FairCycleDuration == 0 {
		cfg.FairCycleDuration = 10 * time.Minute
	}
	if cfg.BaselineCacheTTL == 0 {
		cfg.BaselineCacheTTL = DefaultBaselineCacheTTL
	}

	modelGroup := make(map[string]string)
	groupModels := make(map[string][]string)
	for _, g := range cfg.QuotaGroups {
		groupModels[g.Name] = append([]string{}, g.Models...)
		for _, m := range g.Models {
			modelGroup[m] = g.Name
		}
	}

	return &Manager{
		cfg:         cfg,
		creds:       make(map[string]*credentialState),
		modelGroup:  modelGroup,
		groupModels: groupModels,
		fair:        NewFairCycleTracker(cfg.FairCycleDuration),
		baselines:   gocache.New(cfg.BaselineCacheTTL, cfg.BaselineCacheTTL*2),
		logger:      cfg.Logger,
	}
}

func (m *Manager) state(credID string) *credentialState {
	m.mu.RLock()
	cs, ok := m.creds[credID]
	m.mu.RUnlock()
	if ok {
		return cs
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if cs, ok = m.creds[credID]; ok {
		return cs
	}
	cs = newCredentialState()
	m.creds[credID] = cs
	return cs
}

func (m *Manager) tierConfig(tier int) TierConfig {
	if tc, ok := m.cfg.Tiers[tier]; ok {
		return tc
	}
	return m.cfg.DefaultTier
}

// ErrOverloaded is returned by BeginAttempt when the concurrency slot for a
// credential cannot be taken immediately; the scheduler (C5) treats this
// as "try the next candidate" rather than a hard failure.
var ErrOverloaded = gwerrors.New(gwerrors.KindOverloaded, "", "", "concurrency slot unavailable")

// BeginAttempt reserves a concurrency slot for (credential, model) against
// max_concurrent * tier_multiplier(tier), matching upstream account-level
// concurrency limits.
func (m *Manager) BeginAttempt(credID, model string, tier int) error {
	cs := m.state(credID)
	tc := m.tierConfig(tier)
	mult := tc.ConcurrencyMult
	if mult <= 0 {
		mult = 1
	}
	slots := int(float64(m.cfg.MaxConcurrent) * mult)
	if slots <= 0 {
		slots = 1
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if tc.RateLimitRPS > 0 {
		if cs.limiter == nil {
			burst := tc.RateLimitBurst
			if burst <= 0 {
				burst = 1
			}
			cs.limiter = rate.NewLimiter(rate.Limit(tc.RateLimitRPS), burst)
		}
		if !cs.limiter.Allow() {
			return ErrOverloaded
		}
	}

	total := 0
	for _, n := range cs.inFlight {
		total += n
	}
	if total >= slots {
		return ErrOverloaded
	}
	cs.inFlight[model]++
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.InFlight.WithLabelValues(m.cfg.Provider, model).Inc()
	}
	return nil
}

// Outcome is what the dispatch executor reports back to EndAttempt.
type Outcome struct {
	Success          bool
	PromptTokens     int64
	CompletionTokens int64
	Err              *gwerrors.GatewayError // nil when Success is true
	BaselineFraction *float64               // optional adapter-reported remaining quota fraction
}

// EndAttempt releases the concurrency slot taken by BeginAttempt and
// applies the usage/cooldown update for the outcome.
func (m *Manager) EndAttempt(credID, model string, tier int, out Outcome) {
	cs := m.state(credID)
	tc := m.tierConfig(tier)
	defer m.Persist(context.Background())

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cs.inFlight[model] > 0 {
		cs.inFlight[model]--
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.InFlight.WithLabelValues(m.cfg.Provider, model).Dec()
		}
	}

	now := time.Now()
	rec := cs.usageRecordLocked(model)
	m.maybeRolloverLocked(rec, tc, now)

	if out.Success {
		cs.streak[model] = 0
		rec.SuccessCount++
		rec.PromptTokens += out.PromptTokens
		rec.CompletionTokens += out.CompletionTokens
		cs.aggregate.SuccessCount++
		cs.aggregate.PromptTokens += out.PromptTokens
		cs.aggregate.CompletionTokens += out.CompletionTokens
		cs.aggregate.ConsecutiveModelFailures[model] = 0
		if m.cfg.Metrics != nil {
			m.cfg.Metrics.TokensTotal.WithLabelValues(m.cfg.Provider, "prompt").Add(float64(out.PromptTokens))
			m.cfg.Metrics.TokensTotal.WithLabelValues(m.cfg.Provider, "completion").Add(float64(out.CompletionTokens))
		}
		if out.BaselineFraction != nil {
			rec.HasBaseline = true
			rec.BaselineRemaining = *out.BaselineFraction
			rec.BaselineFetchedAt = now
			rec.RequestsAtBaseline = rec.SuccessCount
		}
		m.checkCustomCapLocked(cs, credID, model, tier, rec, now)
		return
	}

	m.applyFailureLocked(cs, credID, model, tier, out.Err, now)
}

// applyFailureLocked implements the error-kind-driven cooldown policy.
// Caller holds cs.mu.
func (m *Manager) applyFailureLocked(cs *credentialState, credID, model string, tier int, gwErr *gwerrors.GatewayError, now time.Time) {
	if gwErr == nil {
		return
	}

	cs.aggregate.ConsecutiveModelFailures[model]++
	cs.recentFailureModels[model] = now
	m.pruneDeadKeyWindowLocked(cs, now)

	switch gwErr.Kind {
	case gwerrors.KindAuthentication:
		m.setCooldownLocked(cs, credID, "", types.Cooldown{
			Kind: types.CooldownAuthLockout, ExpiresAt: now.Add(AuthLockoutDuration),
		}, now)
		return

	case gwerrors.KindQuota, gwerrors.KindRateLimit:
		if gwErr.QuotaResetUnixMS > 0 {
			resetAt := time.UnixMilli(gwErr.QuotaResetUnixMS)
			m.ApplyQuotaResetLocked(cs, credID, model, resetAt, now)
			return
		}
		if gwErr.RetryAfterSeconds > 0 {
			resetAt := now.Add(time.Duration(gwErr.RetryAfterSeconds) * time.Second)
			m.ApplyQuotaResetLocked(cs, credID, model, resetAt, now)
			return
		}
		// No parseable hint: escalating transient cooldown.
		m.applyEscalatingCooldownLocked(cs, credID, model, now)

	case gwerrors.KindTransientQuota:
		// Deliberately no cooldown here: a bare rate limit with no hint preserves
		// throughput; the executor has already exhausted in-adapter
		// retries and will rotate without penalizing the credential.
		return

	case gwerrors.KindServerError, gwerrors.KindTimeout, gwerrors.KindUnknown:
		m.applyEscalatingCooldownLocked(cs, credID, model, now)

	default:
		// ContextLength, ContentFilter, NotFound: non-retryable, no
		// cooldown of their own — the failure is the caller's to surface.
		// They still count toward the dead-key check below.
	}

	if len(cs.recentFailureModels) >= DeadKeyFailureThreshold {
		m.setCooldownLocked(cs, credID, "", types.Cooldown{
			Kind: types.CooldownAuthLockout, ExpiresAt: now.Add(AuthLockoutDuration),
		}, now)
	}
}

func (m *Manager) pruneDeadKeyWindowLocked(cs *credentialState, now time.Time) {
	for model, t := range cs.recentFailureModels {
		if now.Sub(t) > DeadKeyWindow {
			delete(cs.recentFailureModels, model)
		}
	}
}

func (m *Manager) applyEscalatingCooldownLocked(cs *credentialState, credID, model string, now time.Time) {
	idx := cs.streak[model]
	if idx >= len(escalatingCooldowns) {
		idx = len(escalatingCooldowns) - 1
	}
	d := escalatingCooldowns[idx]
	cs.streak[model] = idx + 1
	m.setCooldownLocked(cs, credID, model, types.Cooldown{
		Kind: types.CooldownTransient, Model: model, ExpiresAt: now.Add(d),
	}, now)
}

// setCooldownLocked installs cd and, if its duration crosses the
// exhaustion threshold, marks the credential fair-cycle exhausted.
// Caller holds cs.mu.
func (m *Manager) setCooldownLocked(cs *credentialState, credID, key string, cd types.Cooldown, now time.Time) {
	if existing, ok := cs.cooldowns[key]; ok && existing.ExpiresAt.After(cd.ExpiresAt) {
		return // never shorten an existing cooldown
	}
	cs.cooldowns[key] = cd

	if m.cfg.Metrics != nil {
		m.cfg.Metrics.CooldownsTotal.WithLabelValues(m.cfg.Provider, string(cd.Kind)).Inc()
	}

	if m.cfg.FairCycleEnabled && cd.ExpiresAt.Sub(now) >= m.cfg.ExhaustionThreshold {
		m.fair.MarkExhausted(m.cfg.Provider, credID, now)
	}

	if m.cfg.Logger != nil {
		m.cfg.Logger.Info("usage: cooldown applied",
			"provider", m.cfg.Provider, "credential", credID, "model", key,
			"kind", cd.Kind, "expires_at", cd.ExpiresAt)
	}
}

// ApplyQuotaReset sets quota_reset_ts on model and propagates it to every
// member of its quota group.
func (m *Manager) ApplyQuotaReset(credID, model string, resetAt time.Time) {
	cs := m.state(credID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	m.ApplyQuotaResetLocked(cs, credID, model, resetAt, time.Now())
}

func (m *Manager) ApplyQuotaResetLocked(cs *credentialState, credID, model string, resetAt time.Time, now time.Time) {
	members := m.groupMembersOf(model)
	for _, mdl := range members {
		rec := cs.usageRecordLocked(mdl)
		if rec.QuotaResetAt.Before(resetAt) {
			rec.QuotaResetAt = resetAt
		}
		cd := types.Cooldown{Kind: types.CooldownQuotaAuthority, Model: mdl, ExpiresAt: rec.QuotaResetAt}
		m.setCooldownLocked(cs, credID, mdl, cd, now)
	}
}

// groupMembersOf returns model plus every other member of its quota group
// (itself only, if ungrouped).
func (m *Manager) groupMembersOf(model string) []string {
	group, ok := m.modelGroup[model]
	if !ok {
		return []string{model}
	}
	return m.groupModels[group]
}

// IsAvailable reports whether (credential, model) may currently be
// selected: not on an active cooldown (credential-wide or model-specific)
// and under any applicable custom cap.
func (m *Manager) IsAvailable(credID, model string, now time.Time) bool {
	cs := m.state(credID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if cd, ok := cs.cooldowns[""]; ok && now.Before(cd.ExpiresAt) {
		return false
	}
	if cd, ok := cs.cooldowns[model]; ok && now.Before(cd.ExpiresAt) {
		return false
	}
	return true
}

// NextAvailableAt returns the earliest time (credential, model) becomes
// available again, or the zero time if it already is. Used to build the
// advisory "all credentials on cooldown" error body.
func (m *Manager) NextAvailableAt(credID, model string) time.Time {
	cs := m.state(credID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var latest time.Time
	if cd, ok := cs.cooldowns[""]; ok && cd.ExpiresAt.After(latest) {
		latest = cd.ExpiresAt
	}
	if cd, ok := cs.cooldowns[model]; ok && cd.ExpiresAt.After(latest) {
		latest = cd.ExpiresAt
	}
	if !latest.After(time.Now()) {
		return time.Time{}
	}
	return latest
}

// IsExhausted reports whether credID is currently excluded from
// selection under the provider's fair-cycle rotation.
func (m *Manager) IsExhausted(credID string, allCredentials []string, now time.Time) bool {
	if !m.cfg.FairCycleEnabled {
		return false
	}
	return m.fair.IsExhausted(m.cfg.Provider, credID, allCredentials, now)
}

// usageRecordLocked returns (creating if absent) the usage record for
// model. Caller holds cs.mu.
func (cs *credentialState) usageRecordLocked(model string) *types.UsageRecord {
	rec, ok := cs.usage[model]
	if !ok {
		rec = &types.UsageRecord{WindowStart: time.Now()}
		cs.usage[model] = rec
	}
	return rec
}

// maybeRolloverLocked resets rec's counters when its window has elapsed,
// per the tier's reset mode. QuotaResetAt is preserved across a rollover
// only while it is still in the future, so a rollover never un-does a
// cooldown that is already in effect.
func (m *Manager) maybeRolloverLocked(rec *types.UsageRecord, tc TierConfig, now time.Time) {
	switch tc.ResetMode {
	case types.ResetPerModel:
		if !rec.QuotaResetAt.IsZero() && now.Before(rec.QuotaResetAt) {
			return
		}
		if rec.QuotaResetAt.IsZero() {
			return // no authoritative reset observed yet; nothing to roll over
		}
		preserve := rec.QuotaResetAt
		if preserve.Before(now) {
			preserve = time.Time{}
		}
		*rec = types.UsageRecord{WindowStart: now, QuotaResetAt: preserve}

	case types.ResetCredential:
		d := tc.WindowDuration
		if d <= 0 {
			d = time.Hour
		}
		if now.Sub(rec.WindowStart) < d {
			return
		}
		preserve := rec.QuotaResetAt
		if preserve.Before(now) {
			preserve = time.Time{}
		}
		*rec = types.UsageRecord{WindowStart: now, QuotaResetAt: preserve}

	case types.ResetDaily:
		nextReset := nextDailyBoundary(rec.WindowStart, tc.DailyResetHourUTC)
		if now.Before(nextReset) {
			return
		}
		preserve := rec.QuotaResetAt
		if preserve.Before(now) {
			preserve = time.Time{}
		}
		*rec = types.UsageRecord{WindowStart: now, QuotaResetAt: preserve}
	}
}

func nextDailyBoundary(from time.Time, hourUTC int) time.Time {
	from = from.UTC()
	boundary := time.Date(from.Year(), from.Month(), from.Day(), hourUTC, 0, 0, 0, time.UTC)
	if !boundary.After(from) {
		boundary = boundary.Add(24 * time.Hour)
	}
	return boundary
}

// InFlightCount returns the number of concurrent attempts currently
// reserved for credID across every model, used by the scheduler's
// idle/busy sub-tier partitioning.
func (m *Manager) InFlightCount(credID string) int {
	cs := m.state(credID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	total := 0
	for _, n := range cs.inFlight {
		total += n
	}
	return total
}

// RequestCount returns the successful-request count for (credential,
// model), the usage signal the scheduler's rotation modes weight on.
func (m *Manager) RequestCount(credID, model string) int64 {
	cs := m.state(credID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if rec, ok := cs.usage[model]; ok {
		return rec.SuccessCount
	}
	return 0
}

// CachedBaseline returns the most recent QuotaBaseline fetch for credID, if
// one is still within Config.BaselineCacheTTL, sparing the background job
// runner a redundant upstream call.
func (m *Manager) CachedBaseline(credID string) (map[string]float64, bool) {
	v, ok := m.baselines.Get(credID)
	if !ok {
		return nil, false
	}
	return v.(map[string]float64), true
}

// ApplyBaseline records a freshly fetched per-model remaining-quota
// fraction for credID, both in the baseline cache and onto every tracked
// model's UsageRecord so the fair-cycle and cap checks can reason about it.
func (m *Manager) ApplyBaseline(credID string, fractions map[string]float64) {
	m.baselines.SetDefault(credID, fractions)

	cs := m.state(credID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	now := time.Now()
	for model, frac := range fractions {
		rec := cs.usageRecordLocked(model)
		rec.HasBaseline = true
		rec.BaselineRemaining = frac
		rec.BaselineFetchedAt = now
		rec.RequestsAtBaseline = rec.SuccessCount
	}
}

// Snapshot returns a read-only dump of a credential's usage/cooldown state
// for the external admin status surface.
func (m *Manager) Snapshot(credID string) CredentialSnapshot {
	cs := m.state(credID)
	cs.mu.Lock()
	defer cs.mu.Unlock()

	snap := CredentialSnapshot{
		Aggregate: cs.aggregate,
		Usage:     make(map[string]types.UsageRecord, len(cs.usage)),
		Cooldowns: make(map[string]types.Cooldown, len(cs.cooldowns)),
	}
	for model, rec := range cs.usage {
		snap.Usage[model] = *rec
	}
	for key, cd := range cs.cooldowns {
		snap.Cooldowns[key] = cd
	}
	return snap
}

// CredentialSnapshot is the read-only view returned by Snapshot.
type CredentialSnapshot struct {
	Aggregate types.CredentialAggregate
	Usage     map[string]types.UsageRecord
	Cooldowns map[string]types.Cooldown
}

// Persist encodes every tracked credential's usage state and writes it via
// the resilient writer, debounced.
func (m *Manager) Persist(ctx context.Context) {
	if m.cfg.Writer == nil || m.cfg.StatePath == "" {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	debounce := m.cfg.Debounce
	if debounce <= 0 {
		debounce = 2 * time.Second
	}
	if m.persistTimer != nil {
		m.persistTimer.Stop()
	}
	m.persistTimer = time.AfterFunc(debounce, func() {
		m.flush(ctx)
	})
}

// Flush writes the current state immediately, bypassing the debounce
// timer. Called on shutdown for a final flush.
func (m *Manager) Flush(ctx context.Context) {
	m.flush(ctx)
}

func (m *Manager) flush(ctx context.Context) {
	if m.cfg.Writer == nil || m.cfg.StatePath == "" {
		return
	}
	m.mu.RLock()
	out := make(map[string]CredentialSnapshot, len(m.creds))
	for id := range m.creds {
		out[id] = m.Snapshot(id)
	}
	m.mu.RUnlock()

	m.cfg.Writer.WriteAsync(m.cfg.StatePath, out)

	if m.cfg.RedisMirror != nil {
		m.mirrorToRedis(ctx, out)
	}
}

func (m *Manager) mirrorToRedis(ctx context.Context, out map[string]CredentialSnapshot) {
	key := fmt.Sprintf("llmgateway:usage:%s", m.cfg.Provider)
	pipe := m.cfg.RedisMirror.Pipeline()
	for credID, snap := range out {
		for model, cd := range snap.Cooldowns {
			field := credID + "|" + model
			pipe.HSet(ctx, key, field, cd.ExpiresAt.UnixMilli())
		}
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.logger.Warn("usage: redis mirror failed", "provider", m.cfg.Provider, "error", err)
	}
}
