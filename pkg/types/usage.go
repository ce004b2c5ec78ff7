package types

import "time"

// ResetMode selects how a usage window resets for a given priority tier.
type ResetMode string

const (
	// ResetPerModel rolls a model's window over only when an authoritative
	// provider-reported QuotaResetAt has passed.
	ResetPerModel ResetMode = "per_model"
	// ResetCredential rolls every model on the credential over together on
	// a fixed WindowDuration, independent of any provider-reported reset.
	ResetCredential ResetMode = "per_credential"
	// ResetDaily rolls the window over at a fixed hour UTC each day.
	ResetDaily ResetMode = "daily"
)

// UsageRecord is one (credential, model) accounting window.
type UsageRecord struct {
	WindowStart       time.Time
	QuotaResetAt      time.Time // authoritative, from the provider; zero if unknown
	SuccessCount      int64
	PromptTokens      int64
	CompletionTokens  int64

	// Baseline fields support adapters that expose a remaining-quota
	// fraction rather than hard counters: the fraction observed at
	// BaselineFetchedAt, and the SuccessCount at that moment, let callers
	// estimate quota exhaustion between baseline refreshes.
	HasBaseline        bool
	BaselineRemaining  float64
	BaselineFetchedAt  time.Time
	RequestsAtBaseline int64

	// QuotaMaxRequests, if known, is the provider's real cap for this
	// window; custom caps are clamped to never exceed it.
	QuotaMaxRequests int64
}

// CooldownKind distinguishes why a cooldown was applied.
type CooldownKind string

const (
	// CooldownAuthLockout is a credential-wide lockout from an
	// authentication failure.
	CooldownAuthLockout CooldownKind = "auth_lockout"
	// CooldownTransient is an escalating cooldown from repeated
	// rate-limit/server-error outcomes with no authoritative reset hint.
	CooldownTransient CooldownKind = "transient"
	// CooldownQuotaAuthority is a cooldown pinned to a provider-reported
	// quota reset time.
	CooldownQuotaAuthority CooldownKind = "quota_authority"
	// CooldownCustomCap is a cooldown applied by a configured request cap.
	CooldownCustomCap CooldownKind = "custom_cap"
)

// Cooldown excludes a (credential[, model]) pair from selection until
// ExpiresAt. An empty Model means the cooldown is credential-wide.
type Cooldown struct {
	Kind      CooldownKind
	Model     string // "" => credential-wide
	ExpiresAt time.Time
}

// CredentialAggregate holds lifetime counters for a credential, independent
// of per-model window resets.
type CredentialAggregate struct {
	SuccessCount     int64
	PromptTokens     int64
	CompletionTokens int64
	// ConsecutiveModelFailures counts failures since the last success per
	// model; the dead-key heuristic watches how many distinct models have
	// a non-zero entry within a recent window.
	ConsecutiveModelFailures map[string]int
}

// QuotaGroup is a named set of models sharing one upstream quota bucket.
type QuotaGroup struct {
	Name   string
	Models []string
}

// CustomCap is a configured (tier, model-or-group) -> (cap, cooldown
// policy) override.
type CustomCap struct {
	Tier           string // "" matches any tier ("default")
	ModelOrGroup   string
	IsGroup        bool
	Cap            int64
	CooldownPolicy CooldownPolicy
}

// CooldownPolicy describes how long a custom cap's cooldown lasts.
type CooldownPolicy struct {
	Mode   CooldownPolicyMode
	Offset time.Duration // used by ModeOffset and ModeFixed
}

type CooldownPolicyMode string

const (
	CooldownModeQuotaReset CooldownPolicyMode = "quota_reset"
	CooldownModeOffset     CooldownPolicyMode = "offset"
	CooldownModeFixed      CooldownPolicyMode = "fixed" // window_start + offset
)
