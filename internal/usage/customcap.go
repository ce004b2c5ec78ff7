package usage

import (
	"strconv"
	"time"

	"github.com/relayforge/llmgateway/pkg/types"
)

// resolveCap finds the custom cap that applies to (tier, model), using the
// priority order: tier+model > tier+group > default+model
// > default+group > none.
func (m *Manager) resolveCap(tier int, model string) (*types.CustomCap, bool) {
	tierStr := strconv.Itoa(tier)
	group := m.modelGroup[model]

	match := func(wantTier string) (*types.CustomCap, bool) {
		for i := range m.cfg.CustomCaps {
			c := &m.cfg.CustomCaps[i]
			if c.Tier != wantTier {
				continue
			}
			if !c.IsGroup && c.ModelOrGroup == model {
				return c, true
			}
		}
		for i := range m.cfg.CustomCaps {
			c := &m.cfg.CustomCaps[i]
			if c.Tier != wantTier {
				continue
			}
			if c.IsGroup && group != "" && c.ModelOrGroup == group {
				return c, true
			}
		}
		return nil, false
	}

	if c, ok := match(tierStr); ok {
		return c, true
	}
	return match("")
}

// checkCustomCapLocked applies a configured request cap after a successful
// attempt, clamping the cap at or below the real quota and the resulting
// cooldown at or after the natural reset.
func (m *Manager) checkCustomCapLocked(cs *credentialState, credID, model string, tier int, rec *types.UsageRecord, now time.Time) {
	capCfg, ok := m.resolveCap(tier, model)
	if !ok {
		return
	}

	effectiveCap := capCfg.Cap
	if rec.QuotaMaxRequests > 0 && effectiveCap > rec.QuotaMaxRequests {
		effectiveCap = rec.QuotaMaxRequests
	}
	if rec.SuccessCount < effectiveCap {
		return
	}

	expiry := m.resolveCooldownExpiry(capCfg, rec, now)
	m.setCooldownLocked(cs, credID, model, types.Cooldown{
		Kind: types.CooldownCustomCap, Model: model, ExpiresAt: expiry,
	}, now)
}

func (m *Manager) resolveCooldownExpiry(capCfg *types.CustomCap, rec *types.UsageRecord, now time.Time) time.Time {
	var expiry time.Time
	switch capCfg.CooldownPolicy.Mode {
	case types.CooldownModeOffset:
		expiry = now.Add(capCfg.CooldownPolicy.Offset)
	case types.CooldownModeFixed:
		expiry = rec.WindowStart.Add(capCfg.CooldownPolicy.Offset)
	default: // CooldownModeQuotaReset
		expiry = rec.QuotaResetAt
	}

	if !rec.QuotaResetAt.IsZero() && expiry.Before(rec.QuotaResetAt) {
		expiry = rec.QuotaResetAt // never shorter than the natural reset
	}
	if expiry.IsZero() {
		expiry = now.Add(time.Hour)
	}
	return expiry
}
