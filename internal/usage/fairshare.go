package usage

import (
	"sync"
	"time"
)

// FairCycleTracker implements the fair-cycle rotation state: per
// (provider, scope), the set of members that have exhausted their turn
// this cycle, and the cycle's start time. The set clears atomically — in
// the same critical section that observes the reset condition — never
// incrementally.
type FairCycleTracker struct {
	mu       sync.Mutex
	duration time.Duration
	scopes   map[string]*cycleState
}

type cycleState struct {
	exhausted  map[string]bool
	cycleStart time.Time
}

// NewFairCycleTracker creates a tracker whose cycles age out after d.
func NewFairCycleTracker(d time.Duration) *FairCycleTracker {
	return &FairCycleTracker{duration: d, scopes: make(map[string]*cycleState)}
}

// MarkExhausted records that member has hit a long enough cooldown to be
// excluded from scope's rotation for the remainder of the current cycle.
func (f *FairCycleTracker) MarkExhausted(scope, member string, now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.getLocked(scope, now)
	cs.exhausted[member] = true
}

// IsExhausted reports whether member is currently excluded under scope's
// fair-cycle rotation, given the full member set of the scope. It first
// resolves any pending reset (cycle aged out, or every member already
// exhausted) before answering.
func (f *FairCycleTracker) IsExhausted(scope, member string, allMembers []string, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.getLocked(scope, now)

	if f.shouldResetLocked(cs, allMembers, now) {
		cs.exhausted = make(map[string]bool)
		cs.cycleStart = now
	}
	return cs.exhausted[member]
}

func (f *FairCycleTracker) shouldResetLocked(cs *cycleState, allMembers []string, now time.Time) bool {
	if f.duration > 0 && now.Sub(cs.cycleStart) > f.duration {
		return true
	}
	if len(allMembers) == 0 {
		return false
	}
	for _, m := range allMembers {
		if !cs.exhausted[m] {
			return false
		}
	}
	return true
}

func (f *FairCycleTracker) getLocked(scope string, now time.Time) *cycleState {
	cs, ok := f.scopes[scope]
	if !ok {
		cs = &cycleState{exhausted: make(map[string]bool), cycleStart: now}
		f.scopes[scope] = cs
	}
	return cs
}
