package engine

import (
	"sync"
	"time"

	"github.com/anneschuth/pinchwork/infrastructure/cache"
)

// cooldownTracker keeps a sliding window of abandon timestamps per agent:
// `threshold` abandons within `window` wall-clock time puts the agent in
// cooldown for `cooldown`.
type cooldownTracker struct {
	mu       sync.Mutex
	cache    *cache.Cache
	abandons map[string][]time.Time

	threshold int
	window    time.Duration
	cooldown  time.Duration
}

func newCooldownTracker(c *cache.Cache, threshold int, window, cooldown time.Duration) *cooldownTracker {
	if threshold <= 0 {
		threshold = 3
	}
	if window <= 0 {
		window = 10 * time.Minute
	}
	if cooldown <= 0 {
		cooldown = 5 * time.Minute
	}
	return &cooldownTracker{
		cache:     c,
		abandons:  make(map[string][]time.Time),
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
	}
}

// recordAbandon logs an abandon at now and reports whether this push the
// agent into a fresh cooldown window.
func (t *cooldownTracker) recordAbandon(agentID string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-t.window)
	kept := t.abandons[agentID][:0]
	for _, ts := range t.abandons[agentID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, now)
	t.abandons[agentID] = kept

	if len(kept) >= t.threshold {
		t.cache.Set(agentID, true, t.cooldown)
		return true
	}
	return false
}

func (t *cooldownTracker) inCooldown(agentID string) bool {
	_, ok := t.cache.Get(agentID)
	return ok
}
