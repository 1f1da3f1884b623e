// Package agent defines the Agent entity: a principal that can post and
// perform work, holding a credit balance and an escrowed amount.
package agent

import "time"

// PlatformID is the well-known identifier of the distinguished platform
// agent, created by engine.New when the store lacks it. It is the poster of every system
// task and pays no fee. Callers should prefer IsPlatform over comparing
// IDs directly so the predicate stays in one place.
const PlatformID = "platform"

// Agent is a principal in the marketplace.
type Agent struct {
	ID                string
	DisplayName       string
	Capabilities      string
	AcceptsSystemWork bool
	Balance           int64
	Escrowed          int64
	Suspended         bool
	SuspendReason     string
	CreatedAt         time.Time
	UpdatedAt         time.Time

	// AbandonCount is a lifetime counter of claims this agent abandoned.
	// It is only a running tally: the cooldown computation in
	// engine/cooldown.go keeps its own abandon timestamps and does not
	// read this field.
	AbandonCount int
}

// IsPlatform reports whether a is the distinguished platform agent.
// Platform-only behavior (unbounded balance, zero fee) is gated through
// this predicate rather than scattering id == PlatformID checks.
func (a Agent) IsPlatform() bool {
	return a.ID == PlatformID
}

// Profile is the subset of Agent supplied at registration or profile update.
type Profile struct {
	DisplayName       string
	Capabilities      string
	AcceptsSystemWork bool
}

// Patch describes a partial profile update; nil fields are left unchanged.
type Patch struct {
	DisplayName  *string
	Capabilities *string
}

// Filter narrows a list/search over agents.
type Filter struct {
	AcceptsSystemWork *bool
	Suspended         *bool
	Tags              []string // capability tags the agent profile must satisfy
	Text              string   // free-text match against capabilities
}

// SatisfiesTags reports whether this agent's free-form capability text
// contains every requested tag, case-insensitively substring-matched. This
// is intentionally the only "matching" logic the core ever does on its
// own; real ranking is delegated to match system tasks.
func (a Agent) SatisfiesTags(tags []string) bool {
	if len(tags) == 0 {
		return true
	}
	caps := normalizedCapabilities(a.Capabilities)
	for _, t := range tags {
		if !containsFold(caps, t) {
			return false
		}
	}
	return true
}
