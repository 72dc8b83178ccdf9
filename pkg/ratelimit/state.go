// Package ratelimit tracks the helpdesk API's request quota and 429 cooldowns.
// It reads the X-Rate-Limit, X-Rate-Limit-Remaining and Retry-After headers
// so that every worker, and optionally every exporter process sharing a
// Redis instance, backs off together once the server starts refusing requests.
package ratelimit

import (
	"time"
)

// Thresholds for throttling decisions.
const (
	// ThrottleThreshold applies a short pause before each request once the
	// remaining quota falls below this value.
	ThrottleThreshold = 10

	// ThrottleDelay is the pause applied while throttling.
	ThrottleDelay = 1 * time.Second

	// QuotaWindow is the helpdesk's rate limit window. A quota reading older
	// than this no longer describes the current window.
	QuotaWindow = 1 * time.Minute
)

// State is the last known rate limit state for one helpdesk account.
type State struct {
	// Limit is the request quota per window from X-Rate-Limit.
	Limit int `json:"limit"`

	// Remaining is the quota left from X-Rate-Limit-Remaining.
	Remaining int `json:"remaining"`

	// QuotaKnown is true once a response carried X-Rate-Limit-Remaining.
	QuotaKnown bool `json:"quota_known"`

	// CooldownUntil is the earliest time the next request may be sent after
	// a 429 with Retry-After.
	CooldownUntil time.Time `json:"cooldown_until"`

	// LastUpdate is when this state was last written.
	LastUpdate time.Time `json:"last_update"`
}

// IsStale returns true if the state is older than maxAge.
func (s State) IsStale(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) > maxAge
}

// CooldownRemaining returns how long requests must still wait. Returns 0 once
// the cooldown has passed.
func (s State) CooldownRemaining(now time.Time) time.Duration {
	d := s.CooldownUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// NeedsThrottling returns true if the known remaining quota is low.
func (s State) NeedsThrottling() bool {
	return s.QuotaKnown && s.Remaining < ThrottleThreshold
}

// Merge combines a fresh observation into s. Quota values are replaced; the
// cooldown only ever moves forward so a concurrent success cannot cancel
// another worker's 429.
func (s State) Merge(update State) State {
	merged := update
	if s.CooldownUntil.After(update.CooldownUntil) {
		merged.CooldownUntil = s.CooldownUntil
	}
	if !update.QuotaKnown {
		merged.Limit = s.Limit
		merged.Remaining = s.Remaining
		merged.QuotaKnown = s.QuotaKnown
	}
	return merged
}
