// Package ratelimit implements caller-side back-off after rate limited API
// responses. Once the API answers 429, new requests are held back until the
// server's Retry-After (or an exponential back-off) has passed, so callers
// get an immediate RateLimited outcome instead of adding to the pressure.
package ratelimit

import (
	"time"
)

// Redis keys for rate limit state storage.
const (
	RedisKeyBlockedUntil = "emr:rate_limit:blocked_until"
	RedisKeyConsecutive  = "emr:rate_limit:consecutive"
	RedisKeyLastUpdate   = "emr:rate_limit:last_update"
)

// State is the current back-off state.
// It is shared across all client instances via Redis when configured.
type State struct {
	// BlockedUntil is when requests may resume (zero when not blocked).
	BlockedUntil time.Time `json:"blocked_until"`

	// Consecutive counts rate limited responses since the last success.
	Consecutive int `json:"consecutive"`

	// LastUpdate is when the state last changed.
	LastUpdate time.Time `json:"last_update"`
}

// IsBlocked reports whether requests must be held back at now.
func (s *State) IsBlocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilReset returns the remaining back-off at now.
// Returns 0 if the back-off has already passed.
func (s *State) TimeUntilReset(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsHealthy reports whether no rate limiting has been seen since the last success.
func (s *State) IsHealthy() bool {
	return s.Consecutive == 0
}
