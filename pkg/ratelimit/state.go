// Package ratelimit tracks the CoinGecko rate-limit state reported through
// HTTP 429 responses and their Retry-After headers.
package ratelimit

import (
	"time"
)

// RateLimitState represents the most recent rate-limit signal from upstream.
type RateLimitState struct {
	// LimitedUntil is when upstream said it will accept requests again.
	// Zero when no Retry-After was received.
	LimitedUntil time.Time `json:"limited_until"`

	// LastLimited is when the last 429 was observed.
	LastLimited time.Time `json:"last_limited"`

	// ConsecutiveLimits counts 429s since the last successful response.
	ConsecutiveLimits int `json:"consecutive_limits"`

	// TotalLimits counts every 429 observed by this process.
	TotalLimits int64 `json:"total_limits"`
}

// IsLimited returns true if upstream asked us to hold off until after now.
func (s *RateLimitState) IsLimited(now time.Time) bool {
	return now.Before(s.LimitedUntil)
}

// TimeUntilReset returns the duration until the limit window passes.
// Returns 0 if the reset time has already passed.
func (s *RateLimitState) TimeUntilReset(now time.Time) time.Duration {
	duration := s.LimitedUntil.Sub(now)
	if duration < 0 {
		return 0
	}
	return duration
}

// IsHealthy reports whether the last response was not rate limited.
func (s *RateLimitState) IsHealthy() bool {
	return s.ConsecutiveLimits == 0
}
