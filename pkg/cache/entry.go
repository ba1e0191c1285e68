package cache

import (
	"time"
)

// CacheEntry represents a cached, already-normalized upstream response.
type CacheEntry struct {
	// Key is the rendered cache key
	Key string `json:"key"`

	// Value is the JSON document served to clients
	Value []byte `json:"value"`

	// ExpiresAt is when the entry stops being served
	ExpiresAt time.Time `json:"expires_at"`
}

// IsExpired reports whether the entry is expired at the given time.
// An entry is expired from ExpiresAt onwards.
func (e *CacheEntry) IsExpired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// TTL returns the time until expiration.
// Returns 0 if already expired.
func (e *CacheEntry) TTL(now time.Time) time.Duration {
	ttl := e.ExpiresAt.Sub(now)
	if ttl < 0 {
		return 0
	}
	return ttl
}
