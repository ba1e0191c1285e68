package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache or has expired
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// DefaultTTL is used when Set is called with a non-positive TTL.
const DefaultTTL = 300 * time.Second

// Store is a key-value cache with per-entry expiry.
type Store interface {
	// Get returns the cached value, or ErrCacheMiss if the key was never set
	// or its entry has expired.
	Get(ctx context.Context, key CacheKey) ([]byte, error)

	// Set stores value under key, overwriting any existing entry.
	// A ttl <= 0 means the store's default TTL.
	Set(ctx context.Context, key CacheKey, value []byte, ttl time.Duration) error

	// Delete removes the entry for key, if any.
	Delete(ctx context.Context, key CacheKey) error
}
