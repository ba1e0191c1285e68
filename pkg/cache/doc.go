// Package cache provides the TTL cache that sits in front of the CoinGecko
// client.
//
// Two stores implement the Store interface:
//
//   - Memory: process-local map with lazy expiry on read and a periodic
//     background sweep. This is the default.
//   - Manager: Redis-backed store for deployments that run several proxy
//     instances and want to share one cache.
//
// Neither store bounds its size. Entries leave the cache only when they
// expire or are overwritten.
//
// # Basic Usage
//
//	store := cache.NewMemory(cache.DefaultMemoryConfig())
//	defer store.Close()
//
//	key := cache.CacheKey{
//		Kind: "coin",
//		Params: []cache.Param{
//			{Name: "id", Value: "bitcoin"},
//		},
//	}
//
//	data, err := store.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch upstream, then:
//		_ = store.Set(ctx, key, body, 0) // 0 = store default TTL
//	}
//
// # Cache Keys
//
// CacheKey renders a deterministic string of the form
//
//	cg:<kind>:<name>=<value>:<name>=<value>
//
// Params keep the order they are declared in. Values are query-escaped, so
// the ':' delimiter never appears inside a value and two different queries
// cannot render the same key.
//
// # Metrics
//
//   - coingecko_cache_hits_total{layer} - Cache hits
//   - coingecko_cache_misses_total{layer} - Cache misses
//   - coingecko_cache_entries{layer} - Live entries (memory layer only)
//   - coingecko_cache_expired_total{layer} - Entries dropped on expiry
//   - coingecko_cache_errors_total{layer, operation} - Backend errors
package cache
