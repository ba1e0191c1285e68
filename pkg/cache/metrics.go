package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Layer labels used by the cache metrics.
const (
	LayerMemory = "memory"
	LayerRedis  = "redis"
)

var (
	// CacheHits tracks cache hits by layer
	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coingecko_cache_hits_total",
			Help: "Total number of cache hits",
		},
		[]string{"layer"},
	)

	// CacheMisses tracks cache misses by layer
	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coingecko_cache_misses_total",
			Help: "Total number of cache misses",
		},
		[]string{"layer"},
	)

	// CacheEntries tracks the number of live entries held in process
	CacheEntries = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coingecko_cache_entries",
			Help: "Current number of cache entries",
		},
		[]string{"layer"},
	)

	// CacheExpired tracks entries removed because their TTL passed
	CacheExpired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coingecko_cache_expired_total",
			Help: "Total number of cache entries removed on expiry",
		},
		[]string{"layer"},
	)

	// CacheErrors tracks cache backend errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "coingecko_cache_errors_total",
			Help: "Total number of cache operation errors",
		},
		[]string{"layer", "operation"}, // "get", "set", "delete"
	)
)
