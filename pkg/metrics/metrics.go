// Package metrics provides the Prometheus registry and exposition handler
// for the proxy. All metrics are defined in their respective packages
// (client, cache, ratelimit, coins, server) to maintain modularity and avoid
// circular dependencies.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the proxy.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the source Handler exposes.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics exposition handler.
func Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(
		Registry,
		promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{}),
	)
}

// Metrics Documentation
//
// Rate Limit Metrics (pkg/ratelimit):
//   - coingecko_rate_limited_total (Counter): 429 responses received
//   - coingecko_rate_limit_consecutive (Gauge): 429s since the last success
//   - coingecko_rate_limit_retry_after_seconds (Histogram): Retry-After values sent by upstream
//
// Cache Metrics (pkg/cache):
//   - coingecko_cache_hits_total{layer} (Counter): Cache hits by layer (memory, redis)
//   - coingecko_cache_misses_total{layer} (Counter): Cache misses by layer
//   - coingecko_cache_entries{layer} (Gauge): Entries currently held
//   - coingecko_cache_expired_total{layer} (Counter): Entries removed on expiry
//   - coingecko_cache_errors_total{layer, operation} (Counter): Backend errors
//
// Request Metrics (pkg/client):
//   - coingecko_requests_total{operation, status} (Counter): Upstream requests
//   - coingecko_request_duration_seconds{operation} (Histogram): Upstream latency
//   - coingecko_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, decode)
//
// Retry Metrics (pkg/client):
//   - coingecko_retries_total{operation} (Counter): Retries after a 429
//   - coingecko_retry_backoff_seconds (Histogram): Wait before each retry
//   - coingecko_retry_exhausted_total{operation} (Counter): Requests that ran out of attempts
//
// Service Metrics (pkg/coins):
//   - coingecko_proxy_collapsed_misses_total{operation} (Counter): Misses served by an in-flight fetch
//
// HTTP Metrics (internal/server):
//   - coingecko_proxy_http_requests_total{route, status} (Counter): Inbound requests
//   - coingecko_proxy_http_request_duration_seconds{route} (Histogram): Inbound latency
//
// Example Prometheus Queries:
//
//   # Cache Hit Rate
//   sum(rate(coingecko_cache_hits_total[5m])) /
//   (sum(rate(coingecko_cache_hits_total[5m])) + sum(rate(coingecko_cache_misses_total[5m])))
//
//   # Upstream 429 Rate
//   rate(coingecko_rate_limited_total[5m])
//
//   # P95 Upstream Latency
//   histogram_quantile(0.95, rate(coingecko_request_duration_seconds_bucket[5m]))
