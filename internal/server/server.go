// Package server exposes the market data service over HTTP.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/Sternrassler/coin-market-proxy/pkg/coins"
	"github.com/Sternrassler/coin-market-proxy/pkg/metrics"
	"github.com/Sternrassler/coin-market-proxy/pkg/ratelimit"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coingecko_proxy_http_requests_total",
		Help: "Inbound HTTP requests by route and status",
	}, []string{"route", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coingecko_proxy_http_request_duration_seconds",
		Help:    "Inbound HTTP request duration in seconds by route",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
)

// MarketData is the service the coin routes are served from.
type MarketData interface {
	ListMarkets(ctx context.Context, q coins.MarketsQuery) (*coins.Result, error)
	GetDetail(ctx context.Context, q coins.DetailQuery) (*coins.Result, error)
	GetHistory(ctx context.Context, q coins.HistoryQuery) (*coins.Result, error)
	Search(ctx context.Context, q coins.SearchQuery) (*coins.Result, error)
}

var _ MarketData = (*coins.Service)(nil)

// Pinger checks a shared cache backend for readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RateLimitReporter exposes the upstream rate-limit state.
type RateLimitReporter interface {
	RateLimitState() ratelimit.RateLimitState
}

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Service MarketData

	// Cache is pinged by /ready; nil when the cache is in-process
	Cache Pinger

	// RateLimits feeds /ready and Retry-After on 503; optional
	RateLimits RateLimitReporter

	Logger zerolog.Logger
}

// NewRouter builds the HTTP handler. Coin routes are served at the root
// and under /api.
func NewRouter(deps Deps) http.Handler {
	h := &handlers{
		svc:        deps.Service,
		cache:      deps.Cache,
		rateLimits: deps.RateLimits,
		now:        time.Now,
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(hlog.NewHandler(deps.Logger))
	r.Use(accessLog)
	r.Use(middleware.Recoverer)
	r.Use(instrument)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		ExposedHeaders: []string{"X-Cache", "Retry-After"},
		MaxAge:         300,
	}))

	r.Get("/health", h.health)
	r.Get("/ready", h.ready)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	coinRoutes := func(r chi.Router) {
		r.Get("/coins/markets", h.listMarkets)
		r.Get("/coins/search", h.search)
		r.Get("/coins/", h.detail)
		r.Get("/coins/{id}", h.detail)
		r.Get("/coins/{id}/market_chart", h.history)
	}
	coinRoutes(r)
	r.Route("/api", coinRoutes)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Not found")
	})

	return r
}

// accessLog writes one summary line per request.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("remote_ip", r.RemoteAddr).
			Int("status", ww.Status()).
			Int("size", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("cache", ww.Header().Get("X-Cache")).
			Msg("Request served")
	})
}

// instrument records per-route request metrics. The route label is the
// chi pattern, so coin ids do not explode cardinality.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
