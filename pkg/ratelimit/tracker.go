package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for rate limit tracking.
var (
	rateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coingecko_rate_limited_total",
		Help: "Total number of 429 responses received from CoinGecko",
	})

	rateLimitConsecutive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "coingecko_rate_limit_consecutive",
		Help: "Number of consecutive 429 responses since the last success",
	})

	rateLimitRetryAfterSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coingecko_rate_limit_retry_after_seconds",
		Help:    "Retry-After values announced by CoinGecko",
		Buckets: []float64{1, 5, 10, 30, 60, 120},
	})
)

// Tracker records upstream rate-limit signals. It is safe for concurrent use.
type Tracker struct {
	mu     sync.Mutex
	state  RateLimitState
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a new rate limit tracker.
func NewTracker(logger zerolog.Logger) *Tracker {
	return &Tracker{
		logger: logger,
		now:    time.Now,
	}
}

// Observe updates the state from an upstream response.
// A 429 marks the tracker as limited (until Retry-After, if present);
// any 2xx clears the consecutive counter.
func (t *Tracker) Observe(statusCode int, headers http.Header) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case statusCode == http.StatusTooManyRequests:
		t.state.LastLimited = now
		t.state.ConsecutiveLimits++
		t.state.TotalLimits++

		if wait, ok := ParseRetryAfter(headers.Get("Retry-After"), now); ok {
			t.state.LimitedUntil = now.Add(wait)
			rateLimitRetryAfterSeconds.Observe(wait.Seconds())
		}

		rateLimitedTotal.Inc()
		rateLimitConsecutive.Set(float64(t.state.ConsecutiveLimits))

		t.logger.Warn().
			Int("consecutive_limits", t.state.ConsecutiveLimits).
			Dur("retry_after", t.state.TimeUntilReset(now)).
			Msg("CoinGecko rate limit hit")

	case statusCode >= 200 && statusCode < 300:
		if t.state.ConsecutiveLimits > 0 {
			t.logger.Info().
				Int("consecutive_limits", t.state.ConsecutiveLimits).
				Msg("CoinGecko rate limit cleared")
		}
		t.state.ConsecutiveLimits = 0
		t.state.LimitedUntil = time.Time{}
		rateLimitConsecutive.Set(0)
	}
}

// State returns a snapshot of the current state.
func (t *Tracker) State() RateLimitState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// RetryAfter returns how long upstream asked us to wait from now.
// Returns 0 if no wait is pending.
func (t *Tracker) RetryAfter() time.Duration {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.TimeUntilReset(now)
}

// ParseRetryAfter parses a Retry-After header value given either as
// delay-seconds or as an HTTP date.
func ParseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}

	if at, err := http.ParseTime(value); err == nil {
		wait := at.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}

	return 0, false
}
