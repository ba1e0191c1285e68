package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for retry operations.
var (
	retriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coingecko_retries_total",
		Help: "Total number of rate-limit retry attempts by operation",
	}, []string{"operation"})

	retryBackoffSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "coingecko_retry_backoff_seconds",
		Help:    "Backoff duration before rate-limit retries",
		Buckets: []float64{0, 0.5, 1, 2, 5, 10, 30, 60},
	})

	retryExhaustedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coingecko_retry_exhausted_total",
		Help: "Total number of times rate-limit retries were exhausted by operation",
	}, []string{"operation"})
)

// RetryPolicy controls how 429 responses are retried. Other errors are
// never retried.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the initial
	// request). Zero or less retries forever.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps any single delay, including Retry-After. Zero means no cap.
	MaxBackoff time.Duration

	// Multiplier is the multiplier for exponential backoff.
	Multiplier float64

	// Jitter is the fraction of randomness applied to computed backoff (0.2 = ±20%).
	Jitter float64
}

// DefaultRetryPolicy returns the bounded retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// UnboundedRetryPolicy retries 429 forever, immediately, ignoring
// Retry-After. Only cancelling the context stops it.
func UnboundedRetryPolicy() RetryPolicy {
	return RetryPolicy{}
}

// Unbounded reports whether the policy never gives up.
func (p RetryPolicy) Unbounded() bool {
	return p.MaxAttempts <= 0
}

// Backoff returns the delay before retrying after the given failed attempt
// (1-based). A Retry-After announced by upstream replaces the computed
// delay when it is longer; both are capped by MaxBackoff.
func (p RetryPolicy) Backoff(attempt int, retryAfter time.Duration) time.Duration {
	if p.InitialBackoff <= 0 && p.Unbounded() {
		return 0
	}

	backoff := float64(p.InitialBackoff)
	multiplier := p.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	for i := 1; i < attempt; i++ {
		backoff *= multiplier
		if p.MaxBackoff > 0 && backoff > float64(p.MaxBackoff) {
			backoff = float64(p.MaxBackoff)
			break
		}
	}

	if p.Jitter > 0 {
		backoff *= 1 - p.Jitter + rand.Float64()*2*p.Jitter
	}

	delay := time.Duration(backoff)
	if retryAfter > delay {
		delay = retryAfter
	}
	if p.MaxBackoff > 0 && delay > p.MaxBackoff {
		delay = p.MaxBackoff
	}

	return delay
}

// retryOnRateLimit runs fn until it returns something other than a
// rate-limited attempt, the policy gives up, or ctx is cancelled.
func retryOnRateLimit(ctx context.Context, p RetryPolicy, op string, logger zerolog.Logger, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()

		var limited *rateLimitedError
		if !errors.As(err, &limited) {
			if err == nil && attempt > 1 {
				logger.Info().
					Str("operation", op).
					Int("attempt", attempt).
					Msg("Request succeeded after rate-limit retry")
			}
			return err
		}

		if !p.Unbounded() && attempt >= p.MaxAttempts {
			retryExhaustedTotal.WithLabelValues(op).Inc()
			logger.Warn().
				Str("operation", op).
				Int("max_attempts", p.MaxAttempts).
				Msg("Rate-limit retry attempts exhausted")
			return fmt.Errorf("%w after %d attempts", ErrRateLimitExceeded, attempt)
		}

		delay := p.Backoff(attempt, limited.retryAfter)
		retriesTotal.WithLabelValues(op).Inc()
		retryBackoffSeconds.Observe(delay.Seconds())

		logger.Warn().
			Str("operation", op).
			Int("attempt", attempt).
			Dur("backoff", delay).
			Msg("Rate limited by upstream, retrying")

		if delay <= 0 {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
			}
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			logger.Warn().
				Str("operation", op).
				Int("attempt", attempt).
				Msg("Context cancelled during retry backoff")
			return fmt.Errorf("%w: %v", ErrContextCancelled, ctx.Err())
		case <-timer.C:
		}
	}
}
