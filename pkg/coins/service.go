// Package coins implements the cache-fronted market data operations served
// by the proxy: markets listing, coin detail, price history and search.
//
// Every operation follows the same cycle: build the cache key, return the
// cached document on a hit, otherwise fetch upstream, normalize the keys to
// camelCase, store the result and return it.
package coins

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/coin-market-proxy/pkg/cache"
	"github.com/Sternrassler/coin-market-proxy/pkg/client"
	"github.com/Sternrassler/coin-market-proxy/pkg/normalize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrMissingParameter is returned when a required parameter is empty.
	// The operation is not attempted.
	ErrMissingParameter = errors.New("missing parameter")
)

var collapsedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "coingecko_proxy_collapsed_misses_total",
	Help: "Cache misses served by another in-flight upstream call, by operation",
}, []string{"operation"})

// emptyList is served when a search matches no coins.
var emptyList = json.RawMessage(`[]`)

// Upstream is the subset of the CoinGecko client the service needs.
type Upstream interface {
	Markets(ctx context.Context, p client.MarketsParams) ([]byte, error)
	Coin(ctx context.Context, id string) ([]byte, error)
	MarketChart(ctx context.Context, id, currency, days string) ([]byte, error)
	Search(ctx context.Context, query string) (*client.SearchResult, error)
}

var _ Upstream = (*client.Client)(nil)

// Config holds the service configuration.
type Config struct {
	// TTL for cached responses; zero uses the store's default
	TTL time.Duration

	// CollapseMisses makes concurrent misses on the same key share a
	// single upstream call. When false, each miss fetches on its own and
	// the last write wins.
	CollapseMisses bool

	// FillTimeout bounds a shared upstream call. A shared call does not
	// end when the caller that started it goes away, so this is its only
	// deadline. Zero means no limit.
	FillTimeout time.Duration
}

// DefaultConfig returns the default service configuration.
func DefaultConfig() Config {
	return Config{
		TTL:            cache.DefaultTTL,
		CollapseMisses: true,
		FillTimeout:    2 * time.Minute,
	}
}

// Result is a normalized response document.
type Result struct {
	Body json.RawMessage

	// Cached is true when Body was served from the cache.
	Cached bool
}

// Service serves market data through the cache.
type Service struct {
	upstream Upstream
	store    cache.Store
	config   Config
	flights  singleflight.Group
	logger   zerolog.Logger
}

// NewService creates a new service.
func NewService(upstream Upstream, store cache.Store, cfg Config) (*Service, error) {
	if upstream == nil {
		return nil, fmt.Errorf("upstream is required")
	}
	if store == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	if cfg.TTL < 0 {
		return nil, fmt.Errorf("ttl must be >= 0 (got %s)", cfg.TTL)
	}
	if cfg.FillTimeout < 0 {
		return nil, fmt.Errorf("fill timeout must be >= 0 (got %s)", cfg.FillTimeout)
	}

	return &Service{
		upstream: upstream,
		store:    store,
		config:   cfg,
		logger:   log.With().Str("component", "coins-service").Logger(),
	}, nil
}

// ListMarkets returns a page of coins with market data.
// With search text, the matching coin ids are looked up first; no matches
// yields an empty list without a markets call.
func (s *Service) ListMarkets(ctx context.Context, q MarketsQuery) (*Result, error) {
	q = q.Normalize()

	return s.fetch(ctx, client.OpMarkets, "", q.CacheKey(), func(ctx context.Context) ([]byte, error) {
		params := client.MarketsParams{
			Currency: q.Currency,
			PerPage:  q.PerPage,
			Page:     q.Page,
			Order:    q.Order(),
		}

		if q.SearchText != "" {
			found, err := s.upstream.Search(ctx, q.SearchText)
			if err != nil {
				return nil, err
			}
			if len(found.CoinIDs) == 0 {
				s.logger.Debug().
					Str("query", q.SearchText).
					Msg("Search matched no coins, skipping markets call")
				return emptyList, nil
			}
			params.IDs = found.CoinIDs
		}

		return s.upstream.Markets(ctx, params)
	})
}

// GetDetail returns the detail document for one coin.
func (s *Service) GetDetail(ctx context.Context, q DetailQuery) (*Result, error) {
	q = q.Normalize()
	if q.CoinID == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingParameter)
	}

	return s.fetch(ctx, client.OpCoin, q.CoinID, q.CacheKey(), func(ctx context.Context) ([]byte, error) {
		return s.upstream.Coin(ctx, q.CoinID)
	})
}

// GetHistory returns price, market cap and volume series for one coin.
// Unsupported day ranges fall back to DefaultDays.
func (s *Service) GetHistory(ctx context.Context, q HistoryQuery) (*Result, error) {
	q = q.Normalize()
	if q.CoinID == "" {
		return nil, fmt.Errorf("%w: id", ErrMissingParameter)
	}

	return s.fetch(ctx, client.OpMarketChart, q.CoinID, q.CacheKey(), func(ctx context.Context) ([]byte, error) {
		return s.upstream.MarketChart(ctx, q.CoinID, q.Currency, q.Days)
	})
}

// Search returns CoinGecko's search results for free text.
func (s *Service) Search(ctx context.Context, q SearchQuery) (*Result, error) {
	q = q.Normalize()
	if q.Text == "" {
		return nil, fmt.Errorf("%w: query", ErrMissingParameter)
	}

	return s.fetch(ctx, client.OpSearch, "", q.CacheKey(), func(ctx context.Context) ([]byte, error) {
		found, err := s.upstream.Search(ctx, q.Text)
		if err != nil {
			return nil, err
		}
		return found.Body, nil
	})
}

// fetch runs the cache cycle for one logical query. load returns the raw
// upstream document; fetch normalizes and stores it.
func (s *Service) fetch(
	ctx context.Context,
	op, id string,
	key cache.CacheKey,
	load func(ctx context.Context) ([]byte, error),
) (*Result, error) {
	cacheKey := key.String()

	cached, err := s.store.Get(ctx, key)
	switch {
	case err == nil:
		s.logger.Debug().Str("operation", op).Str("cache_key", cacheKey).Msg("Cache hit")
		return &Result{Body: cached, Cached: true}, nil
	case !errors.Is(err, cache.ErrCacheMiss):
		// Backend trouble degrades to a miss.
		s.logger.Warn().Err(err).Str("cache_key", cacheKey).Msg("Cache get error")
	}

	s.logger.Debug().Str("operation", op).Str("cache_key", cacheKey).Msg("Cache miss")

	fill := func(ctx context.Context) (json.RawMessage, error) {
		raw, err := load(ctx)
		if err != nil {
			return nil, err
		}

		normalized, err := normalize.JSON(raw)
		if err != nil {
			return nil, client.NewDecodeError(op, id, err)
		}

		if err := s.store.Set(ctx, key, normalized, s.config.TTL); err != nil {
			s.logger.Warn().Err(err).Str("cache_key", cacheKey).Msg("Failed to cache response")
		}

		return normalized, nil
	}

	var body json.RawMessage
	if s.config.CollapseMisses {
		body, err = s.shared(ctx, op, cacheKey, fill)
	} else {
		body, err = fill(ctx)
	}

	if err != nil {
		s.logger.Error().
			Err(err).
			Str("operation", op).
			Str("coin_id", id).
			Msg("Upstream fetch failed")
		return nil, err
	}

	return &Result{Body: body}, nil
}

// shared runs fill once per key for all concurrent callers. The fill runs
// detached from any single caller's context; each caller stops waiting
// when its own ctx is done.
func (s *Service) shared(
	ctx context.Context,
	op, cacheKey string,
	fill func(ctx context.Context) (json.RawMessage, error),
) (json.RawMessage, error) {
	ch := s.flights.DoChan(cacheKey, func() (any, error) {
		fillCtx := context.WithoutCancel(ctx)
		if s.config.FillTimeout > 0 {
			var cancel context.CancelFunc
			fillCtx, cancel = context.WithTimeout(fillCtx, s.config.FillTimeout)
			defer cancel()
		}
		return fill(fillCtx)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Shared {
			collapsedTotal.WithLabelValues(op).Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(json.RawMessage), nil
	}
}
