// Package client provides the CoinGecko HTTP client with rate-limit retry
// and error classification.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/coin-market-proxy/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for upstream operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coingecko_requests_total",
		Help: "Total CoinGecko requests by operation and status",
	}, []string{"operation", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coingecko_request_duration_seconds",
		Help:    "CoinGecko request duration in seconds by operation",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"operation"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coingecko_errors_total",
		Help: "Total CoinGecko errors by class",
	}, []string{"class"})
)

// Operation names used in errors, logs and metrics.
const (
	OpMarkets     = "markets"
	OpCoin        = "coin"
	OpMarketChart = "market_chart"
	OpSearch      = "search"
)

// DefaultBaseURL is the public CoinGecko API.
const DefaultBaseURL = "https://api.coingecko.com/api/v3"

// maxBodyBytes bounds how much of an upstream body is read.
const maxBodyBytes = 32 << 20

// Config holds the client configuration.
type Config struct {
	// BaseURL of the CoinGecko API (no trailing slash needed)
	BaseURL string

	// APIKey is sent as x-cg-demo-api-key when set
	APIKey string

	// UserAgent header sent with every request
	UserAgent string

	// Timeout bounds each individual upstream call
	Timeout time.Duration

	// Retry controls how 429 responses are retried
	Retry RetryPolicy
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: "coin-market-proxy/0.1.0",
		Timeout:   10 * time.Second,
		Retry:     DefaultRetryPolicy(),
	}
}

// Client is the CoinGecko client.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	config      Config
	rateLimiter *ratelimit.Tracker
	logger      zerolog.Logger
}

// New creates a new CoinGecko client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be > 0 (got %s)", cfg.Timeout)
	}

	logger := log.With().Str("component", "coingecko-client").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		config:      cfg,
		rateLimiter: ratelimit.NewTracker(logger),
		logger:      logger,
	}, nil
}

// MarketsParams are the parameters of a markets listing call.
type MarketsParams struct {
	Currency string
	PerPage  int
	Page     int

	// Order is the upstream sort order (e.g. "market_cap_desc"); empty
	// leaves upstream's default ordering.
	Order string

	// IDs restricts the listing to these coins. When set, Page is omitted.
	IDs []string
}

// Markets fetches /coins/markets.
func (c *Client) Markets(ctx context.Context, p MarketsParams) ([]byte, error) {
	params := url.Values{}
	params.Set("vs_currency", p.Currency)
	params.Set("per_page", strconv.Itoa(p.PerPage))
	params.Set("sparkline", "false")

	if p.Order != "" {
		params.Set("order", p.Order)
	}

	if len(p.IDs) > 0 {
		params.Set("ids", strings.Join(p.IDs, ","))
	} else {
		params.Set("page", strconv.Itoa(p.Page))
	}

	return c.get(ctx, OpMarkets, "", "/coins/markets", params)
}

// Coin fetches /coins/{id} with market, community and developer data.
func (c *Client) Coin(ctx context.Context, id string) ([]byte, error) {
	params := url.Values{}
	params.Set("localization", "false")
	params.Set("tickers", "false")
	params.Set("market_data", "true")
	params.Set("community_data", "true")
	params.Set("developer_data", "true")
	params.Set("sparkline", "false")

	return c.get(ctx, OpCoin, id, "/coins/"+url.PathEscape(id), params)
}

// MarketChart fetches /coins/{id}/market_chart.
func (c *Client) MarketChart(ctx context.Context, id, currency, days string) ([]byte, error) {
	params := url.Values{}
	params.Set("vs_currency", currency)
	params.Set("days", days)

	return c.get(ctx, OpMarketChart, id, "/coins/"+url.PathEscape(id)+"/market_chart", params)
}

// SearchResult is the outcome of a /search call.
type SearchResult struct {
	// Body is the raw upstream response
	Body []byte

	// CoinIDs are the ids of matching coins, in upstream order
	CoinIDs []string
}

// Search fetches /search and extracts the matching coin ids.
func (c *Client) Search(ctx context.Context, query string) (*SearchResult, error) {
	params := url.Values{}
	params.Set("query", query)

	body, err := c.get(ctx, OpSearch, "", "/search", params)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Coins []struct {
			ID string `json:"id"`
		} `json:"coins"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, NewDecodeError(OpSearch, "", fmt.Errorf("decode search response: %w", err))
	}

	ids := make([]string, 0, len(decoded.Coins))
	for _, coin := range decoded.Coins {
		if coin.ID != "" {
			ids = append(ids, coin.ID)
		}
	}

	return &SearchResult{Body: body, CoinIDs: ids}, nil
}

// RateLimitState returns the last observed upstream rate-limit state.
func (c *Client) RateLimitState() ratelimit.RateLimitState {
	return c.rateLimiter.State()
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// get issues a GET with the configured retry policy around 429 responses.
func (c *Client) get(ctx context.Context, op, id, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}

	var body []byte
	err := retryOnRateLimit(ctx, c.config.Retry, op, c.logger, func() error {
		var attemptErr error
		body, attemptErr = c.do(ctx, op, id, endpoint)
		return attemptErr
	})
	if err == nil {
		return body, nil
	}

	var upstreamErr *UpstreamError
	if errors.As(err, &upstreamErr) {
		return nil, err
	}

	// Rate limit exhausted or cancelled while backing off.
	class := ErrorClassRateLimit
	status := http.StatusTooManyRequests
	if ctx.Err() != nil {
		class = ErrorClassNetwork
		status = 0
	}
	errorsTotal.WithLabelValues(string(class)).Inc()
	return nil, &UpstreamError{
		Op:         op,
		ID:         id,
		StatusCode: status,
		Class:      class,
		Err:        err,
	}
}

// do performs a single attempt. A 429 yields *rateLimitedError; every other
// failure yields *UpstreamError.
func (c *Client) do(ctx context.Context, op, id, endpoint string) ([]byte, error) {
	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(op).Observe(time.Since(startTime).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &UpstreamError{Op: op, ID: id, Class: ErrorClassClient, Err: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}
	if c.config.APIKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.config.APIKey)
	}

	c.logger.Debug().
		Str("operation", op).
		Str("coin_id", id).
		Str("url", req.URL.Path).
		Msg("Executing CoinGecko request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(op, "network_error").Inc()
		c.logger.Error().Err(err).Str("operation", op).Str("coin_id", id).Msg("HTTP request failed")
		return nil, &UpstreamError{Op: op, ID: id, Class: ErrorClassNetwork, Err: err}
	}
	defer resp.Body.Close()

	c.rateLimiter.Observe(resp.StatusCode, resp.Header)
	requestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return nil, &rateLimitedError{retryAfter: c.rateLimiter.RetryAfter()}
	}

	if class := classifyStatus(resp.StatusCode); class != "" {
		errorsTotal.WithLabelValues(string(class)).Inc()
		c.logger.Warn().
			Str("operation", op).
			Str("coin_id", id).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("CoinGecko request error")
		return nil, &UpstreamError{
			Op:         op,
			ID:         id,
			StatusCode: resp.StatusCode,
			Class:      class,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &UpstreamError{
			Op:         op,
			ID:         id,
			StatusCode: resp.StatusCode,
			Class:      ErrorClassNetwork,
			Err:        fmt.Errorf("read response body: %w", err),
		}
	}

	return body, nil
}
