package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Sternrassler/coin-market-proxy/internal/testutil"
	"github.com/Sternrassler/coin-market-proxy/pkg/cache"
	"github.com/Sternrassler/coin-market-proxy/pkg/client"
	"github.com/Sternrassler/coin-market-proxy/pkg/coins"
)

type testEnv struct {
	mock    *testutil.MockCoinGecko
	client  *client.Client
	handler http.Handler
}

func newTestEnv(t *testing.T, retry client.RetryPolicy, pinger Pinger) *testEnv {
	t.Helper()

	mock := testutil.NewMockCoinGecko()
	t.Cleanup(mock.Close)

	cfg := client.DefaultConfig()
	cfg.BaseURL = mock.URL()
	cfg.Retry = retry
	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New failed: %v", err)
	}

	store := cache.NewMemory(cache.MemoryConfig{DefaultTTL: time.Minute})
	t.Cleanup(func() { store.Close() })

	svc, err := coins.NewService(c, store, coins.DefaultConfig())
	if err != nil {
		t.Fatalf("coins.NewService failed: %v", err)
	}

	handler := NewRouter(Deps{
		Service:    svc,
		Cache:      pinger,
		RateLimits: c,
		Logger:     zerolog.Nop(),
	})

	return &testEnv{mock: mock, client: c, handler: handler}
}

func fastRetry() client.RetryPolicy {
	return client.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, Multiplier: 2.0}
}

func (e *testEnv) get(t *testing.T, target string) (*http.Response, string) {
	t.Helper()

	req := httptest.NewRequest(http.MethodGet, target, nil)
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	return resp, string(body)
}

func decodeError(t *testing.T, body string) string {
	t.Helper()

	var e errorBody
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		t.Fatalf("Error body is not JSON: %v (%s)", err, body)
	}
	return e.Error
}

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)

	resp, body := env.get(t, "/health")

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if body != "OK" {
		t.Errorf("Expected body 'OK', got %s", body)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name       string
		pinger     Pinger
		wantStatus int
		wantCache  string
	}{
		{"memory cache", nil, http.StatusOK, "memory"},
		{"redis reachable", stubPinger{}, http.StatusOK, "redis"},
		{"redis down", stubPinger{err: errors.New("connection refused")}, http.StatusServiceUnavailable, "unreachable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, fastRetry(), tt.pinger)

			resp, body := env.get(t, "/ready")
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, resp.StatusCode)
			}

			var rb readyBody
			if err := json.Unmarshal([]byte(body), &rb); err != nil {
				t.Fatalf("Ready body is not JSON: %v", err)
			}
			if rb.Cache != tt.wantCache {
				t.Errorf("cache = %q, want %q", rb.Cache, tt.wantCache)
			}
			if rb.Upstream == nil || rb.Upstream.RateLimited {
				t.Errorf("upstream = %+v, want not rate limited", rb.Upstream)
			}
		})
	}
}

func TestListMarkets(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)
	env.mock.SetResponse("/coins/markets", testutil.NewOKResponse(testutil.MarketsBody))

	target := "/coins/markets?vs_currency=EUR&per_page=10&page=2&sort_by=price&sort_direction=asc"

	resp, body := env.get(t, target)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get("X-Cache"); got != "MISS" {
		t.Errorf("X-Cache = %q, want MISS", got)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}

	var items []map[string]any
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		t.Fatalf("Body is not a JSON array: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}
	for _, key := range []string{"currentPrice", "marketCap", "totalVolume", "priceChangePercentage24h"} {
		if _, ok := items[0][key]; !ok {
			t.Errorf("Missing key %q in %v", key, items[0])
		}
	}
	if _, ok := items[0]["current_price"]; ok {
		t.Error("snake_case key leaked into response")
	}

	q := env.mock.LastQuery("/coins/markets")
	if q.Get("vs_currency") != "eur" || q.Get("per_page") != "10" || q.Get("page") != "2" || q.Get("order") != "price_asc" {
		t.Errorf("Upstream query = %v", q)
	}

	resp, _ = env.get(t, target)
	if got := resp.Header.Get("X-Cache"); got != "HIT" {
		t.Errorf("X-Cache = %q, want HIT", got)
	}
	if got := env.mock.RequestCount("/coins/markets"); got != 1 {
		t.Errorf("Upstream called %d times, want 1", got)
	}
}

func TestListMarkets_APIPrefix(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)
	env.mock.SetResponse("/coins/markets", testutil.NewOKResponse(testutil.MarketsBody))

	resp, _ := env.get(t, "/api/coins/markets")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestListMarkets_InvalidNumbers(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)

	for _, target := range []string{"/coins/markets?per_page=ten", "/coins/markets?page=1.5"} {
		resp, body := env.get(t, target)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: expected status 400, got %d", target, resp.StatusCode)
		}
		if msg := decodeError(t, body); !strings.HasSuffix(msg, "must be an integer") {
			t.Errorf("%s: error = %q", target, msg)
		}
	}

	if got := env.mock.TotalRequests(); got != 0 {
		t.Errorf("Upstream called %d times, want 0", got)
	}
}

func TestListMarkets_SearchWithoutMatches(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)
	env.mock.SetResponse("/search", testutil.NewOKResponse(testutil.EmptySearchBody))
	env.mock.SetResponse("/coins/markets", testutil.NewOKResponse(testutil.MarketsBody))

	resp, body := env.get(t, "/coins/markets?query=zzzz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if body != "[]" {
		t.Errorf("Body = %s, want []", body)
	}
	if got := env.mock.RequestCount("/coins/markets"); got != 0 {
		t.Errorf("Markets called %d times, want 0", got)
	}
}

func TestListMarkets_SearchWithMatches(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)
	env.mock.SetResponse("/search", testutil.NewOKResponse(testutil.SearchBody))
	env.mock.SetResponse("/coins/markets", testutil.NewOKResponse(testutil.MarketsBody))

	resp, _ := env.get(t, "/coins/markets?query=bitcoin&page=3")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	q := env.mock.LastQuery("/coins/markets")
	if q.Get("ids") != "bitcoin,wrapped-bitcoin" {
		t.Errorf("ids = %q", q.Get("ids"))
	}
	if q.Has("page") {
		t.Errorf("page should be omitted when ids are set, got %q", q.Get("page"))
	}
}

func TestSearch(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)
	env.mock.SetResponse("/search", testutil.NewOKResponse(testutil.SearchBody))

	resp, body := env.get(t, "/coins/search")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
	if msg := decodeError(t, body); msg != "Query parameter is required" {
		t.Errorf("error = %q", msg)
	}

	resp, body = env.get(t, "/coins/search?query=bit")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}
	if !strings.Contains(body, `"marketCapRank"`) || !strings.Contains(body, `"apiSymbol"`) {
		t.Errorf("Search body not normalized: %s", body)
	}
}

func TestDetail(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)
	env.mock.SetResponse("/coins/bitcoin", testutil.NewOKResponse(testutil.CoinBody))

	resp, body := env.get(t, "/coins/bitcoin")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	md, ok := doc["marketData"].(map[string]any)
	if !ok {
		t.Fatalf("marketData missing: %s", body)
	}
	if _, ok := md["high24h"]; !ok {
		t.Errorf("high24h missing: %v", md)
	}
}

func TestDetail_MissingID(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)

	resp, body := env.get(t, "/coins/")
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400, got %d", resp.StatusCode)
	}
	if msg := decodeError(t, body); msg != "Coin ID is required" {
		t.Errorf("error = %q", msg)
	}
}

func TestDetail_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)
	env.mock.SetResponse("/coins/bitcoin", testutil.NewServerErrorResponse())

	tests := []struct {
		target string
		want   string
	}{
		{"/coins/nope", "Failed to fetch details for coin: nope"},
		{"/coins/bitcoin", "Failed to fetch details for coin: bitcoin"},
	}

	for _, tt := range tests {
		resp, body := env.get(t, tt.target)
		if resp.StatusCode != http.StatusBadGateway {
			t.Errorf("%s: expected status 502, got %d", tt.target, resp.StatusCode)
		}
		if msg := decodeError(t, body); msg != tt.want {
			t.Errorf("%s: error = %q, want %q", tt.target, msg, tt.want)
		}
		if strings.Contains(body, "status") {
			t.Errorf("%s: upstream detail leaked: %s", tt.target, body)
		}
	}
}

func TestHistory(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)
	env.mock.SetResponse("/coins/bitcoin/market_chart", testutil.NewOKResponse(testutil.MarketChartBody))

	resp, body := env.get(t, "/coins/bitcoin/market_chart?days=45")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", resp.StatusCode, body)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		t.Fatalf("Body is not JSON: %v", err)
	}
	for _, key := range []string{"prices", "marketCaps", "totalVolumes"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("Missing key %q", key)
		}
	}

	q := env.mock.LastQuery("/coins/bitcoin/market_chart")
	if q.Get("days") != "7" || q.Get("vs_currency") != "usd" {
		t.Errorf("Upstream query = %v", q)
	}
}

func TestHistory_UpstreamFailure(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)

	resp, body := env.get(t, "/coins/nope/market_chart")
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected status 502, got %d", resp.StatusCode)
	}
	if msg := decodeError(t, body); msg != "Failed to fetch price history for coin: nope" {
		t.Errorf("error = %q", msg)
	}
}

func TestRateLimitExhausted(t *testing.T) {
	env := newTestEnv(t, client.RetryPolicy{MaxAttempts: 1}, nil)
	env.mock.SetResponse("/coins/markets", testutil.NewRateLimitResponse("30"))

	resp, body := env.get(t, "/coins/markets")
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d: %s", resp.StatusCode, body)
	}
	if msg := decodeError(t, body); msg != "Upstream rate limit exceeded" {
		t.Errorf("error = %q", msg)
	}
	if got := resp.Header.Get("Retry-After"); got != "30" {
		t.Errorf("Retry-After = %q, want 30", got)
	}

	_, body = env.get(t, "/ready")
	if !strings.Contains(body, `"rateLimited":true`) {
		t.Errorf("Ready should report rate limiting: %s", body)
	}
}

func TestCORS(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)
	env.mock.SetResponse("/coins/markets", testutil.NewOKResponse(testutil.MarketsBody))

	req := httptest.NewRequest(http.MethodGet, "/coins/markets", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	w := httptest.NewRecorder()
	env.handler.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)
	env.mock.SetResponse("/coins/bitcoin", testutil.NewOKResponse(testutil.CoinBody))

	env.get(t, "/coins/bitcoin")

	resp, body := env.get(t, "/metrics")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	for _, name := range []string{
		"coingecko_requests_total",
		"coingecko_proxy_http_requests_total",
		`route="/coins/{id}"`,
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected %s in metrics output", name)
		}
	}
}

func TestNotFound(t *testing.T) {
	env := newTestEnv(t, fastRetry(), nil)

	resp, body := env.get(t, "/nowhere")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", resp.StatusCode)
	}
	if msg := decodeError(t, body); msg != "Not found" {
		t.Errorf("error = %q", msg)
	}
}
