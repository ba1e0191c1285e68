// Package testutil provides testing utilities for the CoinGecko proxy.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"
)

// Canned upstream payloads in CoinGecko's snake_case shape.
const (
	MarketsBody = `[
		{"id":"bitcoin","symbol":"btc","name":"Bitcoin","current_price":42000.5,"market_cap":820000000000,"total_volume":21000000000,"price_change_percentage_24h":1.25},
		{"id":"ethereum","symbol":"eth","name":"Ethereum","current_price":2300.1,"market_cap":276000000000,"total_volume":9000000000,"price_change_percentage_24h":-0.5}
	]`

	CoinBody = `{"id":"bitcoin","symbol":"btc","name":"Bitcoin","market_data":{"current_price":{"usd":42000.5},"high_24h":{"usd":43000},"price_change_percentage_24h":1.25},"links":{"blockchain_site":["https://example.org"],"twitter_screen_name":"bitcoin"}}`

	MarketChartBody = `{"prices":[[1700000000000,42000.5],[1700003600000,42100]],"market_caps":[[1700000000000,820000000000]],"total_volumes":[[1700000000000,21000000000]]}`

	SearchBody = `{"coins":[{"id":"bitcoin","name":"Bitcoin","api_symbol":"bitcoin","market_cap_rank":1},{"id":"wrapped-bitcoin","name":"Wrapped Bitcoin","api_symbol":"wrapped-bitcoin","market_cap_rank":15}],"exchanges":[],"categories":[]}`

	EmptySearchBody = `{"coins":[],"exchanges":[],"categories":[]}`
)

// MockResponse defines the behavior for a mock upstream response.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockCoinGecko is a configurable mock CoinGecko server for testing.
type MockCoinGecko struct {
	server *httptest.Server

	mu        sync.Mutex
	responses map[string][]MockResponse
	counts    map[string]int
	queries   map[string]url.Values
	headers   http.Header
	total     int
}

// NewMockCoinGecko creates and starts a mock server.
// Paths without a configured response answer 404.
func NewMockCoinGecko() *MockCoinGecko {
	mock := &MockCoinGecko{
		responses: make(map[string][]MockResponse),
		counts:    make(map[string]int),
		queries:   make(map[string]url.Values),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(mock.serve))
	return mock
}

// URL returns the mock server base URL.
func (m *MockCoinGecko) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockCoinGecko) Close() {
	m.server.Close()
}

// SetResponse configures the response for a path, replacing any queue.
func (m *MockCoinGecko) SetResponse(path string, resp MockResponse) {
	m.SetSequence(path, resp)
}

// SetSequence configures responses returned in order for a path.
// The last response repeats once the sequence is exhausted.
func (m *MockCoinGecko) SetSequence(path string, resps ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[path] = append([]MockResponse(nil), resps...)
}

// RequestCount returns the number of requests received for a path.
func (m *MockCoinGecko) RequestCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[path]
}

// TotalRequests returns the number of requests received for all paths.
func (m *MockCoinGecko) TotalRequests() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

// LastQuery returns the query parameters of the last request to a path.
func (m *MockCoinGecko) LastQuery(path string) url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queries[path]
}

// LastHeaders returns the headers of the last request to any path.
func (m *MockCoinGecko) LastHeaders() http.Header {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.headers
}

// Reset clears all tracking counters.
func (m *MockCoinGecko) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = make(map[string]int)
	m.queries = make(map[string]url.Values)
	m.headers = nil
	m.total = 0
}

func (m *MockCoinGecko) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	m.total++
	m.counts[r.URL.Path]++
	m.queries[r.URL.Path] = r.URL.Query()
	m.headers = r.Header.Clone()

	queue, ok := m.responses[r.URL.Path]
	var resp MockResponse
	if ok && len(queue) > 0 {
		resp = queue[0]
		if len(queue) > 1 {
			m.responses[r.URL.Path] = queue[1:]
		}
	}
	m.mu.Unlock()

	if !ok {
		resp = MockResponse{
			StatusCode: http.StatusNotFound,
			Body:       `{"error":"coin not found"}`,
		}
	}

	if resp.Delay > 0 {
		select {
		case <-time.After(resp.Delay):
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

// NewOKResponse creates a 200 OK response with the given body.
func NewOKResponse(body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
// retryAfter is sent as the Retry-After header when non-empty.
func NewRateLimitResponse(retryAfter string) MockResponse {
	resp := MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"status":{"error_code":429,"error_message":"You've exceeded the Rate Limit."}}`,
		Headers:    map[string]string{},
	}
	if retryAfter != "" {
		resp.Headers["Retry-After"] = retryAfter
	}
	return resp
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       `{"error":"Internal server error"}`,
	}
}
