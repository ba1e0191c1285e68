package client

import (
	"errors"
	"testing"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		expected   ErrorClass
	}{
		{name: "rate limit 429", statusCode: 429, expected: ErrorClassRateLimit},
		{name: "client error 404", statusCode: 404, expected: ErrorClassClient},
		{name: "client error 400", statusCode: 400, expected: ErrorClassClient},
		{name: "server error 500", statusCode: 500, expected: ErrorClassServer},
		{name: "server error 503", statusCode: 503, expected: ErrorClassServer},
		{name: "success 200", statusCode: 200, expected: ""},
		{name: "redirect 304", statusCode: 304, expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyStatus(tt.statusCode); got != tt.expected {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.statusCode, got, tt.expected)
			}
		})
	}
}

func TestUpstreamError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *UpstreamError
		expected string
	}{
		{
			name: "with id and status",
			err: &UpstreamError{
				Op:         OpMarketChart,
				ID:         "bitcoin",
				StatusCode: 500,
				Class:      ErrorClassServer,
				Err:        errors.New("unexpected status 500 Internal Server Error"),
			},
			expected: `coingecko market_chart "bitcoin": server error (status 500): unexpected status 500 Internal Server Error`,
		},
		{
			name: "without id",
			err: &UpstreamError{
				Op:         OpMarkets,
				StatusCode: 404,
				Class:      ErrorClassClient,
				Err:        errors.New("unexpected status 404 Not Found"),
			},
			expected: "coingecko markets: client error (status 404): unexpected status 404 Not Found",
		},
		{
			name: "network error without status",
			err: &UpstreamError{
				Op:    OpCoin,
				ID:    "eth",
				Class: ErrorClassNetwork,
				Err:   errors.New("connection refused"),
			},
			expected: `coingecko coin "eth": network error: connection refused`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestUpstreamError_Unwrap(t *testing.T) {
	err := &UpstreamError{
		Op:    OpSearch,
		Class: ErrorClassRateLimit,
		Err:   ErrRateLimitExceeded,
	}

	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Error("errors.Is should find ErrRateLimitExceeded")
	}

	var wrapped error = err
	var target *UpstreamError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As should find *UpstreamError")
	}
	if target.Op != OpSearch {
		t.Errorf("Op = %q, want %q", target.Op, OpSearch)
	}
}

func TestNewDecodeError(t *testing.T) {
	counter := errorsTotal.WithLabelValues(string(ErrorClassDecode))
	before := promtest.ToFloat64(counter)

	cause := errors.New("unexpected end of JSON input")
	err := NewDecodeError(OpCoin, "bitcoin", cause)

	if err.Class != ErrorClassDecode || err.Op != OpCoin || err.ID != "bitcoin" {
		t.Errorf("NewDecodeError() = %+v", err)
	}
	if !errors.Is(err, cause) {
		t.Error("Cause should be reachable through Unwrap")
	}
	if got := promtest.ToFloat64(counter) - before; got != 1 {
		t.Errorf("decode errors counted = %v, want 1", got)
	}
}
