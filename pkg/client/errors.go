package client

import (
	"errors"
	"fmt"
	"time"
)

// Common errors returned by the client.
var (
	// ErrRateLimitExceeded is returned when upstream kept answering 429
	// until the retry policy gave up.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of upstream errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 rate limit errors.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassDecode represents malformed upstream bodies.
	ErrorClassDecode ErrorClass = "decode"
)

// UpstreamError describes a failed upstream operation.
type UpstreamError struct {
	// Op is the logical operation ("markets", "coin", "market_chart", "search")
	Op string

	// ID is the coin id the operation was for, if any
	ID string

	// StatusCode is the upstream HTTP status (0 when no response was received)
	StatusCode int

	Class ErrorClass
	Err   error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	target := e.Op
	if e.ID != "" {
		target = fmt.Sprintf("%s %q", e.Op, e.ID)
	}

	if e.StatusCode > 0 {
		return fmt.Sprintf("coingecko %s: %s error (status %d): %v",
			target, e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("coingecko %s: %s error: %v", target, e.Class, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// NewDecodeError records and returns a decode-class error for an upstream
// body that could not be parsed.
func NewDecodeError(op, id string, err error) *UpstreamError {
	errorsTotal.WithLabelValues(string(ErrorClassDecode)).Inc()
	return &UpstreamError{
		Op:    op,
		ID:    id,
		Class: ErrorClassDecode,
		Err:   err,
	}
}

// rateLimitedError marks a single attempt that was answered with 429.
type rateLimitedError struct {
	retryAfter time.Duration // announced by upstream, 0 if none
}

func (e *rateLimitedError) Error() string {
	return "rate limited (status 429)"
}

// classifyStatus maps an HTTP status to an error class.
// Returns "" for non-error statuses.
func classifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode == 429:
		return ErrorClassRateLimit
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
