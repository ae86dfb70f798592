package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
)

// Category classifies registry failures for retry and breaker decisions.
type Category string

const (
	// CategoryTimeout covers network timeouts, connect failures and deadlines.
	CategoryTimeout Category = "timeout"
	// CategoryRateLimited is an HTTP 429 from the registry.
	CategoryRateLimited Category = "rate_limited"
	// CategoryClientError is any other 4xx.
	CategoryClientError Category = "client_error"
	// CategoryServerError is a 5xx.
	CategoryServerError Category = "server_error"
	// CategoryBadData is a 2xx response whose body could not be decoded.
	CategoryBadData Category = "bad_data"
	// CategoryTransport is a non-timeout transport failure (TLS, reset mid-body).
	CategoryTransport Category = "transport"
)

// Error is returned by every failed registry call.
type Error struct {
	Category   Category
	StatusCode int
	Message    string
	Underlying error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("family registry %s (HTTP %d): %s", e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("family registry %s: %s", e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Underlying
}

// Retryable reports whether the same request may succeed later.
func (e *Error) Retryable() bool {
	return e.Category == CategoryTimeout || e.Category == CategoryRateLimited
}

// AffectsCircuit reports whether the failure says the registry is unhealthy.
// Only timeout-class failures feed the breaker and the rate controller.
func (e *Error) AffectsCircuit() bool {
	return e.Retryable()
}

func newError(category Category, status int, message string, err error) *Error {
	return &Error{Category: category, StatusCode: status, Message: message, Underlying: err}
}

// CategoryOf returns the category of a registry error anywhere in err's chain.
func CategoryOf(err error) (Category, bool) {
	var regErr *Error
	if errors.As(err, &regErr) {
		return regErr.Category, true
	}
	return "", false
}

// IsRetryable reports whether err is a registry error worth retrying.
func IsRetryable(err error) bool {
	var regErr *Error
	return errors.As(err, &regErr) && regErr.Retryable()
}

func classifyTransport(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newError(CategoryTimeout, 0, "request deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return newError(CategoryTimeout, 0, "network timeout", err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return newError(CategoryTimeout, 0, "connect failed", err)
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return newError(CategoryTimeout, 0, "connection refused or reset", err)
	}
	return newError(CategoryTransport, 0, err.Error(), err)
}
