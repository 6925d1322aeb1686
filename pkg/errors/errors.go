// Package errors defines unified error types for gateway relay operations.
// Upstream failures, quota denials, and chain exhaustion are all mapped to
// these standard error types before they reach a client.
package errors

import (
	"fmt"
	"net/http"
)

// GatewayError represents a standardized error produced while relaying a
// request. It carries everything needed for error handling, logging, and
// the client response.
type GatewayError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Code       string `json:"code"`
	Provider   string `json:"provider,omitempty"`
	Retryable  bool   `json:"-"`
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, status=%d)",
		e.Code, e.Message, e.Provider, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Error codes surfaced to clients. Aggregate codes describe how a whole
// provider chain failed rather than a single attempt.
const (
	CodeInvalidRequest     = "invalid_request_error"
	CodeAuthentication     = "authentication_error"
	CodeUpstreamError      = "upstream_error"
	CodeTimeout            = "timeout_error"
	CodeProxyConfig        = "proxy_configuration_error"
	CodeMixedUnavailable   = "mixed_unavailable"
	CodeRateLimitExceeded  = "rate_limit_exceeded"
	CodeCircuitBreakerOpen = "circuit_breaker_open"
)

// NewInvalidRequestError creates a terminal client error (400).
func NewInvalidRequestError(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Code:       CodeInvalidRequest,
		Retryable:  false,
	}
}

// NewAuthenticationError creates a terminal authentication failure (401).
func NewAuthenticationError(message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Code:       CodeAuthentication,
		Retryable:  false,
	}
}

// NewUpstreamError wraps an upstream HTTP failure. Retryability follows the
// status taxonomy: 5xx and throttling responses advance the chain, other
// 4xx are terminal.
func NewUpstreamError(provider string, statusCode int, message string) *GatewayError {
	return &GatewayError{
		StatusCode: statusCode,
		Message:    message,
		Code:       CodeUpstreamError,
		Provider:   provider,
		Retryable:  IsRetryableStatus(statusCode),
	}
}

// NewTimeoutError creates a per-attempt timeout error. Timeouts are treated
// identically to network failures: retryable and circuit-breaker-counted.
func NewTimeoutError(provider, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusGatewayTimeout,
		Message:    message,
		Code:       CodeTimeout,
		Provider:   provider,
		Retryable:  true,
	}
}

// NewNetworkError creates an error for a connection-level failure.
func NewNetworkError(provider, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Code:       CodeUpstreamError,
		Provider:   provider,
		Retryable:  true,
	}
}

// NewProxyConfigError creates a hard configuration error for a provider
// whose outbound proxy cannot be used. Never retried on the same provider
// and never silently downgraded to a direct connection.
func NewProxyConfigError(provider, message string) *GatewayError {
	return &GatewayError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Code:       CodeProxyConfig,
		Provider:   provider,
		Retryable:  false,
	}
}

// NewChainExhaustedError creates the aggregate error returned when every
// chain entry was filtered or failed. code is one of CodeMixedUnavailable,
// CodeRateLimitExceeded, or CodeCircuitBreakerOpen.
func NewChainExhaustedError(code, message string) *GatewayError {
	status := http.StatusServiceUnavailable
	if code == CodeRateLimitExceeded {
		status = http.StatusTooManyRequests
	}
	return &GatewayError{
		StatusCode: status,
		Message:    message,
		Code:       code,
		Retryable:  false,
	}
}

// IsRetryableStatus reports whether an upstream status code should advance
// the chain. Server-side errors and rate-limit-shaped responses are
// retryable on an alternate provider; other client errors are terminal
// because retrying elsewhere will not help.
func IsRetryableStatus(statusCode int) bool {
	if statusCode >= 500 {
		return true
	}
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}
