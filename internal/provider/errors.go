package provider

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ProviderError wraps an error with provider context
type ProviderError struct {
	Provider   string
	Operation  string
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s %s failed (HTTP %d): %s", e.Provider, e.Operation, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Provider, e.Operation, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError creates a new ProviderError
func NewProviderError(provider, operation string, statusCode int, message string, err error) *ProviderError {
	return &ProviderError{
		Provider:   provider,
		Operation:  operation,
		StatusCode: statusCode,
		Message:    message,
		Err:        err,
	}
}

// RateLimitedError carries the upstream's retry hint alongside the rate limit
// sentinel so callers can sleep exactly as long as the marketplace asks.
type RateLimitedError struct {
	Provider   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("%s rate limited, retry after %s", e.Provider, e.RetryAfter)
}

func (e *RateLimitedError) Unwrap() error {
	return ErrProviderRateLimit
}

// RetryAfter extracts the retry hint from a rate limit error, if present
func RetryAfter(err error) (time.Duration, bool) {
	var rle *RateLimitedError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}

// MapHTTPError converts a provider HTTP failure into the core error kinds.
// The body is inspected for the marketplace's 400-level distinctions:
// balance/credit complaints mean insufficient funds, availability complaints
// mean the offer was taken between search and rental.
func MapHTTPError(providerName, operation string, statusCode int, body string, retryAfter time.Duration) error {
	msg := strings.TrimSpace(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}

	switch {
	case statusCode == http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "balance") || strings.Contains(lower, "credit") {
			return NewProviderError(providerName, operation, statusCode, msg, ErrInsufficientFunds)
		}
		if strings.Contains(lower, "not available") || strings.Contains(lower, "rented") || strings.Contains(lower, "unavailable") {
			return NewProviderError(providerName, operation, statusCode, msg, ErrOfferUnavailable)
		}
		return NewProviderError(providerName, operation, statusCode, msg, ErrValidation)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewProviderError(providerName, operation, statusCode, msg, ErrProviderAuth)
	case statusCode == http.StatusNotFound:
		return NewProviderError(providerName, operation, statusCode, msg, ErrInstanceNotFound)
	case statusCode == http.StatusTooManyRequests:
		if retryAfter <= 0 {
			retryAfter = time.Second
		}
		return &RateLimitedError{Provider: providerName, RetryAfter: retryAfter}
	case statusCode >= 500:
		return NewProviderError(providerName, operation, statusCode, msg, ErrServiceUnavailable)
	default:
		return NewProviderError(providerName, operation, statusCode, msg, ErrProviderError)
	}
}

// IsRateLimitError checks if the error is a rate limit error
func IsRateLimitError(err error) bool {
	if errors.Is(err, ErrProviderRateLimit) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// IsAuthError checks if the error is an authentication error
func IsAuthError(err error) bool {
	if errors.Is(err, ErrProviderAuth) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusUnauthorized || pe.StatusCode == http.StatusForbidden
	}
	return false
}

// IsNotFoundError checks if the error is a not found error
func IsNotFoundError(err error) bool {
	if errors.Is(err, ErrInstanceNotFound) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.StatusCode == http.StatusNotFound
	}
	return false
}

// IsOfferUnavailableError checks if the offer was taken before we rented it.
// A normal, expected outcome inside race rounds.
func IsOfferUnavailableError(err error) bool {
	return errors.Is(err, ErrOfferUnavailable)
}

// IsInsufficientFundsError checks if the account balance blocks rentals
func IsInsufficientFundsError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

// IsRetryable checks if the error is retryable
func IsRetryable(err error) bool {
	if IsRateLimitError(err) {
		return true
	}
	if errors.Is(err, ErrServiceUnavailable) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		// Server errors are generally retryable
		return pe.StatusCode >= 500 && pe.StatusCode < 600
	}
	return false
}
