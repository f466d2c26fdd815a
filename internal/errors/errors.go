// Package errors consolidates error definitions for the entire project.
//
// This package provides:
// - Sentinel errors for all error conditions
// - Error category checking functions
// - A typed error for unexpected remote status codes
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
)

// ============================================================================
// Sentinel errors for common conditions
// ============================================================================

var (
	// Not found errors
	ErrNotFound       = errors.New("not found")
	ErrTickerNotFound = errors.New("ticker not found in remote directory")
	ErrEntityNotFound = errors.New("no stored data for entity")
	ErrFactsNotFound  = errors.New("facts not found for entity")

	// Remote errors
	ErrRateLimited       = errors.New("rate limited by remote service")
	ErrRemoteUnavailable = errors.New("remote service unavailable")

	// Parse errors
	ErrParse         = errors.New("malformed fact entry")
	ErrEmptyPayload  = errors.New("empty facts payload")
	ErrInvalidTicker = errors.New("invalid ticker symbol")

	// Storage errors
	ErrStorage       = errors.New("storage error")
	ErrPartitionRead = errors.New("partition unreadable")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingField  = errors.New("missing required field")

	// Job errors
	ErrJobNotFound       = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// ============================================================================
// Typed errors
// ============================================================================

// RemoteStatusError reports an unexpected non-2xx status from the remote
// facts service. 404 and 429 have their own sentinels; this covers the rest.
type RemoteStatusError struct {
	StatusCode int
	URL        string
}

func (e *RemoteStatusError) Error() string {
	return fmt.Sprintf("remote service returned status %d for %s", e.StatusCode, e.URL)
}

// NewRemoteStatus creates a RemoteStatusError.
func NewRemoteStatus(status int, url string) error {
	return &RemoteStatusError{StatusCode: status, URL: url}
}

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// IsNotFound returns true if err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrTickerNotFound) ||
		errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrFactsNotFound) ||
		errors.Is(err, ErrJobNotFound)
}

// IsRetriable returns true if the error is potentially retriable.
// Not-found and parse errors are terminal; rate limits and network
// failures are worth another attempt.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrRemoteUnavailable)
}

// IsRemote returns true if err originated at the remote facts service.
func IsRemote(err error) bool {
	var statusErr *RemoteStatusError
	return errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrRemoteUnavailable) ||
		errors.As(err, &statusErr)
}

// IsStorage returns true if err is a storage-related error.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage) ||
		errors.Is(err, ErrPartitionRead)
}

// IsValidation returns true if err is a configuration/validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingField) ||
		errors.Is(err, ErrInvalidTicker)
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// ============================================================================
// Error constructors with context
// ============================================================================

// NewTickerNotFound creates a ticker-not-found error with context.
func NewTickerNotFound(ticker string) error {
	return fmt.Errorf("ticker %q: %w", ticker, ErrTickerNotFound)
}

// NewEntityNotFound creates an entity-not-found error with context.
func NewEntityNotFound(ticker string) error {
	return fmt.Errorf("entity %q: %w", ticker, ErrEntityNotFound)
}

// NewStorage creates a storage error with context.
func NewStorage(op string, err error) error {
	return fmt.Errorf("%s: %v: %w", op, err, ErrStorage)
}

// NewValidation creates a validation error with context.
func NewValidation(field, reason string) error {
	return fmt.Errorf("invalid %s: %s: %w", field, reason, ErrInvalidConfig)
}

// NewMissingField creates a missing field error.
func NewMissingField(field string) error {
	return fmt.Errorf("%s: %w", field, ErrMissingField)
}
