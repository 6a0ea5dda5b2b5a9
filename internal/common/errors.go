// Package common provides shared utilities and types used across the application.
package common

import (
	"context"
	"errors"
	"fmt"
)

// Common application errors.
var (
	// Store errors.
	ErrNotFound       = errors.New("not found")
	ErrDuplicateEntry = errors.New("duplicate entry")

	// Configuration errors. These abort a run before dispatch begins.
	ErrMissingConfig         = errors.New("missing configuration")
	ErrInvalidConfig         = errors.New("invalid configuration")
	ErrNoTaxonomy            = errors.New("no taxonomy paths supplied")
	ErrMissingGroupingColumn = errors.New("grouping column missing from dataset schema")

	// Classification errors.
	ErrNoTransactions       = errors.New("no transactions to classify")
	ErrClassificationFailed = errors.New("classification failed")
)

// ConfigError wraps a fatal pre-dispatch configuration problem with the
// detail needed to report it to the caller.
type ConfigError struct {
	Err    error
	Detail string
}

func (e *ConfigError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%v: %s", e.Err, e.Detail)
	}
	return e.Err.Error()
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a fatal configuration error.
func NewConfigError(err error, detail string) error {
	return &ConfigError{Err: err, Detail: detail}
}

// IsConfigError reports whether err is fatal configuration trouble rather
// than a recoverable row-level failure.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsRetryable determines if an error should trigger a retry.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrRateLimit) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var retryableErr *RetryableError
	if errors.As(err, &retryableErr) {
		return retryableErr.Retryable
	}

	return false
}
