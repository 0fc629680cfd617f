// Package errors provides the pipeline's error taxonomy, categorization,
// and the retry helper used for backoff loops.
//
// Nothing in the pipeline surfaces these as crashes. Components log
// them and absorb them, returning them to callers only where a caller
// can act (a failed enqueue, for example).
package errors

import (
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates a later attempt will likely succeed.
	// Examples: network failures, 5xx responses, rate limiting.
	CategoryTransient Category = iota

	// CategoryPermanent indicates a retry will not help.
	// Examples: disk failures, 4xx responses, closed stores.
	CategoryPermanent

	// CategoryNoData indicates the remote answered with nothing usable.
	// Examples: empty or malformed profile documents, stale profiles.
	CategoryNoData
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	case CategoryNoData:
		return "no_data"
	default:
		return "unknown"
	}
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Category indicates how this error should be handled.
	Category Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Category, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Category, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// NewCategorized creates a new categorized error.
func NewCategorized(err error, category Category, context string) *CategorizedError {
	return &CategorizedError{
		Err:      err,
		Category: category,
		Context:  context,
	}
}

// Transient creates a transient error.
func Transient(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryTransient, context)
}

// Permanent creates a permanent error.
func Permanent(err error, context string) *CategorizedError {
	return NewCategorized(err, CategoryPermanent, context)
}

// Categorize determines how an error should be handled.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent // shouldn't happen, fail safe
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Category
	}

	if errors.Is(err, ErrNoData) || errors.Is(err, ErrStale) {
		return CategoryNoData
	}

	var decodeErr *DecodeError
	if errors.As(err, &decodeErr) {
		return CategoryNoData
	}

	// HTTP status wins over the transport wrapper around it.
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch httpErr.StatusCode {
		case 408, 429:
			return CategoryTransient
		default:
			if httpErr.StatusCode >= 500 {
				return CategoryTransient
			}
			return CategoryPermanent
		}
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return CategoryTransient
	}

	var persistErr *PersistenceError
	if errors.As(err, &persistErr) {
		return CategoryPermanent
	}

	// Unknown errors are permanent (fail safe)
	return CategoryPermanent
}

// IsRetryable reports whether a later attempt may succeed.
func IsRetryable(err error) bool {
	cat := Categorize(err)
	return cat == CategoryTransient || cat == CategoryNoData
}
