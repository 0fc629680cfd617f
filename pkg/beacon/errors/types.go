package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the pipeline.
var (
	// ErrNoData indicates an empty or "{}" remote document.
	ErrNoData = errors.New("no data")

	// ErrStale indicates a remote document identical to the cached one
	// on the tracked counter.
	ErrStale = errors.New("stale data")

	// ErrClosed indicates the component has been closed.
	ErrClosed = errors.New("closed")
)

// HTTPError represents a non-2xx HTTP response.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// PersistenceError indicates a store I/O failure.
type PersistenceError struct {
	// Op is the store operation ("append", "drain", "requeue", ...).
	Op string

	// Retained reports whether the record was kept in memory after the
	// durable write failed.
	Retained bool

	Err error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.Retained {
		return fmt.Sprintf("persistence %s failed (retained in memory): %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persistence %s failed: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// TransportError indicates a batch could not be delivered.
type TransportError struct {
	Endpoint string
	Err      error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("transport to %s: %v", e.Endpoint, e.Err)
	}
	return fmt.Sprintf("transport: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError indicates a malformed remote payload.
type DecodeError struct {
	Input string
	Err   error
}

// Error implements the error interface.
func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode error: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is, As and Join re-export the standard helpers so callers importing
// this package under its own name do not need a second import.
var (
	Is   = errors.Is
	As   = errors.As
	Join = errors.Join
)
