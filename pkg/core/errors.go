// Package core provides the Memory Governor client and its domain types.
package core

import (
	"errors"
	"fmt"
)

// Predefined errors for common failure scenarios.
var (
	// ErrInvalidEvent indicates a malformed event (missing user, text, or scope).
	ErrInvalidEvent = errors.New("invalid event")

	// ErrInvalidScope indicates an unknown scope kind or empty scope id.
	ErrInvalidScope = errors.New("invalid scope")

	// ErrDuplicateEvent indicates the (source, event_id) pair was already
	// observed. Callers treat this as an accepted no-op, not a failure.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrBackendUnavailable indicates the durable backend could not be
	// reached. Writes are queued for retry; reads degrade to empty results.
	ErrBackendUnavailable = errors.New("durable backend unavailable")

	// ErrClassification indicates the external classifier failed. The
	// caller falls back to rule-based scoring; this error never propagates
	// out of the ingest path.
	ErrClassification = errors.New("classification failed")

	// ErrConsolidationRunning indicates a consolidation run is already in
	// flight for the scope. The second caller backs off; the entries are
	// still owned by the first run.
	ErrConsolidationRunning = errors.New("consolidation already running")

	// ErrSpoolFull indicates the durable write spool rejected a job under
	// backpressure.
	ErrSpoolFull = errors.New("spool full")

	// ErrNotFound indicates a requested memory record was not found.
	ErrNotFound = errors.New("memory not found")

	// ErrInvalidConfig indicates the provided configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// GovernorError wraps errors with operation context.
//
// It records which governor operation failed, making error messages more
// informative for debugging.
//
// Example:
//
//	err := &GovernorError{Op: "Consolidate", Err: ErrBackendUnavailable}
//	// Error() returns: "governor: Consolidate: durable backend unavailable"
type GovernorError struct {
	// Op is the name of the operation that failed.
	Op string

	// Err is the underlying error.
	Err error
}

// Error returns a formatted error message.
//
// The format is: "governor: <Op>: <Err>"
func (e *GovernorError) Error() string {
	return fmt.Sprintf("governor: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
//
// This allows using errors.Is() and errors.As() with GovernorError.
func (e *GovernorError) Unwrap() error {
	return e.Err
}

// NewGovernorError creates a new GovernorError wrapping the given error.
//
// If err is nil, returns nil. This allows safe error wrapping:
//
//	if err != nil {
//	    return NewGovernorError("Observe", err)
//	}
//
// Parameters:
//   - op: Name of the operation (e.g., "Observe", "Recall", "Consolidate")
//   - err: The underlying error to wrap
//
// Returns a GovernorError, or nil if err is nil.
func NewGovernorError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &GovernorError{
		Op:  op,
		Err: err,
	}
}
