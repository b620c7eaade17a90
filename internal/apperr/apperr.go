// Package apperr provides structured error types for the broker and runner.
package apperr

import (
	"errors"
	"fmt"
)

// Sentinel errors for common failure modes.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrForbidden    = errors.New("access denied")
	ErrValidation   = errors.New("invalid input")
	ErrAuthFailure  = errors.New("authentication failed")
	ErrUnavailable  = errors.New("service unavailable")
	ErrTimeout      = errors.New("operation timed out")
	ErrCapacity     = errors.New("agent at capacity")
	ErrRateLimit    = errors.New("rate limit exceeded")
)

// StateError means a task transition was rejected because the row was not in
// the expected state. Current carries the state observed at rejection time.
type StateError struct {
	TaskID   string
	Op       string
	Expected string
	Current  string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("task %s: cannot %s from status %q (expected %q)", e.TaskID, e.Op, e.Current, e.Expected)
}

// NewStateError creates a state violation error.
func NewStateError(taskID, op, expected, current string) *StateError {
	return &StateError{TaskID: taskID, Op: op, Expected: expected, Current: current}
}

// ConflictError means a unique constraint was violated (e.g. agent name collision).
type ConflictError struct {
	Constraint string
	Message    string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Constraint, e.Message)
}

// NewConflict creates a conflict error.
func NewConflict(constraint, message string) *ConflictError {
	return &ConflictError{Constraint: constraint, Message: message}
}

// APIError represents an error from a call to the broker HTTP API.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("broker API error (status %d): %s: %v", e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("broker API error (status %d): %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// NewAPIError creates a new API error.
func NewAPIError(statusCode int, message string) *APIError {
	return &APIError{StatusCode: statusCode, Message: message}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
// The runner treats these as soft failures: log, back off, retry next tick.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429, 500, 502, 503, 504:
			return true
		}
		return false
	}
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimit) || errors.Is(err, ErrUnavailable)
}
