package services

import (
	"errors"
	"fmt"
)

// ErrTurnBusy is returned when an earlier turn for the same user held the turn lock past the wait limit.
var ErrTurnBusy = errors.New("previous turn is still running")

type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string { return "Validation error" }

// ConflictError reports a duplicate username or another users-table constraint violation.
type ConflictError struct{ Message string }

func (e *ConflictError) Error() string { return e.Message }

// UnauthorizedError reports a failed login. The message never says which half of the credentials was wrong.
type UnauthorizedError struct{ Message string }

func (e *UnauthorizedError) Error() string { return e.Message }

// StorageError wraps a persistence failure. Op names the step that failed.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

// UpstreamError wraps a failed completion call. Timeout is set when the call hit its deadline.
type UpstreamError struct {
	Timeout bool
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("upstream timeout: %v", e.Err)
	}
	return fmt.Sprintf("upstream: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }
