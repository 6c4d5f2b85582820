package store

import (
	"errors"
	"fmt"
)

// Sentinel errors for lookup failures.
var (
	ErrRequestNotFound = errors.New("request not found")
	ErrTaskNotFound    = errors.New("task not found")
	ErrWorkerNotFound  = errors.New("worker not found")
	ErrMergeNotFound   = errors.New("merge queue entry not found")
)

// Conflict errors for optimistic-check failures. These indicate the caller
// lost a race, not a bug; callers may retry on the next tick.
var (
	ErrTaskNotReady     = errors.New("task_not_ready")
	ErrWorkerNotIdle    = errors.New("worker_not_idle")
	ErrWorkerClaimed    = errors.New("worker_claimed")
	ErrTaskTerminal     = errors.New("task_terminal")
	ErrRequestCompleted = errors.New("request_completed")
)

// InvalidColumnError is returned when an update names a column outside the
// table's whitelist. This is the last gate against identifier injection;
// reaching it from typed updaters indicates a programming error.
type InvalidColumnError struct {
	Table  string
	Column string
}

func (e *InvalidColumnError) Error() string {
	return fmt.Sprintf("invalid column %q for table %q", e.Column, e.Table)
}

// ConstraintError wraps a schema CHECK or enum violation.
type ConstraintError struct {
	Table  string
	Detail string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("constraint violation on %s: %s", e.Table, e.Detail)
}

// IsConflict reports whether err is one of the optimistic-check conflict
// errors that callers are expected to absorb and retry.
func IsConflict(err error) bool {
	return errors.Is(err, ErrTaskNotReady) ||
		errors.Is(err, ErrWorkerNotIdle) ||
		errors.Is(err, ErrWorkerClaimed) ||
		errors.Is(err, ErrTaskTerminal) ||
		errors.Is(err, ErrRequestCompleted)
}
