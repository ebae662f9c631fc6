package domain

import (
	"errors"
	"fmt"
)

// ErrTransient marks a slice attempt that failed at the settlement boundary.
// It is recorded in the order's ledger and absorbed by the next tick's slice
// recomputation; it never crosses the scheduler's per-task catch.
var ErrTransient = errors.New("transient execution error")

// ValidationError rejects a task or order before it is ever created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// FatalError wraps a task-store failure the scheduler cannot work around.
// It halts ticking for all tasks and is surfaced through health reporting.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("scheduler fatal: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a FatalError.
func IsFatal(err error) bool {
	var f *FatalError
	return errors.As(err, &f)
}
