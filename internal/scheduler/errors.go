package scheduler

import (
	"errors"
	"fmt"
)

var (
	ErrClosed    = errors.New("scheduler closed")
	ErrExecution = errors.New("job execution failed")

	// Causes attached to a worker's context when it is cancelled.
	ErrCancelled   = errors.New("cancelled")
	ErrInterrupted = errors.New("interrupted")
)

// ExecutionError is what a failed hook run becomes. It is recorded on the job
// as its Error string and published on the bus; it never escapes to callers
// of Submit.
type ExecutionError struct {
	ID  int64
	Err error
}

func (e *ExecutionError) Error() string { return fmt.Sprintf("job %d: %v", e.ID, e.Err) }

func (e *ExecutionError) Unwrap() []error { return []error{ErrExecution, e.Err} }
