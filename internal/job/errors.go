package job

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("job validation failed")
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrStale means a conditional update found the record in a different
	// status than the caller expected.
	ErrStale = errors.New("job status changed")
)

// FieldError is one field-level validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string { return e.Field + ": " + e.Message }

// ValidationError carries every field-level failure found for one record.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return ErrValidation.Error()
	}
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.String())
	}
	return ErrValidation.Error() + ": " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// InvalidTransitionError reports a status change outside the lifecycle graph.
type InvalidTransitionError struct {
	ID   int64
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("job %d: %s %s -> %s", e.ID, ErrInvalidTransition, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// StaleError reports a failed status precondition.
type StaleError struct {
	ID       int64
	Expected Status
	Actual   Status
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("job %d: %s (expected %s, found %s)", e.ID, ErrStale, e.Expected, e.Actual)
}

func (e *StaleError) Unwrap() error { return ErrStale }
