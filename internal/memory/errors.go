package memory

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrBusy is returned when an exclusive batch pass is already running.
	ErrBusy = errors.New("pass already running")
	// ErrLengthMismatch is returned when a batch embedding call returns a
	// different number of vectors than it was given texts.
	ErrLengthMismatch = errors.New("embedding batch length mismatch")
)

// FieldError is a single field-level rejection.
type FieldError struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// ValidationError rejects malformed input before any side effect.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Reason
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field rejection.
func (e *ValidationError) Add(field, format string, args ...any) {
	e.Fields = append(e.Fields, FieldError{Field: field, Reason: fmt.Sprintf(format, args...)})
}

// Err returns e if any field was rejected, nil otherwise.
func (e *ValidationError) Err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Invalid builds a single-field ValidationError.
func Invalid(field, format string, args ...any) error {
	v := &ValidationError{}
	v.Add(field, format, args...)
	return v
}

// NotFoundError signals an unknown memory id.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("memory %s not found", e.ID)
}

// ExternalServiceError wraps a failure from a collaborator (embedding host,
// storage backend).
type ExternalServiceError struct {
	Service   string
	Op        string
	Retryable bool
	Err       error
}

func (e *ExternalServiceError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("%s %s (%s): %v", e.Service, e.Op, kind, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsRetryable reports whether err is a transient external failure.
func IsRetryable(err error) bool {
	var ext *ExternalServiceError
	return errors.As(err, &ext) && ext.Retryable
}
