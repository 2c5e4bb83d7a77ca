// Package apperr defines the caller-facing error taxonomy of the pipeline core.
//
// Each kind is a concrete type carrying context (resource, field, operation) and matches
// its sentinel with errors.Is, so callers can branch on the kind without type switches:
//
//	if errors.Is(err, apperr.ErrConflict) { ... }
//
//	var nf *apperr.NotFoundError
//	if errors.As(err, &nf) { log.Warn("missing", "resource", nf.Resource) }
//
// TimeoutError is never returned from a call; reconciliation records it on a stage.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel kinds.
var (
	ErrValidation     = errors.New("validation failed")
	ErrNotFound       = errors.New("not found")
	ErrConflict       = errors.New("conflict")
	ErrExternalSystem = errors.New("external system error")
	ErrTimeout        = errors.New("timed out")
)

// ValidationError reports malformed input or an unsupported stack combination.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

// NewValidationError creates a ValidationError for field.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// WithValue attaches the rejected value.
func (e *ValidationError) WithValue(v any) *ValidationError {
	e.Value = v
	return e
}

func (e *ValidationError) Error() string {
	switch {
	case e.Field != "" && e.Value != nil:
		return fmt.Sprintf("validation error [field=%s, value=%v]: %s", e.Field, e.Value, e.Message)
	case e.Field != "":
		return fmt.Sprintf("validation error [field=%s]: %s", e.Field, e.Message)
	default:
		return "validation error: " + e.Message
	}
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// NotFoundError reports a reference to a nonexistent project, run or stage.
type NotFoundError struct {
	Resource string
	ID       string
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s '%s' not found", e.Resource, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports an invariant violation such as a second active run.
type ConflictError struct {
	Resource string
	ID       string
	Reason   string
}

// NewConflictError creates a ConflictError.
func NewConflictError(resource, id, reason string) *ConflictError {
	return &ConflictError{Resource: resource, ID: id, Reason: reason}
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s '%s': %s", e.Resource, e.ID, e.Reason)
}

// Is matches ErrConflict.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// ExternalSystemError reports that the CI runner could not be reached or refused a request.
type ExternalSystemError struct {
	System    string
	Operation string
	cause     error
}

// NewExternalSystemError wraps cause.
func NewExternalSystemError(system, operation string, cause error) *ExternalSystemError {
	return &ExternalSystemError{System: system, Operation: operation, cause: cause}
}

func (e *ExternalSystemError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s %s failed", e.System, e.Operation)
	}
	return fmt.Sprintf("%s %s failed: %v", e.System, e.Operation, e.cause)
}

// Unwrap returns the transport error.
func (e *ExternalSystemError) Unwrap() error { return e.cause }

// Is matches ErrExternalSystem.
func (e *ExternalSystemError) Is(target error) bool { return target == ErrExternalSystem }

// TimeoutError describes a stage that stopped reporting progress.
type TimeoutError struct {
	Operation string
	Window    time.Duration
}

// NewTimeoutError creates a TimeoutError.
func NewTimeoutError(operation string, window time.Duration) *TimeoutError {
	return &TimeoutError{Operation: operation, Window: window}
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout error: %s (no progress within %s)", e.Operation, e.Window)
}

// Is matches ErrTimeout.
func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// Kind returns the sentinel for err, or nil when err is outside the taxonomy.
func Kind(err error) error {
	for _, kind := range []error{ErrValidation, ErrNotFound, ErrConflict, ErrExternalSystem, ErrTimeout} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
