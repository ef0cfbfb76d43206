// Package domainerr holds the error taxonomy shared by the pricing engine,
// the lifecycle services, the webhook reconciler and the store adapters.
package domainerr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation         = errors.New("validation failed")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrNotFound           = errors.New("not found")
	ErrExternalService    = errors.New("external service error")
	ErrSignatureInvalid   = errors.New("webhook signature invalid")
	ErrStoreUnavailable   = errors.New("store unavailable")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
)

// ValidationError reports malformed or out-of-range input. It is always
// returned before any state change.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// PreconditionError reports a state-machine or status guard violation.
type PreconditionError struct {
	Entity   string
	ID       string
	Current  string
	Required []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("%s %s is %s, requires %s", e.Entity, e.ID, e.Current, strings.Join(e.Required, "|"))
}

func (e *PreconditionError) Unwrap() error { return ErrPreconditionFailed }

// ExternalError wraps a failed or timed out payment processor call.
type ExternalError struct {
	Op     string
	Status int
	Err    error
}

func (e *ExternalError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("processor %s: http status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("processor %s: %v", e.Op, e.Err)
}

func (e *ExternalError) Is(target error) bool { return target == ErrExternalService }

func (e *ExternalError) Unwrap() error { return e.Err }

func NotFound(entity, id string) error {
	return fmt.Errorf("%s %s: %w", entity, id, ErrNotFound)
}

func Unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
