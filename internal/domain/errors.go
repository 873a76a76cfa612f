package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrValidation  = errors.New("validation failed")
	ErrConflict    = errors.New("conflict")
	ErrForbidden   = errors.New("forbidden")
	ErrUnavailable = errors.New("unavailable")
)

// ValidationError reports malformed input on a named field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

func (e ValidationError) Unwrap() error { return ErrValidation }

// ConflictError is an illegal decision transition.
type ConflictError struct {
	From DecisionStatus
	To   DecisionStatus
}

func (e ConflictError) Error() string {
	return fmt.Sprintf("cannot transition decision from %s to %s", e.From, e.To)
}

func (e ConflictError) Unwrap() error { return ErrConflict }

// ForbiddenError is raised by the identity layer and passed through unchanged.
type ForbiddenError struct {
	HubID  string
	Reason string
}

func (e ForbiddenError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return fmt.Sprintf("access to hub %s denied", e.HubID)
}

func (e ForbiddenError) Unwrap() error { return ErrForbidden }

// UnavailableError wraps a storage failure callers may retry.
type UnavailableError struct {
	Op  string
	Err error
}

func (e UnavailableError) Error() string {
	return fmt.Sprintf("%s: storage unavailable: %v", e.Op, e.Err)
}

func (e UnavailableError) Unwrap() []error { return []error{ErrUnavailable, e.Err} }

// NotFound builds an ErrNotFound wrapper naming the missing entity.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// Retryable reports whether err is worth retrying by the caller.
func Retryable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
