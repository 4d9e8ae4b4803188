package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the queue, scheduler, registry and bridge.
var (
	ErrValidation          = errors.New("validation error")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrDuplicateSession    = errors.New("duplicate session")
	ErrSessionNotFound     = errors.New("session not found")
	ErrAlreadyRunning      = errors.New("scheduler already running")
	ErrNotFound            = errors.New("not found")
	ErrUpstreamCallFailure = errors.New("upstream call failure")
	ErrProtocol            = errors.New("protocol error")
	ErrBackpressureDrop    = errors.New("backpressure drop")
	ErrStreamExists        = errors.New("audio stream already exists")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError creates a validation error for a field
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// TransitionError creates an invalid transition error with the from/to states
func TransitionError(kind, id, from, to string) error {
	return fmt.Errorf("%w: %s %s cannot move from %s to %s", ErrInvalidTransition, kind, id, from, to)
}
