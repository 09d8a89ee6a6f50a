package domain

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotFound               = errors.New("order not found")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrTerminalState          = errors.New("order is in a terminal state")
	ErrValidation             = errors.New("validation failed")
	ErrPickupNotDeliverable   = errors.New("pickup orders cannot go out for delivery")
	ErrConcurrentModification = errors.New("order was modified concurrently")
)

// TransitionError is returned when a status change is rejected. It carries the
// current and attempted status so callers can decide whether to retry or poll.
type TransitionError struct {
	From Status
	To   Status
	Err  error
}

func (e *TransitionError) Error() string {
	if errors.Is(e.Err, ErrPickupNotDeliverable) {
		return fmt.Sprintf("pickup order is %s and cannot go out for delivery", e.From)
	}
	if errors.Is(e.Err, ErrTerminalState) {
		return fmt.Sprintf("order is already %s and cannot move to %s", e.From, e.To)
	}
	return fmt.Sprintf("cannot transition order from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NewValidationError builds a ValidationError for field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// ConflictError reports a failed compare-and-swap against the stored order.
// CurrentStatus and AttemptedStatus are filled in by the caller when known.
type ConflictError struct {
	OrderID         string
	ExpectedStatus  Status
	CurrentStatus   Status
	AttemptedStatus Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("order %s no longer has status %s", e.OrderID, e.ExpectedStatus)
}

func (e *ConflictError) Unwrap() error {
	return ErrConcurrentModification
}
