package shared

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates resource not found.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates a request rejected before any write.
	ErrValidation = errors.New("validation failed")
	// ErrInsufficientStock indicates a decrement larger than the batch availability.
	ErrInsufficientStock = errors.New("insufficient stock")
	// ErrInvalidTransition indicates a workflow action not permitted from the current state.
	ErrInvalidTransition = errors.New("invalid state transition")
	// ErrAlreadyProcessed indicates a terminal transition that already happened.
	ErrAlreadyProcessed = errors.New("already processed")
	// ErrConflict indicates a concurrent writer won the race; the caller may retry.
	ErrConflict = errors.New("concurrent modification")
	// ErrUnauthorized indicates a request without an identifiable actor.
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError describes a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Reason)
}

// Is matches ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for a *ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// InsufficientStockError reports the batch that could not cover a decrement.
type InsufficientStockError struct {
	BatchID   int64
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock in batch %d: requested %s, available %s", e.BatchID, e.Requested, e.Available)
}

// Is matches ErrInsufficientStock.
func (e *InsufficientStockError) Is(target error) bool { return target == ErrInsufficientStock }

// InvalidStateTransitionError reports a workflow action invoked from the wrong state.
type InvalidStateTransitionError struct {
	Entity string
	From   string
	Action string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("%s: cannot %s from status %s", e.Entity, e.Action, e.From)
}

// Is matches ErrInvalidTransition.
func (e *InvalidStateTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// AlreadyProcessedError reports a replayed terminal transition.
type AlreadyProcessedError struct {
	Entity string
	ID     int64
	Status string
}

func (e *AlreadyProcessedError) Error() string {
	return fmt.Sprintf("%s %d already processed (status %s)", e.Entity, e.ID, e.Status)
}

// Is matches ErrAlreadyProcessed.
func (e *AlreadyProcessedError) Is(target error) bool { return target == ErrAlreadyProcessed }

// NotFoundError reports a missing referenced record.
type NotFoundError struct {
	Entity string
	ID     int64
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Entity, e.ID)
}

// Is matches ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound is shorthand for a *NotFoundError.
func NotFound(entity string, id int64) error {
	return &NotFoundError{Entity: entity, ID: id}
}
