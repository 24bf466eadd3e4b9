/*
errors.go - Error taxonomy for the stock engine

PURPOSE:
  All error types in one place. Callers match with errors.Is on the
  sentinels or errors.As on the structured types; the API layer only needs
  Classify() to pick a status code and tell the UI whether a retry is safe.

ERROR CATEGORIES:
  validation            malformed input, rejected before any mutation
  not_found             referenced product/location/order/... is missing
  insufficient_stock    shipping more than reserved, receiving more than ordered
  constraint_violation  a quantity would go negative; whole transaction rolled back
  conflict              lock wait timeout / busy database; retry the whole call
  invalid_state         operation not allowed in the entity's current status
  idempotency           key already used by a different operation

  Backorder is NOT an error. Allocation returns it as part of its result.
  A duplicate key for the SAME operation is NOT an error either: the guard
  returns the stored result.
*/
package inventory

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation = errors.New("validation failed")

	ErrNotFound = errors.New("not found")

	ErrInsufficientStock = errors.New("insufficient stock")

	// ErrInsufficientReservation is also an ErrInsufficientStock.
	ErrInsufficientReservation = fmt.Errorf("%w: reservation too small", ErrInsufficientStock)

	// ErrOverReceipt is also an ErrInsufficientStock (nothing left on order to receive against).
	ErrOverReceipt = fmt.Errorf("%w: receipt exceeds quantity ordered", ErrInsufficientStock)

	ErrConstraintViolation = errors.New("constraint violation")

	// ErrConcurrencyConflict means the transaction could not get its locks or commit.
	// Nothing was applied; the caller should retry the whole operation.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	ErrInvalidState = errors.New("invalid state")

	ErrIdempotencyKeyReused = errors.New("idempotency key reused for a different operation")

	// ErrDuplicateIdempotencyKey is returned by stores when a ledger entry key already exists.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

func notFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

// ConstraintViolationError reports which quantity would have gone negative.
type ConstraintViolationError struct {
	Key     SnapshotKey
	Field   string
	Current int64
	Delta   int64
}

func (e *ConstraintViolationError) Error() string {
	return fmt.Sprintf("constraint violation: %s %s would become %d (current %d, change %d)",
		e.Key, e.Field, e.Current+e.Delta, e.Current, e.Delta)
}

func (e *ConstraintViolationError) Unwrap() error { return ErrConstraintViolation }

type InsufficientReservationError struct {
	LineID     string
	LocationID string
	Reserved   int64
	Requested  int64
}

func (e *InsufficientReservationError) Error() string {
	return fmt.Sprintf("insufficient reservation for line %s at %s: reserved %d, requested %d",
		e.LineID, e.LocationID, e.Reserved, e.Requested)
}

func (e *InsufficientReservationError) Unwrap() error { return ErrInsufficientReservation }

// StockShortError reports a direct request for more than a location has available.
type StockShortError struct {
	Key       SnapshotKey
	Available int64
	Requested int64
}

func (e *StockShortError) Error() string {
	return fmt.Sprintf("insufficient stock at %s: available %d, requested %d", e.Key, e.Available, e.Requested)
}

func (e *StockShortError) Unwrap() error { return ErrInsufficientStock }

type OverReceiptError struct {
	LineID      string
	Outstanding int64
	Requested   int64
}

func (e *OverReceiptError) Error() string {
	return fmt.Sprintf("over-receipt on purchase order line %s: outstanding %d, requested %d",
		e.LineID, e.Outstanding, e.Requested)
}

func (e *OverReceiptError) Unwrap() error { return ErrOverReceipt }

// StateError reports an operation attempted in a status that does not allow it.
type StateError struct {
	Entity    string
	ID        string
	Status    string
	Operation string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s %s %s in status %q", e.Operation, e.Entity, e.ID, e.Status)
}

func (e *StateError) Unwrap() error { return ErrInvalidState }

// =============================================================================
// ERROR HELPERS
// =============================================================================

type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindInsufficientStock   Kind = "insufficient_stock"
	KindConstraintViolation Kind = "constraint_violation"
	KindConflict            Kind = "conflict"
	KindInvalidState        Kind = "invalid_state"
	KindIdempotency         Kind = "idempotency"
	KindInternal            Kind = "internal"
)

// Classify maps an error onto the taxonomy above.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInsufficientStock):
		return KindInsufficientStock
	case errors.Is(err, ErrConstraintViolation):
		return KindConstraintViolation
	case errors.Is(err, ErrConcurrencyConflict):
		return KindConflict
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrIdempotencyKeyReused), errors.Is(err, ErrDuplicateIdempotencyKey):
		return KindIdempotency
	}
	return KindInternal
}

// IsRetryable returns true if retrying the same call might succeed.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	switch Classify(err) {
	case KindValidation, KindNotFound, KindInsufficientStock, KindConstraintViolation,
		KindInvalidState, KindIdempotency:
		return true
	}
	return false
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
