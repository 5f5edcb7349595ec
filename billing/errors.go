/*
errors.go - Error taxonomy for the billing engine

PURPOSE:
  Every failure a caller can act on maps to exactly one category:

  1. Validation  - input rejected before anything is generated or mutated
  2. Not found   - unknown contract, installment, entry or payment
  3. Conflict    - operation not allowed in the current state
  4. Consistency - would drive an outstanding balance below zero

  Anything else is an infrastructure failure; the store rolls back the
  whole mutation and the error propagates wrapped.

USAGE:
    if billing.IsNotFound(err) { ... 404 ... }
    var verr *billing.ValidationError
    if errors.As(err, &verr) { field := verr.Field }

SEE ALSO:
  - api/handlers.go: maps categories to HTTP status codes
*/
package billing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation  = errors.New("validation failed")
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrConsistency = errors.New("consistency violation")

	// ErrConcurrentModification is returned when an optimistic version check
	// fails. The operation can be retried against fresh state.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrDuplicateInstallment is returned by stores when (contract, sequence)
	// already has an installment.
	ErrDuplicateInstallment = errors.New("duplicate installment sequence")

	// ErrDuplicateEntry is returned by stores when (contract, sequence)
	// already has a ledger entry.
	ErrDuplicateEntry = errors.New("duplicate ledger entry for installment")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

type NotFoundError struct {
	Kind string // contract, installment, entry, payment
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Reason }

func (e *ConflictError) Unwrap() error { return ErrConflict }

func conflict(format string, args ...any) error {
	return &ConflictError{Reason: fmt.Sprintf(format, args...)}
}

// ConsistencyError reports a credit that would overshoot the balance.
type ConsistencyError struct {
	EntryID     EntryID
	Outstanding decimal.Decimal
	Credit      decimal.Decimal
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("payment credit %s exceeds outstanding balance %s on entry %s",
		e.Credit.StringFixed(2), e.Outstanding.StringFixed(2), e.EntryID)
}

func (e *ConsistencyError) Unwrap() error { return ErrConsistency }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to caller input or state.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrConsistency)
}

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }
