/*
errors.go - Centralized error taxonomy for the ledger

PURPOSE:
  All error categories in one place. Callers classify failures with the
  errors.Is predicates below instead of string matching.

TAXONOMY:
  NotFound                referenced entity absent or inactive; never retried
  Validation              malformed input with field-level detail; never retried
  BusinessRuleViolation   rejected by an invariant; never retried automatically
  TransientStoreFailure   constraint race or update conflict; retried with
                          bounded attempts before surfacing
  ExternalDependencyFailure  stamping-provider failure; recorded to the audit
                          log and retried only up to the configured maximum

USAGE:
  Domain packages wrap these sentinels with structured types:

    if finance.IsBusinessRule(err) {
        // reject, do not retry
    }
*/
package finance

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is the root of every missing-entity error.
	ErrNotFound = errors.New("not found")

	// ErrValidation is the root of every malformed-input error.
	ErrValidation = errors.New("validation failed")

	// ErrBusinessRule is the root of every invariant rejection.
	ErrBusinessRule = errors.New("business rule violation")

	// ErrTransientStore indicates a constraint race or concurrent update
	// conflict. Safe to retry with bounded attempts.
	ErrTransientStore = errors.New("transient store failure")

	// ErrExternalDependency indicates a failure in an external collaborator
	// (stamping provider). Retried only within the configured budget.
	ErrExternalDependency = errors.New("external dependency failure")

	// ErrDuplicateCharge is returned when a second active charge is created
	// for the same (student, concept, cycle, period) tuple.
	ErrDuplicateCharge = fmt.Errorf("%w: duplicate active charge for student/concept/cycle/period", ErrBusinessRule)

	// ErrChargeSettled is returned when a payment targets a cancelled charge.
	ErrChargeSettled = fmt.Errorf("%w: charge is cancelled", ErrBusinessRule)

	// ErrCancelWithPayments is returned when cancelling a charge that has
	// received payments. Reversals require compensating payments instead.
	ErrCancelWithPayments = fmt.Errorf("%w: cannot cancel a charge with applied payments", ErrBusinessRule)

	// ErrCancelStamped is returned when cancelling a charge with a stamped
	// fiscal document attached.
	ErrCancelStamped = fmt.Errorf("%w: charge has a stamped fiscal document", ErrBusinessRule)

	// ErrDeactivateWithPayments is returned when soft-deleting a charge that
	// payments still reference.
	ErrDeactivateWithPayments = fmt.Errorf("%w: cannot deactivate a charge with payments", ErrBusinessRule)

	// ErrOverlappingScholarship is returned when a new scholarship interval
	// overlaps an active one for the same student.
	ErrOverlappingScholarship = fmt.Errorf("%w: overlapping active scholarship", ErrBusinessRule)
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotFoundError identifies the missing entity.
type NotFoundError struct {
	Entity string // "charge", "student", "concept", "cycle", "scholarship"
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// ValidationError carries field-level detail for malformed input.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// =============================================================================
// PREDICATES
// =============================================================================

func IsNotFound(err error) bool     { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool   { return errors.Is(err, ErrValidation) }
func IsBusinessRule(err error) bool { return errors.Is(err, ErrBusinessRule) }

// IsRetryable reports whether the error might succeed on retry.
func IsRetryable(err error) bool { return errors.Is(err, ErrTransientStore) }

// IsExternal reports whether the error originated in an external dependency.
func IsExternal(err error) bool { return errors.Is(err, ErrExternalDependency) }
