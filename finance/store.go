/*
store.go - Persistence interfaces for the ledger

PURPOSE:
  Defines the boundary between domain logic and the relational store.
  Implementations can use SQLite, PostgreSQL, or in-memory storage; the
  shipped implementation is store/sqlite.

CONTRACT:
  - Payments are append-only: there is no update or delete for them.
  - Charges are never physically deleted; Active is the soft-delete flag.
  - InsertCharge surfaces the (student, concept, cycle, period) uniqueness
    invariant as ErrDuplicateCharge and a folio collision as a
    TransientStoreFailure, both backed by unique indexes.
  - WithTx runs fn against a transactional view of the store. Operations
    that read-then-write a charge (payment application, cancellation)
    re-read the row inside WithTx to avoid lost updates.

SEE ALSO:
  - ledger.go: the only writer of charges and payments
  - store/sqlite/sqlite.go: concrete implementation
*/
package finance

import (
	"context"
	"time"
)

// ChargeStore persists charges.
type ChargeStore interface {
	// InsertCharge persists a new charge. Returns ErrDuplicateCharge when an
	// active charge already exists for the same (student, concept, cycle,
	// period) tuple, or a TransientStoreFailure on a folio collision.
	InsertCharge(ctx context.Context, c *Charge) error

	GetCharge(ctx context.Context, id ChargeID) (*Charge, error)

	// GetChargeByFolio resolves a charge by its human-readable folio.
	GetChargeByFolio(ctx context.Context, folio string) (*Charge, error)

	// UpdateCharge writes back mutable fields (amount received, state,
	// paid date, active flag). Folio and monetary terms never change.
	UpdateCharge(ctx context.Context, c *Charge) error

	// ChargeExists reports whether an active charge exists for the tuple.
	ChargeExists(ctx context.Context, studentID StudentID, conceptID ConceptID, cycleID CycleID, period Period) (bool, error)

	// ChargesByStudent returns all active charges for a student,
	// ordered by issue date.
	ChargesByStudent(ctx context.Context, studentID StudentID) ([]*Charge, error)
}

// PaymentStore persists payments. Append-only: no update, no delete.
type PaymentStore interface {
	InsertPayment(ctx context.Context, p *Payment) error
	PaymentsByCharge(ctx context.Context, chargeID ChargeID) ([]*Payment, error)
	HasPayments(ctx context.Context, chargeID ChargeID) (bool, error)
}

// ScholarshipStore persists scholarship grants.
type ScholarshipStore interface {
	InsertScholarship(ctx context.Context, s *Scholarship) error

	// ActiveScholarshipAt returns the active scholarship covering asOf for
	// the student, or a NotFoundError when none covers it.
	ActiveScholarshipAt(ctx context.Context, studentID StudentID, asOf time.Time) (*Scholarship, error)

	// OverlappingScholarshipExists reports whether any active scholarship
	// for the student overlaps [start, end).
	OverlappingScholarshipExists(ctx context.Context, studentID StudentID, start, end time.Time) (bool, error)

	DeactivateScholarship(ctx context.Context, id ScholarshipID) error
}

// CatalogStore persists the minimal catalog the core depends on.
type CatalogStore interface {
	InsertStudent(ctx context.Context, s *Student) error
	GetStudent(ctx context.Context, id StudentID) (*Student, error)
	ActiveStudents(ctx context.Context) ([]*Student, error)

	InsertConcept(ctx context.Context, c *Concept) error
	GetConcept(ctx context.Context, id ConceptID) (*Concept, error)
	// RecurringConcepts returns active concepts flagged for monthly billing.
	RecurringConcepts(ctx context.Context) ([]*Concept, error)

	InsertCycle(ctx context.Context, c *Cycle) error
	GetCycle(ctx context.Context, id CycleID) (*Cycle, error)
}

// Store is the full persistence surface of the ledger.
type Store interface {
	ChargeStore
	PaymentStore
	ScholarshipStore
	CatalogStore
	FolioSequencer

	// WithTx executes fn within a transaction. If fn returns an error the
	// transaction is rolled back, otherwise committed. Nested calls reuse
	// the enclosing transaction.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// StampedChecker reports whether a charge carries a stamped fiscal document.
// Implemented by the fiscal document store; the ledger consults it before
// cancelling a charge.
type StampedChecker interface {
	HasStampedDocument(ctx context.Context, chargeID ChargeID) (bool, error)
}
