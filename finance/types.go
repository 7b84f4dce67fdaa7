/*
Package finance is the core financial ledger for the school administration system.

PURPOSE:
  This package owns the entities with real invariants: Charges and their
  payment state machine, Payments, Scholarships, and the read models built
  from them. Everything else in the system (students, groups, enrollments)
  is a thin data-entry shell around this ledger.

KEY CONCEPTS IN THIS FILE (types.go):
  - Charge: a billable obligation (student, concept, cycle, period) with
    derived Subtotal/Total and a Pending → Partial → Paid state machine
  - Payment: an immutable monetary application against a Charge
  - Scholarship: a time-bounded discount grant ([start, end) interval)
  - Period: a calendar billing period in YYYY-MM form
  - Catalog entities (Student, Concept, Cycle) needed by the core

DESIGN PRINCIPLES:
  1. Precision: all money is decimal.Decimal, never binary floating point
  2. Immutability: settled Payments are never updated or deleted
  3. Soft deletion: Charges referenced by Payments are deactivated, not removed
  4. Type safety: strong ID types prevent mixing student/concept/charge IDs

SEE ALSO:
  - money.go: Subtotal/Tax/Total arithmetic
  - ledger.go: Charge state machine and payment application
  - store.go: persistence interfaces
*/
package finance

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type StudentID string
type ConceptID string
type CycleID string
type ChargeID string
type PaymentID string
type ScholarshipID string

// =============================================================================
// CHARGE - Billable obligation with a payment state machine
// =============================================================================

type ChargeState string

const (
	ChargePending   ChargeState = "pending"
	ChargePartial   ChargeState = "partial"
	ChargePaid      ChargeState = "paid"
	ChargeCancelled ChargeState = "cancelled"
)

// Charge is a billable obligation owed by a student for a concept within a
// school cycle and calendar period.
//
// INVARIANTS:
//   - 0 <= AmountReceived
//   - State == ChargePaid implies AmountReceived >= Total()
//   - State == ChargeCancelled implies AmountReceived == 0
//   - Folio is assigned at creation and immutable thereafter
//   - At most one active Charge per (student, concept, cycle, period)
//
// Charges are mutated only by payment application or manual correction, and
// are never physically deleted while Payments reference them.
type Charge struct {
	ID             ChargeID
	Folio          string
	StudentID      StudentID
	ConceptID      ConceptID
	CycleID        CycleID
	Period         Period
	Amount         decimal.Decimal
	Discount       decimal.Decimal
	Surcharge      decimal.Decimal
	TaxRate        decimal.Decimal
	AmountReceived decimal.Decimal
	State          ChargeState
	IssuedAt       time.Time
	DueDate        *time.Time
	PaidAt         *time.Time
	Active         bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Subtotal returns Amount - Discount + Surcharge.
func (c *Charge) Subtotal() decimal.Decimal {
	return Subtotal(c.Amount, c.Discount, c.Surcharge)
}

// Total returns Subtotal * (1 + TaxRate), rounded to 2 decimals.
func (c *Charge) Total() decimal.Decimal {
	return Total(c.Amount, c.Discount, c.Surcharge, c.TaxRate)
}

// PendingBalance returns Total - AmountReceived, floored at zero.
func (c *Charge) PendingBalance() decimal.Decimal {
	pending := c.Total().Sub(c.AmountReceived)
	if pending.IsNegative() {
		return decimal.Zero
	}
	return pending
}

// Settled reports whether the charge no longer accepts reconciled payments.
func (c *Charge) Settled() bool {
	return c.State == ChargePaid || c.State == ChargeCancelled
}

// =============================================================================
// PAYMENT - Immutable monetary application
// =============================================================================

type PaymentMethod string

const (
	MethodCash         PaymentMethod = "cash"
	MethodBankTransfer PaymentMethod = "bank_transfer"
	MethodCard         PaymentMethod = "card"
)

// Payment records a monetary application against a Charge.
//
// Payments are settled at application time and immutable from then on:
// the store exposes no update or delete operation for them. Corrections
// are made with new compensating Payment records, never by editing.
type Payment struct {
	ID        PaymentID
	ChargeID  ChargeID
	Amount    decimal.Decimal
	Method    PaymentMethod
	Reference string
	PaidAt    time.Time
	CreatedAt time.Time
}

// =============================================================================
// SCHOLARSHIP - Time-bounded discount grant
// =============================================================================

type ScholarshipKind string

const (
	ScholarshipPercentage ScholarshipKind = "percentage"
	ScholarshipFixed      ScholarshipKind = "fixed"
)

// Scholarship grants a student a discount over its active interval [Start, End).
//
// INVARIANT: no two active Scholarships for the same student may have
// overlapping intervals, so at most one applies at any instant.
type Scholarship struct {
	ID        ScholarshipID
	StudentID StudentID
	Kind      ScholarshipKind
	// Value is a percentage in [0, 100] for ScholarshipPercentage,
	// or an absolute amount for ScholarshipFixed.
	Value     decimal.Decimal
	Start     time.Time
	End       time.Time
	Active    bool
	CreatedAt time.Time
}

// Covers reports whether asOf falls inside the active interval [Start, End).
func (s *Scholarship) Covers(asOf time.Time) bool {
	return !asOf.Before(s.Start) && asOf.Before(s.End)
}

// =============================================================================
// CATALOG ENTITIES - Minimal shapes the core depends on
// =============================================================================

type Student struct {
	ID        StudentID
	Name      string
	Email     string
	Active    bool
	CreatedAt time.Time
}

// Concept is a billable concept. Recurring concepts drive monthly batch
// generation; DefaultAmount is the base amount before scholarship discount.
type Concept struct {
	ID            ConceptID
	Name          string
	DefaultAmount decimal.Decimal
	TaxRate       decimal.Decimal
	Recurring     bool
	Active        bool
	CreatedAt     time.Time
}

type Cycle struct {
	ID        CycleID
	Name      string
	Start     time.Time
	End       time.Time
	Active    bool
	CreatedAt time.Time
}
