/*
Package fiscal drives regulated tax documents through their stamp/cancel
lifecycle.

PURPOSE:
  A fiscal document (tax invoice) is bound to a charge and must go through
  a stamping provider before it is legally valid. This package owns the
  document state machine, the bounded-retry stamping flow, and the
  append-only audit log (bitácora) of every fiscal event.

STATE MACHINE:
  Draft --Stamp--> Stamped --Cancel--> Cancelled

  A failed stamp attempt leaves the state unchanged: the failure is
  recorded as a retry increment plus an audit entry, never as a terminal
  state. A document cannot leave Stamped except to Cancelled.

INVARIANTS:
  - A charge has at most one Stamped document at any time
  - Monetary totals are copied from the charge at issuance and never
    recomputed afterwards: the document preserves what was stamped
  - Every operation on an existing document appends exactly one audit
    entry: success, provider failure, or business-rule rejection
  - The audit log is append-only and never pruned by business logic

SEE ALSO:
  - engine.go: Issue/Stamp/Cancel operations
  - stamper.go: stamping provider contract and its simulator
*/
package fiscal

import (
	"fmt"
	"time"

	"github.com/cedro/school-ledger/finance"
	"github.com/shopspring/decimal"
)

// =============================================================================
// DOCUMENT
// =============================================================================

type DocumentID string

type State string

const (
	StateDraft     State = "draft"
	StateStamped   State = "stamped"
	StateCancelled State = "cancelled"
)

// Receiver identifies the party the document is issued to.
type Receiver struct {
	Name  string
	TaxID string
	Email string
}

// Document is a regulated tax record bound to a charge.
type Document struct {
	ID            DocumentID
	ChargeID      finance.ChargeID
	Folio         string
	ReceiverName  string
	ReceiverTaxID string

	// Monetary totals mirrored from the charge at issuance time.
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal

	// StampID is the unique stamping identifier assigned by the provider.
	// Empty until the document is stamped.
	StampID string

	State        State
	RetryCount   int
	LastError    string
	CancelReason string

	IssuedAt    time.Time
	StampedAt   *time.Time
	CancelledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// AUDIT LOG - Append-only bitácora of fiscal events
// =============================================================================

type AuditEvent string

const (
	AuditCreated        AuditEvent = "Created"
	AuditStampSucceeded AuditEvent = "StampSucceeded"
	AuditStampFailed    AuditEvent = "StampFailed"
	AuditStampRejected  AuditEvent = "StampRejected"
	AuditCancelled      AuditEvent = "Cancelled"
	AuditCancelRejected AuditEvent = "CancelRejected"
)

// AuditEntry records one fiscal event. Entries are never updated or
// deleted by business logic; retention is an external concern.
type AuditEntry struct {
	ID          string
	DocumentID  DocumentID
	Event       AuditEvent
	Description string
	ErrorDetail string
	At          time.Time
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrChargeAlreadyStamped rejects issuing against a charge that already
	// carries a stamped document.
	ErrChargeAlreadyStamped = fmt.Errorf("%w: charge already has a stamped document", finance.ErrBusinessRule)

	// ErrChargeNotBillable rejects issuing against a cancelled charge.
	ErrChargeNotBillable = fmt.Errorf("%w: charge is cancelled", finance.ErrBusinessRule)

	// ErrAlreadyStamped rejects stamping a document twice.
	ErrAlreadyStamped = fmt.Errorf("%w: document already stamped", finance.ErrBusinessRule)

	// ErrDocumentCancelled rejects operating on a cancelled document.
	ErrDocumentCancelled = fmt.Errorf("%w: document is cancelled", finance.ErrBusinessRule)

	// ErrNotStamped rejects cancelling a document that was never stamped.
	ErrNotStamped = fmt.Errorf("%w: document is not stamped", finance.ErrBusinessRule)

	// ErrRetryLimit rejects stamping past the configured retry maximum
	// without the force flag.
	ErrRetryLimit = fmt.Errorf("%w: stamp retry limit reached", finance.ErrBusinessRule)
)
