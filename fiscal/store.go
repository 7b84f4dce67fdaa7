package fiscal

import (
	"context"

	"github.com/cedro/school-ledger/finance"
)

// Store persists fiscal documents and their audit log.
//
// The audit side is append-only: there is no update or delete for
// entries. Document updates surface a violation of the one-stamped-
// document-per-charge index as ErrChargeAlreadyStamped.
type Store interface {
	InsertDocument(ctx context.Context, d *Document) error
	GetDocument(ctx context.Context, id DocumentID) (*Document, error)
	UpdateDocument(ctx context.Context, d *Document) error

	// HasStampedDocument reports whether any document for the charge is in
	// state Stamped. Also satisfies finance.StampedChecker.
	HasStampedDocument(ctx context.Context, chargeID finance.ChargeID) (bool, error)

	AppendAudit(ctx context.Context, e *AuditEntry) error
	AuditByDocument(ctx context.Context, id DocumentID) ([]*AuditEntry, error)

	// WithDocTx executes fn within a transaction. If fn returns an error
	// the transaction is rolled back, otherwise committed. Nested calls
	// reuse the enclosing transaction. Operations that read-then-write a
	// document (stamping, cancellation) re-read the row inside WithDocTx
	// to avoid lost updates. The name differs from finance.Store.WithTx so
	// one store can implement both interfaces.
	WithDocTx(ctx context.Context, fn func(Store) error) error
}

// ChargeGetter is the slice of the ledger store the engine needs: totals
// are copied from the charge at issuance time.
type ChargeGetter interface {
	GetCharge(ctx context.Context, id finance.ChargeID) (*finance.Charge, error)
}
