/*
engine.go - Fiscal document operations

PURPOSE:
  Issue, Stamp and Cancel drive the document state machine. Every
  operation on an existing document appends exactly one audit entry:
  success, provider failure, or business-rule rejection. An audit write
  failure is logged loudly but never rolls back the underlying state
  change: losing a log line must not un-stamp a document.

RETRY POLICY:
  Stamp attempts are counted on the document. Once RetryCount reaches the
  configured maximum, further attempts are rejected unless force is set.
  Provider failures surface as ExternalDependencyFailure and are never
  retried automatically.
*/
package fiscal

import (
	"context"
	"fmt"
	"time"

	"github.com/cedro/school-ledger/finance"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Config carries the engine's tunables.
type Config struct {
	// FolioPrefix prefixes document folios, e.g. "FAC".
	FolioPrefix string
	// MaxRetries bounds stamp attempts before force is required.
	MaxRetries int
	// StampTimeout bounds a single provider call.
	StampTimeout time.Duration
}

// Engine owns the fiscal document lifecycle.
type Engine struct {
	store   Store
	charges ChargeGetter
	seq     finance.FolioSequencer
	stamper Stamper
	cfg     Config
	log     *logrus.Logger
	now     func() time.Time
}

func NewEngine(store Store, charges ChargeGetter, seq finance.FolioSequencer, stamper Stamper, cfg Config, log *logrus.Logger) *Engine {
	if cfg.FolioPrefix == "" {
		cfg.FolioPrefix = "FAC"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.StampTimeout <= 0 {
		cfg.StampTimeout = 15 * time.Second
	}
	if log == nil {
		log = logrus.New()
	}
	return &Engine{store: store, charges: charges, seq: seq, stamper: stamper, cfg: cfg, log: log, now: time.Now}
}

// SetClock overrides the engine's notion of now. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// =============================================================================
// ISSUE
// =============================================================================

// Issue creates a Draft document against a charge, copying the charge's
// monetary totals at issuance time. Rejected when the charge already has
// a stamped document.
func (e *Engine) Issue(ctx context.Context, chargeID finance.ChargeID, receiver Receiver) (*Document, error) {
	if receiver.Name == "" {
		return nil, &finance.ValidationError{Field: "receiver.name", Message: "must not be empty"}
	}
	charge, err := e.charges.GetCharge(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if !charge.Active {
		return nil, &finance.NotFoundError{Entity: "charge", ID: string(chargeID)}
	}
	if charge.State == finance.ChargeCancelled {
		return nil, ErrChargeNotBillable
	}
	stamped, err := e.store.HasStampedDocument(ctx, chargeID)
	if err != nil {
		return nil, err
	}
	if stamped {
		return nil, ErrChargeAlreadyStamped
	}

	now := e.now()
	seq, err := e.seq.NextFolioSeq(ctx, finance.FolioFiscal, now)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		ID:            DocumentID(uuid.NewString()),
		ChargeID:      chargeID,
		Folio:         finance.FiscalFolio(e.cfg.FolioPrefix, now, seq),
		ReceiverName:  receiver.Name,
		ReceiverTaxID: receiver.TaxID,
		Subtotal:      charge.Subtotal(),
		Tax:           finance.Tax(charge.Amount, charge.Discount, charge.Surcharge, charge.TaxRate),
		Total:         charge.Total(),
		State:         StateDraft,
		IssuedAt:      now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := e.store.InsertDocument(ctx, doc); err != nil {
		return nil, err
	}
	e.audit(ctx, doc.ID, AuditCreated, fmt.Sprintf("document %s issued for charge %s", doc.Folio, charge.Folio), "")

	e.log.WithFields(logrus.Fields{"document_id": doc.ID, "folio": doc.Folio, "charge_id": chargeID}).Info("fiscal document issued")
	return doc, nil
}

// =============================================================================
// STAMP
// =============================================================================

// Stamp submits a Draft document to the stamping provider. Every call on
// an existing document appends exactly one audit entry: a success, a
// provider failure, or a business-rule rejection. Provider attempts
// increment the retry counter; attempts beyond MaxRetries require force.
func (e *Engine) Stamp(ctx context.Context, id DocumentID, force bool) (*Document, error) {
	doc, err := e.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if rejectErr := e.stampable(doc, force); rejectErr != nil {
		e.audit(ctx, doc.ID, AuditStampRejected, "stamp attempt rejected", rejectErr.Error())
		return nil, rejectErr
	}

	// The provider round-trip stays outside the store transaction: a
	// network call must not hold the database write lock.
	stampCtx, cancel := context.WithTimeout(ctx, e.cfg.StampTimeout)
	defer cancel()
	res, stampErr := e.stamper.Stamp(stampCtx, doc)

	err = e.store.WithDocTx(ctx, func(s Store) error {
		// Re-read so two concurrent attempts serialize on the row instead
		// of losing a retry-count update.
		fresh, err := s.GetDocument(ctx, id)
		if err != nil {
			return err
		}
		if rejectErr := e.stampable(fresh, force); rejectErr != nil {
			return rejectErr
		}

		now := e.now()
		fresh.RetryCount++
		fresh.UpdatedAt = now
		if stampErr != nil {
			// Transient Error marker: the retry increment and error detail
			// are persisted, the state stays as it was.
			fresh.LastError = stampErr.Error()
		} else {
			fresh.StampID = res.StampID
			fresh.State = StateStamped
			stampedAt := res.StampedAt
			if stampedAt.IsZero() {
				stampedAt = now
			}
			fresh.StampedAt = &stampedAt
			fresh.LastError = ""
		}
		if err := s.UpdateDocument(ctx, fresh); err != nil {
			return err
		}
		doc = fresh
		return nil
	})
	if err != nil {
		// A concurrent attempt won between our pre-check and the write.
		if finance.IsBusinessRule(err) {
			e.audit(ctx, doc.ID, AuditStampRejected, "stamp attempt rejected", err.Error())
		}
		return nil, err
	}

	if stampErr != nil {
		e.audit(ctx, doc.ID, AuditStampFailed, fmt.Sprintf("stamp attempt %d failed", doc.RetryCount), stampErr.Error())
		e.log.WithError(stampErr).WithFields(logrus.Fields{"document_id": doc.ID, "attempt": doc.RetryCount}).Error("stamp failed")
		return nil, fmt.Errorf("%w: %v", finance.ErrExternalDependency, stampErr)
	}
	e.audit(ctx, doc.ID, AuditStampSucceeded, fmt.Sprintf("stamped with identifier %s", doc.StampID), "")

	e.log.WithFields(logrus.Fields{"document_id": doc.ID, "stamp_id": doc.StampID}).Info("fiscal document stamped")
	return doc, nil
}

// stampable reports why a document cannot be submitted to the provider.
func (e *Engine) stampable(doc *Document, force bool) error {
	switch doc.State {
	case StateStamped:
		return ErrAlreadyStamped
	case StateCancelled:
		return ErrDocumentCancelled
	}
	if doc.RetryCount >= e.cfg.MaxRetries && !force {
		return ErrRetryLimit
	}
	return nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel transitions a Stamped document to Cancelled, recording the
// reason and the cancellation timestamp. Every call on an existing
// document appends exactly one audit entry, rejections included.
func (e *Engine) Cancel(ctx context.Context, id DocumentID, reason string) (*Document, error) {
	doc, err := e.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		verr := &finance.ValidationError{Field: "reason", Message: "must not be empty"}
		e.audit(ctx, doc.ID, AuditCancelRejected, "cancel attempt rejected", verr.Error())
		return nil, verr
	}

	err = e.store.WithDocTx(ctx, func(s Store) error {
		fresh, err := s.GetDocument(ctx, id)
		if err != nil {
			return err
		}
		switch fresh.State {
		case StateCancelled:
			return ErrDocumentCancelled
		case StateDraft:
			return ErrNotStamped
		}

		now := e.now()
		fresh.State = StateCancelled
		fresh.CancelReason = reason
		fresh.CancelledAt = &now
		fresh.UpdatedAt = now
		if err := s.UpdateDocument(ctx, fresh); err != nil {
			return err
		}
		doc = fresh
		return nil
	})
	if err != nil {
		if finance.IsBusinessRule(err) {
			e.audit(ctx, doc.ID, AuditCancelRejected, "cancel attempt rejected", err.Error())
		}
		return nil, err
	}
	e.audit(ctx, doc.ID, AuditCancelled, fmt.Sprintf("cancelled: %s", reason), "")

	e.log.WithFields(logrus.Fields{"document_id": doc.ID, "reason": reason}).Info("fiscal document cancelled")
	return doc, nil
}

// Get returns one document by ID.
func (e *Engine) Get(ctx context.Context, id DocumentID) (*Document, error) {
	return e.store.GetDocument(ctx, id)
}

// AuditTrail returns the document's audit entries in chronological order.
func (e *Engine) AuditTrail(ctx context.Context, id DocumentID) ([]*AuditEntry, error) {
	if _, err := e.store.GetDocument(ctx, id); err != nil {
		return nil, err
	}
	return e.store.AuditByDocument(ctx, id)
}

// audit appends one entry. A failure here is logged at error level and
// deliberately not propagated: the state change already committed and
// must not be rolled back by a logging problem.
func (e *Engine) audit(ctx context.Context, id DocumentID, event AuditEvent, description, errDetail string) {
	entry := &AuditEntry{
		ID:          uuid.NewString(),
		DocumentID:  id,
		Event:       event,
		Description: description,
		ErrorDetail: errDetail,
		At:          e.now(),
	}
	if err := e.store.AppendAudit(ctx, entry); err != nil {
		e.log.WithError(err).WithFields(logrus.Fields{"document_id": id, "event": event}).Error("audit append failed")
	}
}
