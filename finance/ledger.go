/*
ledger.go - Charge ledger and payment state machine

PURPOSE:
  The Ledger is the only writer of charges and payments. It owns the
  Pending → Partial → Paid state machine and the cancellation rules.

STATE MACHINE:
  Pending --ApplyPayment(partial)--> Partial
  Pending/Partial --ApplyPayment(total reached)--> Paid
  Pending --Cancel--> Cancelled

  State never regresses from Paid. There is no reversal operation:
  corrections require a new compensating Payment record, never silent
  mutation of history.

CONCURRENCY:
  ApplyPayment and Cancel re-read the charge inside WithTx so two payments
  targeting the same charge cannot lose an update. Charge creation retries
  folio allocation with bounded attempts when a concurrent insert wins the
  same folio.

SEE ALSO:
  - money.go: derived totals
  - folio.go: folio allocation contract
  - fiscal: stamped-document check consulted before cancellation
*/
package finance

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// DefaultFolioAttempts bounds the retry loop around charge creation when a
// concurrent insert collides on the folio.
const DefaultFolioAttempts = 3

// LedgerConfig carries the ledger's tunables.
type LedgerConfig struct {
	// ChargeFolioPrefix prefixes charge folios, e.g. "CHG".
	ChargeFolioPrefix string
	// FolioAttempts bounds folio-collision retries. Zero means default.
	FolioAttempts int
}

// Ledger owns the Charge entity and its state machine.
type Ledger struct {
	store   Store
	cfg     LedgerConfig
	stamped StampedChecker // may be nil when no fiscal engine is wired
	log     *logrus.Logger
	now     func() time.Time
}

// NewLedger creates a charge ledger. stamped may be nil; cancellation then
// skips the stamped-document check.
func NewLedger(store Store, cfg LedgerConfig, stamped StampedChecker, log *logrus.Logger) *Ledger {
	if cfg.ChargeFolioPrefix == "" {
		cfg.ChargeFolioPrefix = "CHG"
	}
	if cfg.FolioAttempts <= 0 {
		cfg.FolioAttempts = DefaultFolioAttempts
	}
	if log == nil {
		log = logrus.New()
	}
	return &Ledger{store: store, cfg: cfg, stamped: stamped, log: log, now: time.Now}
}

// SetClock overrides the ledger's notion of now. Test hook.
func (l *Ledger) SetClock(now func() time.Time) { l.now = now }

// =============================================================================
// CHARGE CREATION
// =============================================================================

// CreateChargeInput is the request to create a charge.
type CreateChargeInput struct {
	StudentID StudentID
	ConceptID ConceptID
	CycleID   CycleID
	Period    Period
	Amount    decimal.Decimal
	Discount  decimal.Decimal
	Surcharge decimal.Decimal
	TaxRate   decimal.Decimal
	DueDate   *time.Time
}

// CreateCharge validates the input, assigns a folio and persists the charge
// in state Pending. A second active charge for the same (student, concept,
// cycle, period) tuple is rejected with ErrDuplicateCharge.
func (l *Ledger) CreateCharge(ctx context.Context, in CreateChargeInput) (*Charge, error) {
	if !in.Period.Valid() {
		return nil, &ValidationError{Field: "period", Message: fmt.Sprintf("%q is not a YYYY-MM period", in.Period)}
	}
	if err := ValidateTerms(in.Amount, in.Discount, in.Surcharge, in.TaxRate); err != nil {
		return nil, err
	}
	if err := l.checkCatalog(ctx, in); err != nil {
		return nil, err
	}

	var created *Charge
	var lastErr error
	for attempt := 0; attempt < l.cfg.FolioAttempts; attempt++ {
		err := l.store.WithTx(ctx, func(s Store) error {
			exists, err := s.ChargeExists(ctx, in.StudentID, in.ConceptID, in.CycleID, in.Period)
			if err != nil {
				return err
			}
			if exists {
				return ErrDuplicateCharge
			}

			now := l.now()
			seq, err := s.NextFolioSeq(ctx, FolioCharge, now)
			if err != nil {
				return err
			}

			c := &Charge{
				ID:             ChargeID(uuid.NewString()),
				Folio:          ChargeFolio(l.cfg.ChargeFolioPrefix, now, seq),
				StudentID:      in.StudentID,
				ConceptID:      in.ConceptID,
				CycleID:        in.CycleID,
				Period:         in.Period,
				Amount:         in.Amount,
				Discount:       in.Discount,
				Surcharge:      in.Surcharge,
				TaxRate:        in.TaxRate,
				AmountReceived: decimal.Zero,
				State:          ChargePending,
				IssuedAt:       now,
				DueDate:        in.DueDate,
				Active:         true,
				CreatedAt:      now,
				UpdatedAt:      now,
			}
			if err := s.InsertCharge(ctx, c); err != nil {
				return err
			}
			created = c
			return nil
		})
		if err == nil {
			l.log.WithFields(logrus.Fields{
				"charge_id": created.ID,
				"folio":     created.Folio,
				"student":   created.StudentID,
				"period":    created.Period,
				"total":     created.Total(),
			}).Info("charge created")
			return created, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
		l.log.WithError(err).WithField("attempt", attempt+1).Warn("folio collision, retrying charge creation")
	}
	return nil, fmt.Errorf("charge creation exhausted %d folio attempts: %w", l.cfg.FolioAttempts, lastErr)
}

func (l *Ledger) checkCatalog(ctx context.Context, in CreateChargeInput) error {
	student, err := l.store.GetStudent(ctx, in.StudentID)
	if err != nil {
		return err
	}
	if !student.Active {
		return &NotFoundError{Entity: "student", ID: string(in.StudentID)}
	}
	concept, err := l.store.GetConcept(ctx, in.ConceptID)
	if err != nil {
		return err
	}
	if !concept.Active {
		return &NotFoundError{Entity: "concept", ID: string(in.ConceptID)}
	}
	if _, err := l.store.GetCycle(ctx, in.CycleID); err != nil {
		return err
	}
	return nil
}

// =============================================================================
// PAYMENT APPLICATION
// =============================================================================

// PaymentInput is the request to apply a payment against a charge.
type PaymentInput struct {
	Amount    decimal.Decimal
	Method    PaymentMethod
	Reference string
	Date      time.Time
}

// ApplyPayment appends an immutable Payment record and recomputes the
// charge state. Reaching the total flips the charge to Paid exactly once
// and sets its paid date; partial amounts leave it Partial. State is
// monotonic: a Paid charge stays Paid.
func (l *Ledger) ApplyPayment(ctx context.Context, chargeID ChargeID, in PaymentInput) (*Charge, error) {
	if !in.Amount.IsPositive() {
		return nil, &ValidationError{Field: "amount", Message: "must be positive"}
	}
	if in.Method == "" {
		return nil, &ValidationError{Field: "method", Message: "must not be empty"}
	}
	if in.Date.IsZero() {
		in.Date = l.now()
	}

	var updated *Charge
	err := l.store.WithTx(ctx, func(s Store) error {
		// Re-read inside the transaction so concurrent payments against the
		// same charge serialize on the row instead of losing an update.
		c, err := s.GetCharge(ctx, chargeID)
		if err != nil {
			return err
		}
		if !c.Active {
			return &NotFoundError{Entity: "charge", ID: string(chargeID)}
		}
		if c.State == ChargeCancelled {
			return ErrChargeSettled
		}

		now := l.now()
		p := &Payment{
			ID:        PaymentID(uuid.NewString()),
			ChargeID:  c.ID,
			Amount:    in.Amount,
			Method:    in.Method,
			Reference: in.Reference,
			PaidAt:    in.Date,
			CreatedAt: now,
		}
		if err := s.InsertPayment(ctx, p); err != nil {
			return err
		}

		c.AmountReceived = c.AmountReceived.Add(in.Amount)
		switch {
		case c.AmountReceived.GreaterThanOrEqual(c.Total()):
			c.State = ChargePaid
			if c.PaidAt == nil {
				paidAt := in.Date
				c.PaidAt = &paidAt
			}
		case c.State != ChargePaid:
			c.State = ChargePartial
		}
		c.UpdatedAt = now
		if err := s.UpdateCharge(ctx, c); err != nil {
			return err
		}
		updated = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.log.WithFields(logrus.Fields{
		"charge_id": updated.ID,
		"folio":     updated.Folio,
		"method":    in.Method,
		"amount":    in.Amount,
		"received":  updated.AmountReceived,
		"state":     updated.State,
	}).Info("payment applied")
	return updated, nil
}

// =============================================================================
// CANCELLATION AND SOFT DELETION
// =============================================================================

// Cancel transitions a charge to Cancelled. Fails when the charge has
// applied payments or a stamped fiscal document attached. Cancelling an
// already-cancelled charge is a no-op.
func (l *Ledger) Cancel(ctx context.Context, chargeID ChargeID) (*Charge, error) {
	var cancelled *Charge
	err := l.store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCharge(ctx, chargeID)
		if err != nil {
			return err
		}
		if !c.Active {
			return &NotFoundError{Entity: "charge", ID: string(chargeID)}
		}
		if c.State == ChargeCancelled {
			cancelled = c
			return nil
		}
		if c.AmountReceived.IsPositive() {
			return ErrCancelWithPayments
		}
		if l.stamped != nil {
			stamped, err := l.stamped.HasStampedDocument(ctx, c.ID)
			if err != nil {
				return err
			}
			if stamped {
				return ErrCancelStamped
			}
		}
		c.State = ChargeCancelled
		c.UpdatedAt = l.now()
		if err := s.UpdateCharge(ctx, c); err != nil {
			return err
		}
		cancelled = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.log.WithFields(logrus.Fields{"charge_id": cancelled.ID, "folio": cancelled.Folio}).Info("charge cancelled")
	return cancelled, nil
}

// Deactivate soft-deletes a charge. A charge with payments referencing it
// cannot be deactivated. Deletion is never physical.
func (l *Ledger) Deactivate(ctx context.Context, chargeID ChargeID) error {
	return l.store.WithTx(ctx, func(s Store) error {
		c, err := s.GetCharge(ctx, chargeID)
		if err != nil {
			return err
		}
		has, err := s.HasPayments(ctx, c.ID)
		if err != nil {
			return err
		}
		if has {
			return ErrDeactivateWithPayments
		}
		c.Active = false
		c.UpdatedAt = l.now()
		return s.UpdateCharge(ctx, c)
	})
}
