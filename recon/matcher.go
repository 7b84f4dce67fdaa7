/*
matcher.go - Transaction-to-charge matching

PURPOSE:
  For each feed row: extract a reference token from the free-text
  description with a configurable pattern, resolve it to an active
  non-paid charge by folio, require the amount to equal the charge's
  pending balance exactly, and apply the payment through the ledger.

AMOUNT MATCHING:
  The match requires exact equality between the transaction amount and
  the pending balance. A partial bank payment is treated as an unmatched
  row error, never as a partial application. This mirrors the original
  system's behavior; loosening it is a product decision, not a bug fix.
*/
package recon

import (
	"context"
	"regexp"

	"github.com/cedro/school-ledger/finance"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Reason classifies why a row failed to match.
type Reason string

const (
	ReasonMalformed      Reason = "malformed_row"
	ReasonNoReference    Reason = "no_reference"
	ReasonUnknownCharge  Reason = "unknown_charge"
	ReasonAlreadyPaid    Reason = "already_paid"
	ReasonAmountMismatch Reason = "amount_mismatch"
	ReasonApplyFailed    Reason = "apply_failed"
)

// RowError records a single row's failure. The batch never aborts on one.
type RowError struct {
	Line        int
	Description string
	Reason      Reason
	Err         string
}

// Result summarizes one reconciliation batch.
type Result struct {
	Total   int
	Matched int
	Errors  []RowError
}

// PaymentApplier is the slice of the charge ledger the matcher drives.
type PaymentApplier interface {
	ApplyPayment(ctx context.Context, chargeID finance.ChargeID, in finance.PaymentInput) (*finance.Charge, error)
}

// ChargeResolver resolves folios to charges.
type ChargeResolver interface {
	GetChargeByFolio(ctx context.Context, folio string) (*finance.Charge, error)
}

// Matcher processes bank transaction feeds against the charge ledger.
type Matcher struct {
	pattern *regexp.Regexp
	charges ChargeResolver
	ledger  PaymentApplier
	log     *logrus.Logger
}

// DefaultReferencePattern matches charge folios such as CHG-20260901-0001
// anywhere in a transfer description.
const DefaultReferencePattern = `[A-Z]{2,6}-\d{8}-\d{4}`

// NewMatcher builds a matcher. pattern is the reference-extraction regular
// expression; empty selects DefaultReferencePattern.
func NewMatcher(pattern string, charges ChargeResolver, ledger PaymentApplier, log *logrus.Logger) (*Matcher, error) {
	if pattern == "" {
		pattern = DefaultReferencePattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "compiling reference pattern %q", pattern)
	}
	if log == nil {
		log = logrus.New()
	}
	return &Matcher{pattern: re, charges: charges, ledger: ledger, log: log}, nil
}

// Process matches every row independently and applies payments for the
// ones that resolve. One row's failure never prevents processing of
// subsequent rows; the full error list is always returned.
func (m *Matcher) Process(ctx context.Context, rows []Row) (*Result, error) {
	result := &Result{Total: len(rows)}
	for _, row := range rows {
		// Cooperative cancellation between rows.
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if rowErr := m.processRow(ctx, row); rowErr != nil {
			result.Errors = append(result.Errors, *rowErr)
			continue
		}
		result.Matched++
	}
	m.log.WithFields(logrus.Fields{
		"total":   result.Total,
		"matched": result.Matched,
		"errors":  len(result.Errors),
	}).Info("reconciliation batch finished")
	return result, nil
}

func (m *Matcher) processRow(ctx context.Context, row Row) *RowError {
	reference := m.pattern.FindString(row.Description)
	if reference == "" {
		return m.rowError(row, ReasonNoReference, "no payment reference in description")
	}

	charge, err := m.charges.GetChargeByFolio(ctx, reference)
	if err != nil {
		if finance.IsNotFound(err) {
			return m.rowError(row, ReasonUnknownCharge, errors.Wrapf(err, "reference %s", reference).Error())
		}
		return m.rowError(row, ReasonApplyFailed, err.Error())
	}
	if !charge.Active {
		return m.rowError(row, ReasonUnknownCharge, "charge is inactive")
	}
	if charge.Settled() {
		return m.rowError(row, ReasonAlreadyPaid, "charge is already settled")
	}
	if !row.Amount.Equal(charge.PendingBalance()) {
		return m.rowError(row, ReasonAmountMismatch,
			errors.Errorf("transaction amount %s does not equal pending balance %s",
				row.Amount.StringFixed(2), charge.PendingBalance().StringFixed(2)).Error())
	}

	_, err = m.ledger.ApplyPayment(ctx, charge.ID, finance.PaymentInput{
		Amount:    row.Amount,
		Method:    finance.MethodBankTransfer,
		Reference: reference,
		Date:      row.Date,
	})
	if err != nil {
		return m.rowError(row, ReasonApplyFailed, err.Error())
	}
	return nil
}

func (m *Matcher) rowError(row Row, reason Reason, detail string) *RowError {
	m.log.WithFields(logrus.Fields{
		"line":   row.Line,
		"reason": reason,
	}).Warn("reconciliation row unmatched")
	return &RowError{Line: row.Line, Description: row.Description, Reason: reason, Err: detail}
}
