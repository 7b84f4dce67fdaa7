/*
statement.go - Account statement read model

PURPOSE:
  Aggregates a student's active charges and their payments into a
  statement view. Pure read: building a statement never mutates ledger
  state, and its totals are always derived from Charge rows, never stored.

TOTALS:
  TotalCharged   sum of Total() over active, non-cancelled charges
  TotalReceived  sum of AmountReceived over the same charges
  Balance        TotalCharged - TotalReceived
  PendingBalance sum of Total() - AmountReceived over non-Paid,
                 non-Cancelled charges
*/
package finance

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// StatementLine pairs a charge with its payment history.
type StatementLine struct {
	Charge   *Charge
	Payments []*Payment
	Total    decimal.Decimal
	Pending  decimal.Decimal
}

// Statement is the aggregated financial view of one student.
type Statement struct {
	StudentID      StudentID
	StudentName    string
	Lines          []StatementLine
	TotalCharged   decimal.Decimal
	TotalReceived  decimal.Decimal
	Balance        decimal.Decimal
	PendingBalance decimal.Decimal
	GeneratedAt    time.Time
}

// StatementBuilder builds account statements from ledger state.
type StatementBuilder struct {
	store Store
	now   func() time.Time
}

func NewStatementBuilder(store Store) *StatementBuilder {
	return &StatementBuilder{store: store, now: time.Now}
}

// BuildStatement aggregates all active charges and payments for a student.
func (b *StatementBuilder) BuildStatement(ctx context.Context, studentID StudentID) (*Statement, error) {
	student, err := b.store.GetStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	charges, err := b.store.ChargesByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}

	st := &Statement{
		StudentID:      studentID,
		StudentName:    student.Name,
		TotalCharged:   decimal.Zero,
		TotalReceived:  decimal.Zero,
		Balance:        decimal.Zero,
		PendingBalance: decimal.Zero,
		GeneratedAt:    b.now(),
	}

	for _, c := range charges {
		payments, err := b.store.PaymentsByCharge(ctx, c.ID)
		if err != nil {
			return nil, err
		}
		line := StatementLine{
			Charge:   c,
			Payments: payments,
			Total:    c.Total(),
			Pending:  c.PendingBalance(),
		}
		st.Lines = append(st.Lines, line)

		if c.State == ChargeCancelled {
			continue
		}
		st.TotalCharged = st.TotalCharged.Add(line.Total)
		st.TotalReceived = st.TotalReceived.Add(c.AmountReceived)
		if c.State != ChargePaid {
			st.PendingBalance = st.PendingBalance.Add(line.Pending)
		}
	}
	st.Balance = st.TotalCharged.Sub(st.TotalReceived)
	return st, nil
}
