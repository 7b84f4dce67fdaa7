package recon_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedro/school-ledger/finance"
	"github.com/cedro/school-ledger/recon"
	"github.com/cedro/school-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type matcherFixture struct {
	store   *sqlite.Store
	ledger  *finance.Ledger
	matcher *recon.Matcher
}

func newMatcherFixture(t *testing.T) *matcherFixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := finance.NewLedger(store, finance.LedgerConfig{}, store, nil)
	matcher, err := recon.NewMatcher("", store, ledger, nil)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.InsertStudent(ctx, &finance.Student{
		ID: "ana", Name: "Ana Rivera", Active: true, CreatedAt: now,
	}))
	require.NoError(t, store.InsertConcept(ctx, &finance.Concept{
		ID: "tuition", Name: "Monthly tuition", DefaultAmount: d("1000"),
		TaxRate: d("0"), Recurring: true, Active: true, CreatedAt: now,
	}))
	require.NoError(t, store.InsertCycle(ctx, &finance.Cycle{
		ID: "cycle-1", Name: "2026-2027",
		Start: now.AddDate(0, -1, 0), End: now.AddDate(1, 0, 0),
		Active: true, CreatedAt: now,
	}))

	return &matcherFixture{store: store, ledger: ledger, matcher: matcher}
}

func (f *matcherFixture) createCharge(t *testing.T, period finance.Period) *finance.Charge {
	t.Helper()
	charge, err := f.ledger.CreateCharge(context.Background(), finance.CreateChargeInput{
		StudentID: "ana", ConceptID: "tuition", CycleID: "cycle-1",
		Period: period, Amount: d("1000"),
	})
	require.NoError(t, err)
	return charge
}

func row(line int, description, amount string) recon.Row {
	return recon.Row{
		Line:        line,
		Date:        time.Date(2026, time.September, 15, 0, 0, 0, 0, time.UTC),
		Description: description,
		Amount:      d(amount),
	}
}

// =============================================================================
// MATCHING TESTS
// =============================================================================

func TestMatcher_ExactMatchAppliesPayment(t *testing.T) {
	// GIVEN: a pending charge of 1000
	// WHEN: a feed row carries its folio and the exact pending balance
	// THEN: the payment is applied as a bank transfer and the charge is Paid

	f := newMatcherFixture(t)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")

	result, err := f.matcher.Process(ctx, []recon.Row{
		row(2, fmt.Sprintf("SPEI TRANSFER %s TUITION ANA", charge.Folio), "1000"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matched)
	assert.Empty(t, result.Errors)

	updated, err := f.store.GetCharge(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.ChargePaid, updated.State)

	payments, err := f.store.PaymentsByCharge(ctx, charge.ID)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	assert.Equal(t, finance.MethodBankTransfer, payments[0].Method)
	assert.Equal(t, charge.Folio, payments[0].Reference)
}

func TestMatcher_AmountMismatchIsRowError(t *testing.T) {
	// Partial bank payments never match: exact pending balance or nothing.
	f := newMatcherFixture(t)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")

	result, err := f.matcher.Process(ctx, []recon.Row{
		row(2, fmt.Sprintf("TRANSFER %s", charge.Folio), "600"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Matched)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, recon.ReasonAmountMismatch, result.Errors[0].Reason)

	// Nothing was applied.
	updated, err := f.store.GetCharge(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.ChargePending, updated.State)
	assert.True(t, updated.AmountReceived.IsZero())
}

func TestMatcher_RowFailuresAreIndependent(t *testing.T) {
	// GIVEN: a feed with a bad reference, an unknown folio and a good row
	// WHEN: processing the batch
	// THEN: the good row matches, the others are reported, nothing aborts

	f := newMatcherFixture(t)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")

	result, err := f.matcher.Process(ctx, []recon.Row{
		row(2, "monthly payment thanks", "1000"),
		row(3, "TRANSFER CHG-19990101-9999", "1000"),
		row(4, fmt.Sprintf("TRANSFER %s", charge.Folio), "1000"),
	})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Matched)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, recon.ReasonNoReference, result.Errors[0].Reason)
	assert.Equal(t, recon.ReasonUnknownCharge, result.Errors[1].Reason)

	updated, err := f.store.GetCharge(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.ChargePaid, updated.State)
}

func TestMatcher_AlreadyPaidChargeRejected(t *testing.T) {
	f := newMatcherFixture(t)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")

	_, err := f.ledger.ApplyPayment(ctx, charge.ID, finance.PaymentInput{
		Amount: d("1000"), Method: finance.MethodCash,
	})
	require.NoError(t, err)

	result, err := f.matcher.Process(ctx, []recon.Row{
		row(2, fmt.Sprintf("TRANSFER %s", charge.Folio), "1000"),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Matched)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, recon.ReasonAlreadyPaid, result.Errors[0].Reason)
}

func TestMatcher_MatchesRemainingBalanceAfterPartialPayment(t *testing.T) {
	// A cash partial payment leaves a pending balance; the transfer for
	// exactly that balance matches.
	f := newMatcherFixture(t)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")

	_, err := f.ledger.ApplyPayment(ctx, charge.ID, finance.PaymentInput{
		Amount: d("400"), Method: finance.MethodCash,
	})
	require.NoError(t, err)

	result, err := f.matcher.Process(ctx, []recon.Row{
		row(2, fmt.Sprintf("TRANSFER %s", charge.Folio), "600"),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Matched)

	updated, err := f.store.GetCharge(ctx, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, finance.ChargePaid, updated.State)
}

func TestMatcher_CustomPattern(t *testing.T) {
	f := newMatcherFixture(t)
	matcher, err := recon.NewMatcher(`COLEGIO-\d{4}`, f.store, f.ledger, nil)
	require.NoError(t, err)

	result, err := matcher.Process(context.Background(), []recon.Row{
		row(2, "PAYMENT COLEGIO-0001", "100"),
	})
	require.NoError(t, err)
	// The reference extracts but resolves to no charge.
	require.Len(t, result.Errors, 1)
	assert.Equal(t, recon.ReasonUnknownCharge, result.Errors[0].Reason)
}

func TestMatcher_InvalidPatternRejected(t *testing.T) {
	f := newMatcherFixture(t)
	_, err := recon.NewMatcher(`[unclosed`, f.store, f.ledger, nil)
	assert.Error(t, err)
}
