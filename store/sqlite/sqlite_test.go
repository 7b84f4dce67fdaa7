package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedro/school-ledger/finance"
	"github.com/cedro/school-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func charge(id, folio string, period finance.Period) *finance.Charge {
	now := time.Now()
	return &finance.Charge{
		ID:             finance.ChargeID(id),
		Folio:          folio,
		StudentID:      "ana",
		ConceptID:      "tuition",
		CycleID:        "cycle-1",
		Period:         period,
		Amount:         d("1000"),
		Discount:       d("0"),
		Surcharge:      d("0"),
		TaxRate:        d("0.16"),
		AmountReceived: decimal.Zero,
		State:          finance.ChargePending,
		IssuedAt:       now,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// =============================================================================
// FOLIO SEQUENCER TESTS
// =============================================================================

func TestStore_NextFolioSeq_MonotonicPerScope(t *testing.T) {
	// GIVEN: a fresh sequence scope
	// WHEN: allocating repeatedly
	// THEN: numbers come out 1, 2, 3 with no gaps or repeats

	store := newStore(t)
	ctx := context.Background()
	day := time.Date(2026, time.September, 1, 10, 0, 0, 0, time.UTC)

	for want := 1; want <= 3; want++ {
		seq, err := store.NextFolioSeq(ctx, finance.FolioCharge, day)
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
}

func TestStore_NextFolioSeq_ScopesAreIndependent(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	sept1 := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	sept2 := time.Date(2026, time.September, 2, 0, 0, 0, 0, time.UTC)

	seq, err := store.NextFolioSeq(ctx, finance.FolioCharge, sept1)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	// A different day restarts at 1.
	seq, err = store.NextFolioSeq(ctx, finance.FolioCharge, sept2)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	// A different kind on the same day also restarts at 1.
	seq, err = store.NextFolioSeq(ctx, finance.FolioFiscal, sept1)
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	// And the original scope keeps counting.
	seq, err = store.NextFolioSeq(ctx, finance.FolioCharge, sept1)
	require.NoError(t, err)
	assert.Equal(t, 2, seq)
}

// =============================================================================
// UNIQUENESS MAPPING TESTS
// =============================================================================

func TestStore_InsertCharge_DuplicateTuple(t *testing.T) {
	// GIVEN: an active charge for a tuple
	// WHEN: inserting another active charge for the same tuple
	// THEN: the violation surfaces as ErrDuplicateCharge

	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertCharge(ctx, charge("c1", "CHG-20260901-0001", "2026-09")))
	err := store.InsertCharge(ctx, charge("c2", "CHG-20260901-0002", "2026-09"))
	assert.ErrorIs(t, err, finance.ErrDuplicateCharge)
}

func TestStore_InsertCharge_FolioCollisionIsTransient(t *testing.T) {
	// A folio collision is a retryable race, not a business rejection.
	store := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.InsertCharge(ctx, charge("c1", "CHG-20260901-0001", "2026-09")))
	err := store.InsertCharge(ctx, charge("c2", "CHG-20260901-0001", "2026-10"))
	require.Error(t, err)
	assert.True(t, finance.IsRetryable(err), "got %v", err)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestStore_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: a transaction inserting a charge
	// WHEN: the callback returns an error
	// THEN: nothing is persisted

	store := newStore(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(s finance.Store) error {
		if err := s.InsertCharge(ctx, charge("c1", "CHG-20260901-0001", "2026-09")); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.GetCharge(ctx, "c1")
	assert.True(t, finance.IsNotFound(err), "rolled-back charge must not exist")
}

func TestStore_WithTx_CommitsAndNests(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s finance.Store) error {
		if err := s.InsertCharge(ctx, charge("c1", "CHG-20260901-0001", "2026-09")); err != nil {
			return err
		}
		// Nested call reuses the enclosing transaction and sees its writes.
		return s.WithTx(ctx, func(inner finance.Store) error {
			got, err := inner.GetCharge(ctx, "c1")
			if err != nil {
				return err
			}
			got.State = finance.ChargePartial
			got.AmountReceived = d("100")
			return inner.UpdateCharge(ctx, got)
		})
	})
	require.NoError(t, err)

	got, err := store.GetCharge(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, finance.ChargePartial, got.State)
	assert.True(t, got.AmountReceived.Equal(d("100")))
}

// =============================================================================
// SCHOLARSHIP INTERVAL TESTS
// =============================================================================

func TestStore_ActiveScholarshipAt_SubSecondPrecision(t *testing.T) {
	// GIVEN: a scholarship starting exactly on a second boundary
	// WHEN: resolving with an asOf carrying sub-second precision
	// THEN: the interval comparison still matches; stored timestamps use a
	//       fixed fractional width so string ordering equals time ordering

	store := newStore(t)
	ctx := context.Background()

	start := time.Date(2026, time.September, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(1, 0, 0)
	require.NoError(t, store.InsertScholarship(ctx, &finance.Scholarship{
		ID: "s1", StudentID: "ana", Kind: finance.ScholarshipPercentage,
		Value: d("50"), Start: start, End: end, Active: true, CreatedAt: start,
	}))

	// Half a second into the first covered second.
	got, err := store.ActiveScholarshipAt(ctx, "ana", start.Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, finance.ScholarshipID("s1"), got.ID)

	// Half a second before the exclusive end is still covered, half a
	// second after it is not.
	_, err = store.ActiveScholarshipAt(ctx, "ana", end.Add(-500*time.Millisecond))
	require.NoError(t, err)
	_, err = store.ActiveScholarshipAt(ctx, "ana", end.Add(500*time.Millisecond))
	assert.True(t, finance.IsNotFound(err), "past the interval end, got %v", err)

	// The overlap check sees the sub-second interval the same way.
	overlaps, err := store.OverlappingScholarshipExists(ctx, "ana",
		end.Add(-500*time.Millisecond), end.AddDate(0, 6, 0))
	require.NoError(t, err)
	assert.True(t, overlaps)
}

// =============================================================================
// ROUND-TRIP TESTS
// =============================================================================

func TestStore_ChargeRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	due := time.Date(2026, time.September, 30, 0, 0, 0, 0, time.UTC)
	c := charge("c1", "CHG-20260901-0001", "2026-09")
	c.DueDate = &due

	require.NoError(t, store.InsertCharge(ctx, c))

	got, err := store.GetChargeByFolio(ctx, "CHG-20260901-0001")
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
	assert.True(t, got.Amount.Equal(d("1000")))
	assert.True(t, got.TaxRate.Equal(d("0.16")))
	require.NotNil(t, got.DueDate)
	assert.True(t, got.DueDate.Equal(due))
	assert.Nil(t, got.PaidAt)
	assert.True(t, got.Active)
}

func TestStore_PaymentsOrderedByDate(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.InsertCharge(ctx, charge("c1", "CHG-20260901-0001", "2026-09")))

	later := finance.Payment{
		ID: "p2", ChargeID: "c1", Amount: d("200"), Method: finance.MethodCard,
		PaidAt:    time.Date(2026, time.September, 20, 0, 0, 0, 0, time.UTC),
		CreatedAt: time.Now(),
	}
	earlier := finance.Payment{
		ID: "p1", ChargeID: "c1", Amount: d("100"), Method: finance.MethodCash,
		PaidAt:    time.Date(2026, time.September, 10, 0, 0, 0, 0, time.UTC),
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.InsertPayment(ctx, &later))
	require.NoError(t, store.InsertPayment(ctx, &earlier))

	payments, err := store.PaymentsByCharge(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.Equal(t, finance.PaymentID("p1"), payments[0].ID, "payments come back in paid-at order")
	assert.Equal(t, finance.PaymentID("p2"), payments[1].ID)
}
