package billing_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedro/school-ledger/billing"
	"github.com/cedro/school-ledger/finance"
	"github.com/cedro/school-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store        *sqlite.Store
	ledger       *finance.Ledger
	scholarships *finance.Scholarships
	generator    *billing.Generator
	cycleID      finance.CycleID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := finance.NewLedger(store, finance.LedgerConfig{}, store, nil)
	scholarships := finance.NewScholarships(store)
	generator := billing.NewGenerator(store, ledger, scholarships, nil)

	ctx := context.Background()
	now := time.Now()

	cycle := &finance.Cycle{
		ID: "cycle-1", Name: "2026-2027",
		Start: time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2027, time.July, 31, 0, 0, 0, 0, time.UTC),
		Active: true, CreatedAt: now,
	}
	require.NoError(t, store.InsertCycle(ctx, cycle))

	require.NoError(t, store.InsertConcept(ctx, &finance.Concept{
		ID: "tuition", Name: "Monthly tuition",
		DefaultAmount: d("1000"), TaxRate: d("0"),
		Recurring: true, Active: true, CreatedAt: now,
	}))
	// Non-recurring concepts are never batch-generated.
	require.NoError(t, store.InsertConcept(ctx, &finance.Concept{
		ID: "enrollment", Name: "Enrollment fee",
		DefaultAmount: d("6000"), TaxRate: d("0.16"),
		Recurring: false, Active: true, CreatedAt: now,
	}))

	require.NoError(t, store.InsertStudent(ctx, &finance.Student{
		ID: "ana", Name: "Ana Rivera", Active: true, CreatedAt: now,
	}))
	require.NoError(t, store.InsertStudent(ctx, &finance.Student{
		ID: "bruno", Name: "Bruno Salas", Active: true, CreatedAt: now,
	}))

	return &fixture{store: store, ledger: ledger, scholarships: scholarships, generator: generator, cycleID: cycle.ID}
}

// =============================================================================
// GENERATION TESTS
// =============================================================================

func TestGenerator_CreatesOneChargePerStudent(t *testing.T) {
	// GIVEN: two active students and one recurring concept
	// WHEN: generating September
	// THEN: exactly two charges exist, only for the recurring concept

	f := newFixture(t)
	ctx := context.Background()

	summary, err := f.generator.GenerateMonthly(ctx, f.cycleID, 2026, time.September)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Created)
	assert.Equal(t, 0, summary.Skipped)
	assert.Empty(t, summary.Errors)

	for _, studentID := range []finance.StudentID{"ana", "bruno"} {
		charges, err := f.store.ChargesByStudent(ctx, studentID)
		require.NoError(t, err)
		require.Len(t, charges, 1)
		assert.Equal(t, finance.ConceptID("tuition"), charges[0].ConceptID)
		assert.Equal(t, finance.Period("2026-09"), charges[0].Period)
		assert.Equal(t, finance.ChargePending, charges[0].State)
	}
}

func TestGenerator_RerunIsIdempotent(t *testing.T) {
	// GIVEN: September already generated
	// WHEN: generating September again
	// THEN: every student is skipped and no new charges appear

	f := newFixture(t)
	ctx := context.Background()

	first, err := f.generator.GenerateMonthly(ctx, f.cycleID, 2026, time.September)
	require.NoError(t, err)
	require.Equal(t, 2, first.Created)

	second, err := f.generator.GenerateMonthly(ctx, f.cycleID, 2026, time.September)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 2, second.Skipped)
	assert.Empty(t, second.Errors)

	charges, err := f.store.ChargesByStudent(ctx, "ana")
	require.NoError(t, err)
	assert.Len(t, charges, 1, "re-run must not duplicate charges")
}

func TestGenerator_RerunCreatesOnlyMissing(t *testing.T) {
	// A partial failure is simulated by pre-creating Ana's charge manually;
	// the run then creates only Bruno's.
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ledger.CreateCharge(ctx, finance.CreateChargeInput{
		StudentID: "ana", ConceptID: "tuition", CycleID: f.cycleID,
		Period: "2026-09", Amount: d("1000"),
	})
	require.NoError(t, err)

	summary, err := f.generator.GenerateMonthly(ctx, f.cycleID, 2026, time.September)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Created)
	assert.Equal(t, 1, summary.Skipped)
}

func TestGenerator_AppliesScholarshipDiscount(t *testing.T) {
	// GIVEN: Ana holds a 50% scholarship covering the generation date
	// WHEN: generating the month
	// THEN: Ana's charge carries the discount, Bruno's does not

	f := newFixture(t)
	ctx := context.Background()

	_, err := f.scholarships.Grant(ctx, finance.GrantInput{
		StudentID: "ana",
		Kind:      finance.ScholarshipPercentage,
		Value:     d("50"),
		Start:     time.Now().AddDate(0, -1, 0),
		End:       time.Now().AddDate(1, 0, 0),
	})
	require.NoError(t, err)

	summary, err := f.generator.GenerateMonthly(ctx, f.cycleID, 2026, time.September)
	require.NoError(t, err)
	require.Equal(t, 2, summary.Created)

	anaCharges, err := f.store.ChargesByStudent(ctx, "ana")
	require.NoError(t, err)
	require.Len(t, anaCharges, 1)
	assert.True(t, anaCharges[0].Discount.Equal(d("500")), "got %s", anaCharges[0].Discount)
	assert.True(t, anaCharges[0].Total().Equal(d("500")))

	brunoCharges, err := f.store.ChargesByStudent(ctx, "bruno")
	require.NoError(t, err)
	require.Len(t, brunoCharges, 1)
	assert.True(t, brunoCharges[0].Discount.IsZero())
	assert.True(t, brunoCharges[0].Total().Equal(d("1000")))
}

func TestGenerator_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.generator.GenerateMonthly(ctx, f.cycleID, 2026, time.Month(13))
	assert.True(t, finance.IsValidation(err), "got %v", err)

	_, err = f.generator.GenerateMonthly(ctx, "ghost-cycle", 2026, time.September)
	assert.True(t, finance.IsNotFound(err), "got %v", err)
}
