package fiscal_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cedro/school-ledger/finance"
	"github.com/cedro/school-ledger/fiscal"
	"github.com/cedro/school-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scriptedStamper fails a fixed number of leading calls, then succeeds.
type scriptedStamper struct {
	mu       sync.Mutex
	failures int
	calls    int
}

func (s *scriptedStamper) Stamp(_ context.Context, _ *fiscal.Document) (*fiscal.StampResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return nil, errors.New("provider rejected the document")
	}
	return &fiscal.StampResult{
		StampID:   fmt.Sprintf("stamp-%d", s.calls),
		StampedAt: time.Date(2026, time.September, 15, 12, 0, 0, 0, time.UTC),
	}, nil
}

type engineFixture struct {
	store   *sqlite.Store
	ledger  *finance.Ledger
	engine  *fiscal.Engine
	stamper *scriptedStamper
}

func newEngineFixture(t *testing.T, failures int) *engineFixture {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	ledger := finance.NewLedger(store, finance.LedgerConfig{}, store, nil)
	stamper := &scriptedStamper{failures: failures}
	engine := fiscal.NewEngine(store, store, store, stamper, fiscal.Config{MaxRetries: 3}, nil)

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, store.InsertStudent(ctx, &finance.Student{
		ID: "ana", Name: "Ana Rivera", Active: true, CreatedAt: now,
	}))
	require.NoError(t, store.InsertConcept(ctx, &finance.Concept{
		ID: "tuition", Name: "Monthly tuition", DefaultAmount: d("1000"),
		TaxRate: d("0.16"), Recurring: true, Active: true, CreatedAt: now,
	}))
	require.NoError(t, store.InsertCycle(ctx, &finance.Cycle{
		ID: "cycle-1", Name: "2026-2027",
		Start: now.AddDate(0, -1, 0), End: now.AddDate(1, 0, 0),
		Active: true, CreatedAt: now,
	}))

	return &engineFixture{store: store, ledger: ledger, engine: engine, stamper: stamper}
}

func (f *engineFixture) createCharge(t *testing.T, period finance.Period) *finance.Charge {
	t.Helper()
	charge, err := f.ledger.CreateCharge(context.Background(), finance.CreateChargeInput{
		StudentID: "ana", ConceptID: "tuition", CycleID: "cycle-1",
		Period: period, Amount: d("1000"), Discount: d("100"), TaxRate: d("0.16"),
	})
	require.NoError(t, err)
	return charge
}

var receiver = fiscal.Receiver{Name: "Rivera Family", TaxID: "RIRA800101XX0"}

// =============================================================================
// ISSUE TESTS
// =============================================================================

func TestEngine_Issue_CopiesChargeTotals(t *testing.T) {
	// GIVEN: a charge with amount 1000, discount 100, tax 16%
	// WHEN: issuing a document against it
	// THEN: the draft mirrors subtotal 900, tax 144, total 1044

	f := newEngineFixture(t, 0)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")

	doc, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)

	assert.Equal(t, fiscal.StateDraft, doc.State)
	assert.True(t, doc.Subtotal.Equal(d("900")), "got %s", doc.Subtotal)
	assert.True(t, doc.Tax.Equal(d("144")), "got %s", doc.Tax)
	assert.True(t, doc.Total.Equal(d("1044")), "got %s", doc.Total)
	assert.Regexp(t, `^FAC-\d{12}$`, doc.Folio)
	assert.Empty(t, doc.StampID)
	assert.Zero(t, doc.RetryCount)

	trail, err := f.engine.AuditTrail(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, fiscal.AuditCreated, trail[0].Event)
}

func TestEngine_Issue_RejectsCancelledCharge(t *testing.T) {
	f := newEngineFixture(t, 0)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")
	_, err := f.ledger.Cancel(ctx, charge.ID)
	require.NoError(t, err)

	_, err = f.engine.Issue(ctx, charge.ID, receiver)
	assert.ErrorIs(t, err, fiscal.ErrChargeNotBillable)
}

func TestEngine_Issue_RejectsEmptyReceiver(t *testing.T) {
	f := newEngineFixture(t, 0)
	charge := f.createCharge(t, "2026-09")

	_, err := f.engine.Issue(context.Background(), charge.ID, fiscal.Receiver{})
	assert.True(t, finance.IsValidation(err), "got %v", err)
}

func TestEngine_Issue_SecondDocumentAllowedWhileDraft(t *testing.T) {
	// Only a Stamped document blocks re-issuing; drafts can coexist (a
	// botched draft is abandoned and a fresh one issued).
	f := newEngineFixture(t, 0)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")

	_, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)
	_, err = f.engine.Issue(ctx, charge.ID, receiver)
	assert.NoError(t, err)
}

// =============================================================================
// STAMP TESTS
// =============================================================================

func TestEngine_Stamp_Success(t *testing.T) {
	// GIVEN: a draft document
	// WHEN: stamping succeeds
	// THEN: the document is Stamped with the provider identifier and the
	//       audit log shows Created plus StampSucceeded

	f := newEngineFixture(t, 0)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")
	doc, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)

	stamped, err := f.engine.Stamp(ctx, doc.ID, false)
	require.NoError(t, err)
	assert.Equal(t, fiscal.StateStamped, stamped.State)
	assert.Equal(t, "stamp-1", stamped.StampID)
	assert.Equal(t, 1, stamped.RetryCount)
	require.NotNil(t, stamped.StampedAt)

	trail, err := f.engine.AuditTrail(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, fiscal.AuditStampSucceeded, trail[1].Event)
}

func TestEngine_Stamp_TwiceRejected(t *testing.T) {
	f := newEngineFixture(t, 0)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")
	doc, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)
	_, err = f.engine.Stamp(ctx, doc.ID, false)
	require.NoError(t, err)

	_, err = f.engine.Stamp(ctx, doc.ID, false)
	assert.ErrorIs(t, err, fiscal.ErrAlreadyStamped)
	assert.Equal(t, 1, f.stamper.calls, "the provider must not be called again")
}

func TestEngine_Stamp_FailureKeepsDraftAndCountsAttempt(t *testing.T) {
	// GIVEN: a provider that rejects the first call
	// WHEN: stamping fails
	// THEN: the document stays Draft with the attempt and error recorded,
	//       and the failure is audited

	f := newEngineFixture(t, 1)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")
	doc, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)

	_, err = f.engine.Stamp(ctx, doc.ID, false)
	require.Error(t, err)
	assert.True(t, finance.IsExternal(err), "got %v", err)

	after, err := f.engine.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, fiscal.StateDraft, after.State)
	assert.Equal(t, 1, after.RetryCount)
	assert.Contains(t, after.LastError, "provider rejected")

	trail, err := f.engine.AuditTrail(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, fiscal.AuditStampFailed, trail[1].Event)
	assert.Contains(t, trail[1].ErrorDetail, "provider rejected")

	// The next attempt goes through and clears the recorded error.
	stamped, err := f.engine.Stamp(ctx, doc.ID, false)
	require.NoError(t, err)
	assert.Equal(t, fiscal.StateStamped, stamped.State)
	assert.Equal(t, 2, stamped.RetryCount)
	assert.Empty(t, stamped.LastError)
}

func TestEngine_Stamp_RetryLimitAndForce(t *testing.T) {
	// GIVEN: three failed attempts against a MaxRetries of 3
	// WHEN: stamping again
	// THEN: rejected without calling the provider, unless force is set

	f := newEngineFixture(t, 3)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")
	doc, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = f.engine.Stamp(ctx, doc.ID, false)
		require.Error(t, err)
	}

	_, err = f.engine.Stamp(ctx, doc.ID, false)
	assert.ErrorIs(t, err, fiscal.ErrRetryLimit)
	assert.Equal(t, 3, f.stamper.calls, "rejected attempts must not reach the provider")

	// The rejection itself lands in the audit trail.
	trail, err := f.engine.AuditTrail(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 5)
	assert.Equal(t, fiscal.AuditStampRejected, trail[4].Event)

	stamped, err := f.engine.Stamp(ctx, doc.ID, true)
	require.NoError(t, err, "force bypasses the retry limit")
	assert.Equal(t, fiscal.StateStamped, stamped.State)
	assert.Equal(t, 4, stamped.RetryCount)
}

func TestEngine_RejectedCallsAppendOneAuditEntry(t *testing.T) {
	// GIVEN: a stamped document
	// WHEN: a stamp or cancel call is rejected by a business rule
	// THEN: each rejected call still appends exactly one audit entry

	f := newEngineFixture(t, 0)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")
	doc, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)
	_, err = f.engine.Stamp(ctx, doc.ID, false)
	require.NoError(t, err)

	_, err = f.engine.Stamp(ctx, doc.ID, false)
	require.ErrorIs(t, err, fiscal.ErrAlreadyStamped)

	trail, err := f.engine.AuditTrail(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3, "the rejected stamp call must be audited")
	assert.Equal(t, fiscal.AuditStampRejected, trail[2].Event)
	assert.Contains(t, trail[2].ErrorDetail, "already stamped")

	// A cancel rejected for a missing reason is audited the same way.
	_, err = f.engine.Cancel(ctx, doc.ID, "")
	require.Error(t, err)
	trail, err = f.engine.AuditTrail(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 4)
	assert.Equal(t, fiscal.AuditCancelRejected, trail[3].Event)

	// And so is a cancel against an already-cancelled document.
	_, err = f.engine.Cancel(ctx, doc.ID, "void")
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, doc.ID, "void again")
	require.ErrorIs(t, err, fiscal.ErrDocumentCancelled)

	trail, err = f.engine.AuditTrail(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 6)
	assert.Equal(t, fiscal.AuditCancelled, trail[4].Event)
	assert.Equal(t, fiscal.AuditCancelRejected, trail[5].Event)
}

func TestEngine_Stamp_ConcurrentAttemptsSerialize(t *testing.T) {
	// Two simultaneous stamp calls on the same draft: the transactional
	// re-read lets exactly one win; the loser is rejected and never bumps
	// the retry counter.

	f := newEngineFixture(t, 0)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")
	doc, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := f.engine.Stamp(ctx, doc.ID, false)
			errs <- err
		}()
	}
	var failures []error
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			failures = append(failures, err)
		}
	}
	require.Len(t, failures, 1, "exactly one attempt must win")
	assert.ErrorIs(t, failures[0], fiscal.ErrAlreadyStamped)

	after, err := f.engine.Get(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, fiscal.StateStamped, after.State)
	assert.Equal(t, 1, after.RetryCount, "the losing attempt must not count as a provider retry")
}

func TestEngine_Stamp_OnlyOneStampedPerCharge(t *testing.T) {
	// Two drafts on the same charge: once one is stamped, stamping the
	// other trips the one-stamped-document index.
	f := newEngineFixture(t, 0)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")

	first, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)
	second, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)

	_, err = f.engine.Stamp(ctx, first.ID, false)
	require.NoError(t, err)

	_, err = f.engine.Stamp(ctx, second.ID, false)
	require.Error(t, err)
	assert.ErrorIs(t, err, fiscal.ErrChargeAlreadyStamped)
}

// =============================================================================
// CANCEL TESTS
// =============================================================================

func TestEngine_Cancel_StampedDocument(t *testing.T) {
	f := newEngineFixture(t, 0)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")
	doc, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)
	_, err = f.engine.Stamp(ctx, doc.ID, false)
	require.NoError(t, err)

	cancelled, err := f.engine.Cancel(ctx, doc.ID, "wrong receiver data")
	require.NoError(t, err)
	assert.Equal(t, fiscal.StateCancelled, cancelled.State)
	assert.Equal(t, "wrong receiver data", cancelled.CancelReason)
	require.NotNil(t, cancelled.CancelledAt)

	trail, err := f.engine.AuditTrail(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, fiscal.AuditCancelled, trail[2].Event)
}

func TestEngine_Cancel_RequiresStampedState(t *testing.T) {
	f := newEngineFixture(t, 0)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")
	doc, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, doc.ID, "typo")
	assert.ErrorIs(t, err, fiscal.ErrNotStamped)

	_, err = f.engine.Stamp(ctx, doc.ID, false)
	require.NoError(t, err)
	_, err = f.engine.Cancel(ctx, doc.ID, "typo")
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, doc.ID, "again")
	assert.ErrorIs(t, err, fiscal.ErrDocumentCancelled)
}

func TestEngine_Cancel_RequiresReason(t *testing.T) {
	f := newEngineFixture(t, 0)
	charge := f.createCharge(t, "2026-09")
	doc, err := f.engine.Issue(context.Background(), charge.ID, receiver)
	require.NoError(t, err)

	_, err = f.engine.Cancel(context.Background(), doc.ID, "")
	assert.True(t, finance.IsValidation(err), "got %v", err)
}

// =============================================================================
// LEDGER INTEGRATION
// =============================================================================

func TestEngine_StampedDocumentBlocksChargeCancellation(t *testing.T) {
	// The ledger consults the stamped-document check: a charge backing a
	// stamped invoice cannot be cancelled until the invoice is.
	f := newEngineFixture(t, 0)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")
	doc, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)
	_, err = f.engine.Stamp(ctx, doc.ID, false)
	require.NoError(t, err)

	_, err = f.ledger.Cancel(ctx, charge.ID)
	assert.ErrorIs(t, err, finance.ErrCancelStamped)

	_, err = f.engine.Cancel(ctx, doc.ID, "charge voided")
	require.NoError(t, err)
	_, err = f.ledger.Cancel(ctx, charge.ID)
	assert.NoError(t, err, "cancelling the document frees the charge")
}

func TestEngine_IssueAfterStampRejected(t *testing.T) {
	f := newEngineFixture(t, 0)
	ctx := context.Background()
	charge := f.createCharge(t, "2026-09")
	doc, err := f.engine.Issue(ctx, charge.ID, receiver)
	require.NoError(t, err)
	_, err = f.engine.Stamp(ctx, doc.ID, false)
	require.NoError(t, err)

	_, err = f.engine.Issue(ctx, charge.ID, receiver)
	assert.ErrorIs(t, err, fiscal.ErrChargeAlreadyStamped)
}
