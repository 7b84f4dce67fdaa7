/*
Package billing batch-generates recurring charges.

PURPOSE:
  Once a month, every active student owes the recurring concepts (tuition,
  typically). The generator creates one charge per active student per
  (concept, period), subtracting the student's scholarship discount at
  generation time.

IDEMPOTENCY:
  The existence check on (student, concept, cycle, period) is the guard:
  re-running the generator for the same period skips students who already
  have their charge, so a re-run after a partial failure creates exactly
  the missing charges and nothing else. The check and the insert are
  atomic together inside the ledger's creation transaction.

FAILURE MODEL:
  One student's failure never aborts the batch. Errors are accumulated
  per item and returned in the summary. Cancellation is cooperative
  between students, never mid-row.
*/
package billing

import (
	"context"
	"errors"
	"time"

	"github.com/cedro/school-ledger/finance"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Summary reports the outcome of one generation run.
type Summary struct {
	CycleID finance.CycleID
	Period  finance.Period
	Created int
	Skipped int
	Errors  []ItemError
}

// ItemError records a single student/concept failure inside a batch.
type ItemError struct {
	StudentID finance.StudentID
	ConceptID finance.ConceptID
	Err       string
}

// Generator creates recurring charges through the charge ledger.
type Generator struct {
	store        finance.Store
	ledger       *finance.Ledger
	scholarships *finance.Scholarships
	log          *logrus.Logger
	now          func() time.Time
}

func NewGenerator(store finance.Store, ledger *finance.Ledger, scholarships *finance.Scholarships, log *logrus.Logger) *Generator {
	if log == nil {
		log = logrus.New()
	}
	return &Generator{store: store, ledger: ledger, scholarships: scholarships, log: log, now: time.Now}
}

// SetClock overrides the generator's notion of now. Test hook.
func (g *Generator) SetClock(now func() time.Time) { g.now = now }

// GenerateMonthly creates one charge per active student per active
// recurring concept for the given period. Students who already have the
// charge are counted as skipped, making repeated invocations for the
// same period a no-op beyond the first successful run.
func (g *Generator) GenerateMonthly(ctx context.Context, cycleID finance.CycleID, year int, month time.Month) (*Summary, error) {
	if month < time.January || month > time.December {
		return nil, &finance.ValidationError{Field: "month", Message: "must be 1..12"}
	}
	if _, err := g.store.GetCycle(ctx, cycleID); err != nil {
		return nil, err
	}
	concepts, err := g.store.RecurringConcepts(ctx)
	if err != nil {
		return nil, err
	}
	if len(concepts) == 0 {
		return nil, &finance.NotFoundError{Entity: "concept", ID: "recurring"}
	}
	students, err := g.store.ActiveStudents(ctx)
	if err != nil {
		return nil, err
	}

	period := finance.PeriodOf(year, month)
	summary := &Summary{CycleID: cycleID, Period: period}
	asOf := g.now()

	for _, student := range students {
		// Cooperative cancellation between rows, never mid-row.
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		for _, concept := range concepts {
			if err := g.generateOne(ctx, cycleID, period, student, concept, asOf, summary); err != nil {
				summary.Errors = append(summary.Errors, ItemError{
					StudentID: student.ID,
					ConceptID: concept.ID,
					Err:       err.Error(),
				})
				g.log.WithError(err).WithFields(logrus.Fields{
					"student": student.ID,
					"concept": concept.ID,
					"period":  period,
				}).Warn("monthly charge generation failed for student")
			}
		}
	}

	g.log.WithFields(logrus.Fields{
		"cycle":   cycleID,
		"period":  period,
		"created": summary.Created,
		"skipped": summary.Skipped,
		"errors":  len(summary.Errors),
	}).Info("monthly generation finished")
	return summary, nil
}

func (g *Generator) generateOne(ctx context.Context, cycleID finance.CycleID, period finance.Period, student *finance.Student, concept *finance.Concept, asOf time.Time, summary *Summary) error {
	discount, err := g.scholarships.DiscountFor(ctx, student.ID, concept.DefaultAmount, asOf)
	if err != nil {
		return err
	}

	_, err = g.ledger.CreateCharge(ctx, finance.CreateChargeInput{
		StudentID: student.ID,
		ConceptID: concept.ID,
		CycleID:   cycleID,
		Period:    period,
		Amount:    concept.DefaultAmount,
		Discount:  discount,
		Surcharge: decimal.Zero,
		TaxRate:   concept.TaxRate,
	})
	switch {
	case err == nil:
		summary.Created++
		return nil
	case isDuplicate(err):
		// Idempotency guard: the charge already exists from a previous run.
		summary.Skipped++
		return nil
	default:
		return err
	}
}

func isDuplicate(err error) bool {
	return errors.Is(err, finance.ErrDuplicateCharge)
}
