/*
Package seed loads a small demo dataset for local development.

PURPOSE:
  Bootstraps one school cycle, a couple of recurring concepts and a
  handful of students so the API is usable immediately after first start.
  Loading is idempotent: entities are keyed by fixed IDs and skipped when
  already present.
*/
package seed

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cedro/school-ledger/finance"
)

// Load inserts the demo dataset. Safe to call on every startup.
func Load(ctx context.Context, store finance.Store, scholarships *finance.Scholarships, log *logrus.Logger) error {
	if log == nil {
		log = logrus.New()
	}
	now := time.Now()

	cycle := &finance.Cycle{
		ID:        "cycle-2026-2027",
		Name:      "2026-2027",
		Start:     time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC),
		End:       time.Date(2027, time.July, 31, 0, 0, 0, 0, time.UTC),
		Active:    true,
		CreatedAt: now,
	}
	if _, err := store.GetCycle(ctx, cycle.ID); finance.IsNotFound(err) {
		if err := store.InsertCycle(ctx, cycle); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	concepts := []*finance.Concept{
		{
			ID:            "concept-tuition",
			Name:          "Monthly tuition",
			DefaultAmount: decimal.NewFromInt(4500),
			TaxRate:       decimal.Zero,
			Recurring:     true,
			Active:        true,
			CreatedAt:     now,
		},
		{
			ID:            "concept-enrollment",
			Name:          "Enrollment fee",
			DefaultAmount: decimal.NewFromInt(6000),
			TaxRate:       decimal.RequireFromString("0.16"),
			Recurring:     false,
			Active:        true,
			CreatedAt:     now,
		},
	}
	for _, c := range concepts {
		if _, err := store.GetConcept(ctx, c.ID); finance.IsNotFound(err) {
			if err := store.InsertConcept(ctx, c); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}

	students := []*finance.Student{
		{ID: "student-ana", Name: "Ana Rivera", Email: "ana@example.com", Active: true, CreatedAt: now},
		{ID: "student-bruno", Name: "Bruno Salas", Email: "bruno@example.com", Active: true, CreatedAt: now},
		{ID: "student-carla", Name: "Carla Mendez", Email: "carla@example.com", Active: true, CreatedAt: now},
	}
	for _, s := range students {
		if _, err := store.GetStudent(ctx, s.ID); finance.IsNotFound(err) {
			if err := store.InsertStudent(ctx, s); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
	}

	// Ana carries a half-tuition scholarship for the cycle. Grant enforces
	// the no-overlap invariant, so re-running the seed just skips it.
	if _, err := scholarships.Grant(ctx, finance.GrantInput{
		StudentID: "student-ana",
		Kind:      finance.ScholarshipPercentage,
		Value:     decimal.NewFromInt(50),
		Start:     cycle.Start,
		End:       cycle.End,
	}); err != nil && !finance.IsBusinessRule(err) {
		return err
	}

	log.WithFields(logrus.Fields{
		"students": len(students),
		"concepts": len(concepts),
	}).Info("demo data loaded")
	return nil
}
