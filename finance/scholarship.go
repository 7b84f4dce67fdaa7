/*
scholarship.go - Scholarship grants and discount resolution

PURPOSE:
  A Scholarship reduces a student's recurring charge amount over its
  active interval. The resolver converts the grant covering "now" into an
  absolute discount against a base amount; the service side enforces the
  no-overlap invariant at creation time.

INVARIANT:
  No two active Scholarships for the same student may have overlapping
  [start, end) intervals, so DiscountFor never has to pick between grants.
*/
package finance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Scholarships manages scholarship grants and resolves discounts.
type Scholarships struct {
	store Store
	now   func() time.Time
}

func NewScholarships(store Store) *Scholarships {
	return &Scholarships{store: store, now: time.Now}
}

// GrantInput is the request to create a scholarship.
type GrantInput struct {
	StudentID StudentID
	Kind      ScholarshipKind
	Value     decimal.Decimal
	Start     time.Time
	End       time.Time
}

// Grant creates a scholarship after validating the interval and the
// no-overlap invariant. The overlap check and the insert run in one
// transaction so concurrent grants cannot slip past each other.
func (s *Scholarships) Grant(ctx context.Context, in GrantInput) (*Scholarship, error) {
	if in.Kind != ScholarshipPercentage && in.Kind != ScholarshipFixed {
		return nil, &ValidationError{Field: "kind", Message: "must be percentage or fixed"}
	}
	if in.Value.IsNegative() {
		return nil, &ValidationError{Field: "value", Message: "must not be negative"}
	}
	if in.Kind == ScholarshipPercentage && in.Value.GreaterThan(hundred) {
		return nil, &ValidationError{Field: "value", Message: "percentage must not exceed 100"}
	}
	if !in.End.After(in.Start) {
		return nil, &ValidationError{Field: "end", Message: "must be after start"}
	}
	if _, err := s.store.GetStudent(ctx, in.StudentID); err != nil {
		return nil, err
	}

	var created *Scholarship
	err := s.store.WithTx(ctx, func(st Store) error {
		overlaps, err := st.OverlappingScholarshipExists(ctx, in.StudentID, in.Start, in.End)
		if err != nil {
			return err
		}
		if overlaps {
			return ErrOverlappingScholarship
		}
		grant := &Scholarship{
			ID:        ScholarshipID(uuid.NewString()),
			StudentID: in.StudentID,
			Kind:      in.Kind,
			Value:     in.Value,
			Start:     in.Start,
			End:       in.End,
			Active:    true,
			CreatedAt: s.now(),
		}
		if err := st.InsertScholarship(ctx, grant); err != nil {
			return err
		}
		created = grant
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Revoke deactivates a scholarship.
func (s *Scholarships) Revoke(ctx context.Context, id ScholarshipID) error {
	return s.store.DeactivateScholarship(ctx, id)
}

// DiscountFor returns the absolute discount implied by the student's active
// scholarship at asOf, converted against base for percentage grants.
// Returns zero when no scholarship covers asOf.
func (s *Scholarships) DiscountFor(ctx context.Context, studentID StudentID, base decimal.Decimal, asOf time.Time) (decimal.Decimal, error) {
	grant, err := s.store.ActiveScholarshipAt(ctx, studentID, asOf)
	if err != nil {
		if IsNotFound(err) {
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}

	var discount decimal.Decimal
	switch grant.Kind {
	case ScholarshipPercentage:
		discount = base.Mul(grant.Value).Div(hundred).Round(2)
	case ScholarshipFixed:
		discount = grant.Value
	}
	// A grant larger than the base caps at the base: a charge's discount
	// can never push its subtotal negative.
	if discount.GreaterThan(base) {
		discount = base
	}
	return discount, nil
}
