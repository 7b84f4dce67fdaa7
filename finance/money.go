/*
money.go - Pure monetary arithmetic

PURPOSE:
  Computes Subtotal, Tax and Total from a charge's base figures. These are
  pure functions with no side effects; the same inputs always produce the
  same outputs regardless of call order.

FORMULAS:
  Subtotal = Amount - Discount + Surcharge
  Tax      = Subtotal * TaxRate
  Total    = Subtotal * (1 + TaxRate)

  Total is rounded to 2 decimal places. Subtotal is exact (its inputs are
  already 2-decimal amounts).

SEE ALSO:
  - types.go: Charge derives its Subtotal/Total through these functions
*/
package finance

import "github.com/shopspring/decimal"

var one = decimal.NewFromInt(1)

// Subtotal returns amount - discount + surcharge.
func Subtotal(amount, discount, surcharge decimal.Decimal) decimal.Decimal {
	return amount.Sub(discount).Add(surcharge)
}

// Tax returns the tax portion of a charge, rounded to 2 decimals.
func Tax(amount, discount, surcharge, taxRate decimal.Decimal) decimal.Decimal {
	return Subtotal(amount, discount, surcharge).Mul(taxRate).Round(2)
}

// Total returns Subtotal * (1 + taxRate), rounded to 2 decimals.
func Total(amount, discount, surcharge, taxRate decimal.Decimal) decimal.Decimal {
	return Subtotal(amount, discount, surcharge).Mul(one.Add(taxRate)).Round(2)
}

// ValidateTerms checks the monetary figures of a charge before creation.
// Returns a ValidationError naming the offending field.
func ValidateTerms(amount, discount, surcharge, taxRate decimal.Decimal) error {
	if amount.IsNegative() {
		return &ValidationError{Field: "amount", Message: "must not be negative"}
	}
	if discount.IsNegative() {
		return &ValidationError{Field: "discount", Message: "must not be negative"}
	}
	if surcharge.IsNegative() {
		return &ValidationError{Field: "surcharge", Message: "must not be negative"}
	}
	if taxRate.IsNegative() || taxRate.GreaterThanOrEqual(one) {
		return &ValidationError{Field: "taxRate", Message: "must be in [0, 1)"}
	}
	if Subtotal(amount, discount, surcharge).IsNegative() {
		return &ValidationError{Field: "discount", Message: "exceeds amount plus surcharge"}
	}
	return nil
}
