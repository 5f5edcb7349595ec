/*
Package money provides the fixed-point helpers every billing component uses.

PURPOSE:
  All amounts are decimal.Decimal. Nothing in this module touches float64
  for money. Rounding is always half-up to two decimal places, applied at
  the points where a derived amount is stored (discount shares, percentage
  discounts, interest, fines).

ROUNDING:
  decimal.Round rounds half away from zero. Billing amounts are never
  negative when rounded, so this is the same as half-up.

TOLERANCE:
  Two amounts that differ by at most Tolerance (one cent) are treated as
  settled against each other. Outstanding balances never go below zero;
  overshoot beyond Tolerance is a consistency error upstream.

SEE ALSO:
  - billing/ledger.go: proportional discount allocation
  - billing/payment.go: settlement math
*/
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Places is the number of decimal places stored for currency amounts.
const Places = 2

var (
	// Tolerance is the rounding slack accepted when comparing balances.
	Tolerance = decimal.New(1, -Places)

	hundred = decimal.NewFromInt(100)
)

// Round rounds to two decimal places, half-up.
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Places)
}

// Clamp returns d, or zero when d is negative.
func Clamp(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// Percent returns pct percent of base, rounded.
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return Round(base.Mul(pct).Div(hundred))
}

// Sum adds all amounts.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// Min returns the smaller of a and b.
func Min(a, b decimal.Decimal) decimal.Decimal {
	if a.LessThan(b) {
		return a
	}
	return b
}

// Max returns the larger of a and b.
func Max(a, b decimal.Decimal) decimal.Decimal {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// WithinTolerance reports whether |a - b| <= Tolerance.
func WithinTolerance(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// Allocate splits total across weights proportionally. Each share is
// round(weight * total / sum(weights)); the last non-zero weight absorbs
// the rounding remainder so the shares add up to total exactly.
//
// Zero or negative total, or all-zero weights, yield all-zero shares.
func Allocate(weights []decimal.Decimal, total decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(weights))
	for i := range shares {
		shares[i] = decimal.Zero
	}

	base := Sum(weights...)
	if !total.IsPositive() || !base.IsPositive() {
		return shares
	}

	last := -1
	for i, w := range weights {
		if w.IsPositive() {
			last = i
		}
	}

	allocated := decimal.Zero
	for i, w := range weights {
		if !w.IsPositive() {
			continue
		}
		if i == last {
			shares[i] = total.Sub(allocated)
			break
		}
		shares[i] = Round(w.Mul(total).Div(base))
		allocated = allocated.Add(shares[i])
	}
	return shares
}

// Parse reads a decimal amount from its string form.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// MustParse is Parse for literals in tests and fixtures. Panics on bad input.
func MustParse(s string) decimal.Decimal {
	d, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return d
}

// Format renders an amount with exactly two decimals.
func Format(d decimal.Decimal) string {
	return d.StringFixed(Places)
}
