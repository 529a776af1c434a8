// Package money provides fixed-point monetary values for prices and costs.
//
// DESIGN: All monetary amounts are persisted as int64 micro-dollars
// (1e6 units per dollar). This gives six fractional digits for hourly
// prices, keeps SQL read-modify-write updates (total_savings += x) exact,
// and avoids floating-point drift across months of summation.
// decimal.Decimal is the computation and API type; Micros is the storage type.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Micros is a monetary amount in micro-dollars (1/1,000,000 USD).
type Micros int64

// scale is the number of fractional digits carried by Micros.
const scale = 6

var microsPerDollar = decimal.New(1, scale)

// FromDecimal converts a decimal dollar amount to Micros, rounding
// half away from zero at the sixth fractional digit.
func FromDecimal(d decimal.Decimal) Micros {
	return Micros(d.Mul(microsPerDollar).Round(0).IntPart())
}

// Decimal converts m back to a decimal dollar amount.
func (m Micros) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -scale)
}

// Float returns the amount as a float64. For display only; never use
// the result in cost arithmetic.
func (m Micros) Float() float64 {
	f, _ := m.Decimal().Float64()
	return f
}

// String renders the amount as a plain decimal string, e.g. "0.041600".
func (m Micros) String() string {
	return m.Decimal().StringFixed(scale)
}

// Parse converts a decimal string to Micros.
func Parse(s string) (Micros, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	return FromDecimal(d), nil
}
