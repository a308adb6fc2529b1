// Package money converts between rupee amounts and integer paise.
// All stored balances and prices are int64 paise.
package money

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNegative   = errors.New("money: amount must not be negative")
	ErrTooPrecise = errors.New("money: amount has more than two decimal places")
	ErrOutOfRange = errors.New("money: amount out of range")
)

var (
	hundred   = decimal.NewFromInt(100)
	maxRupees = decimal.NewFromInt(1_000_000_000)
)

const currencySymbol = "₹"

// Currency is the only currency the ledger carries.
const Currency = "INR"

// FromRupees converts a decimal rupee amount such as 450.50 to paise.
func FromRupees(rupees decimal.Decimal) (int64, error) {
	if rupees.IsNegative() {
		return 0, ErrNegative
	}
	if rupees.GreaterThan(maxRupees) {
		return 0, ErrOutOfRange
	}
	paise := rupees.Mul(hundred)
	if !paise.Equal(paise.Truncate(0)) {
		return 0, ErrTooPrecise
	}
	return paise.IntPart(), nil
}

// ToRupees converts paise to a decimal rupee amount.
func ToRupees(paise int64) decimal.Decimal {
	return decimal.New(paise, -2)
}

// Format renders paise as rupee text, e.g. ₹1234.50.
func Format(paise int64) string {
	return currencySymbol + ToRupees(paise).StringFixed(2)
}

// Percent returns amount × pct / 100 rounded half-up to whole paise.
func Percent(paise int64, pct decimal.Decimal) int64 {
	return decimal.NewFromInt(paise).Mul(pct).Div(hundred).Round(0).IntPart()
}
