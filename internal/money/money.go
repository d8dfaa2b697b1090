// Package money provides parsing and validation for ledger amounts.
//
// Amounts are whole minor currency units (1 VND = 1 unit). They are carried as
// arbitrary-precision decimals so that large sums never pass through float64,
// and are serialized as JSON strings.
package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrInvalid is returned for amounts that are not non-negative whole units.
var ErrInvalid = errors.New("amount must be a non-negative whole number of minor units")

// DefaultCurrency is used when configuration does not override it.
const DefaultCurrency = "VND"

// Zero is the zero amount.
var Zero = decimal.Zero

// Parse converts a decimal string (e.g. "20000000") to an amount.
//
// Rules:
//   - Empty string is rejected
//   - Negative amounts are rejected
//   - Fractional units are rejected ("1.5" is invalid, "1.0" is accepted)
func Parse(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalid
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, ErrInvalid
	}
	if d.IsNegative() || !d.IsInteger() {
		return decimal.Zero, ErrInvalid
	}
	return d.Truncate(0), nil
}

// IsPositiveUnits reports whether d is a whole number of units greater than zero.
func IsPositiveUnits(d decimal.Decimal) bool {
	return d.IsPositive() && d.IsInteger()
}

// FromInt builds an amount from an int64 of minor units.
func FromInt(units int64) decimal.Decimal {
	return decimal.NewFromInt(units)
}

// Format renders an amount as a plain integer string.
func Format(d decimal.Decimal) string {
	return d.Truncate(0).String()
}

// NormalizeCurrency upper-cases a currency code, defaulting when empty.
func NormalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return DefaultCurrency
	}
	return c
}
