// Package money converts between major-unit decimal strings and the integer
// minor units every ledger field uses.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// ToMinor parses a major-unit amount ("200", "89.5", "200.00") into minor
// units, rounding half away from zero at the cent.
func ToMinor(major string) (int64, error) {
	d, err := decimal.NewFromString(major)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", major, err)
	}
	return d.Mul(hundred).Round(0).IntPart(), nil
}

// Format renders minor units as a two-decimal major-unit string.
func Format(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}

// Display renders minor units with a currency code, e.g. "89.00 CNY".
func Display(minor int64, currency string) string {
	if currency == "" {
		currency = "CNY"
	}
	return Format(minor) + " " + currency
}
