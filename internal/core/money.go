// Package core provides the VSLA domain model and money handling utilities.
//
// This file contains functions for parsing monetary amounts from strings and
// for rounding currency and percentage values. All arithmetic goes through
// decimal.Decimal so no floating-point drift can reach a ledger row.
package core

import (
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

const (
	// MoneyScale is the number of decimal places kept for currency amounts.
	MoneyScale int32 = 2
	// PercentScale is the number of decimal places kept for share percentages.
	PercentScale int32 = 3
)

var hundred = decimal.NewFromInt(100)

// ParseAmount converts a decimal string to a positive currency amount.
//
// It accepts a dot (12.34) decimal separator and rounds half-up to two
// decimal places. A comma is read as the decimal separator only when it is
// the sole separator and at most two digits follow it (12,34); anything that
// could be digit grouping, such as 1,000, is rejected rather than guessed.
// Returns ErrInvalidAmount for invalid formats, negative values, or amounts
// that round to zero.
//
// Examples:
//
//	ParseAmount("12.345") -> 12.35, nil
//	ParseAmount("12,5")   -> 12.50, nil
//	ParseAmount("1,000")  -> 0, ErrInvalidAmount
//	ParseAmount("-1")     -> 0, ErrInvalidAmount
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	if strings.Contains(s, ",") {
		i := strings.Index(s, ",")
		if strings.Count(s, ",") > 1 || strings.Contains(s, ".") || len(s)-i-1 > 2 {
			return decimal.Zero, ErrInvalidAmount
		}
		s = s[:i] + "." + s[i+1:]
	}
	if strings.HasPrefix(s, "+") || strings.HasPrefix(s, "-") {
		return decimal.Zero, ErrInvalidAmount
	}
	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return decimal.Zero, ErrInvalidAmount
	}
	for _, p := range parts {
		for _, r := range p {
			if !unicode.IsDigit(r) {
				return decimal.Zero, ErrInvalidAmount
			}
		}
	}
	normalized := parts[0]
	if normalized == "" {
		normalized = "0"
	}
	if len(parts) == 2 && parts[1] != "" {
		normalized += "." + parts[1]
	}
	d, err := decimal.NewFromString(normalized)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	d = RoundMoney(d)
	if !d.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return d, nil
}

// RoundMoney rounds to the currency scale, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// Percentage returns part/whole*100 rounded to PercentScale.
// A zero whole yields zero rather than a division error.
func Percentage(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return part.Mul(hundred).Div(whole).Round(PercentScale)
}

// ApplyPercentage returns amount*pct/100 rounded to the currency scale.
func ApplyPercentage(amount, pct decimal.Decimal) decimal.Decimal {
	return RoundMoney(amount.Mul(pct).Div(hundred))
}

// Sum adds amounts exactly.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}

// FormatMoney renders an amount with exactly two decimals, e.g. "49.50".
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(MoneyScale)
}

// FormatPercent renders a percentage with exactly three decimals, e.g. "30.000".
func FormatPercent(d decimal.Decimal) string {
	return d.StringFixed(PercentScale)
}
