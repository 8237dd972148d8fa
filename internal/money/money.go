// Package money parses and formats fiat amounts.
//
// Amounts travel as decimal strings ("100.00") and are converted to minor
// units (cents) as big.Int for arithmetic. Every supported currency uses two
// decimal places.
package money

import (
	"math/big"
	"regexp"
	"strings"
)

const Decimals = 2

var currencyRe = regexp.MustCompile(`^[A-Z]{3}$`)

// Parse converts a decimal string (e.g. "19.90") to minor units (1990).
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - More than two fractional digits are rejected, never rounded
func Parse(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), true
	}
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return nil, false
	}

	whole, frac, found := strings.Cut(s, ".")
	if strings.Contains(frac, ".") || len(frac) > Decimals {
		return nil, false
	}
	if whole == "" || (found && frac == "") {
		return nil, false
	}
	for len(frac) < Decimals {
		frac += "0"
	}

	result, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok || result.Sign() < 0 {
		return nil, false
	}
	return result, true
}

// Format converts minor units to a decimal string with exactly two places.
func Format(amount *big.Int) string {
	if amount == nil {
		return "0.00"
	}
	neg := amount.Sign() < 0
	s := new(big.Int).Abs(amount).String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	point := len(s) - Decimals
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// Normalize re-renders a valid amount in canonical form ("100" -> "100.00").
func Normalize(s string) (string, bool) {
	v, ok := Parse(s)
	if !ok {
		return "", false
	}
	return Format(v), true
}

// IsPositive reports whether s parses to an amount greater than zero.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// ValidCurrency reports whether code looks like an ISO 4217 code.
func ValidCurrency(code string) bool {
	return currencyRe.MatchString(code)
}
