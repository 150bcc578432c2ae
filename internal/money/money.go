// Package money provides fixed-point US dollar parsing, formatting, and
// arithmetic for escrow accounting.
//
// All amounts are stored as big.Int in cents (1 dollar = 100 cents) and
// travel as decimal strings (e.g. "500000.00") on the wire and in the
// database. Floating point is never used for money.
package money

import (
	"math/big"
	"strings"
)

const Decimals = 2

// bpsDenominator converts basis points to a fraction (10000 bps = 100%).
const bpsDenominator = 10_000

// Parse converts a decimal string (e.g. "1200.50") to cents (120050).
// Returns (nil, false) on invalid input.
//
// Rules:
//   - Empty string returns (0, true)
//   - Negative amounts are rejected
//   - Multiple decimal points are rejected
//   - Fractional parts are padded/truncated to 2 decimal places
func Parse(s string) (*big.Int, bool) {
	if s == "" {
		return big.NewInt(0), true
	}

	if strings.HasPrefix(s, "-") {
		return nil, false
	}

	parts := strings.Split(s, ".")
	if len(parts) > 2 {
		return nil, false
	}
	whole := parts[0]
	frac := ""
	if len(parts) > 1 {
		frac = parts[1]
	}

	// Pad or trim to 2 decimals
	for len(frac) < Decimals {
		frac += "0"
	}
	frac = frac[:Decimals]

	combined := whole + frac
	result, ok := new(big.Int).SetString(combined, 10)
	return result, ok
}

// Format converts cents to a decimal string with exactly 2 decimal
// places (e.g. 120050 -> "1200.50").
func Format(cents *big.Int) string {
	if cents == nil {
		return "0.00"
	}
	neg := cents.Sign() < 0
	abs := new(big.Int).Abs(cents)
	s := abs.String()
	for len(s) < Decimals+1 {
		s = "0" + s
	}
	decimal := len(s) - Decimals
	result := s[:decimal] + "." + s[decimal:]
	if neg {
		result = "-" + result
	}
	return result
}

// IsPositive reports whether s parses to a strictly positive amount.
func IsPositive(s string) bool {
	v, ok := Parse(s)
	return ok && v.Sign() > 0
}

// ApplyBasisPoints returns amount * bps / 10000, truncated toward zero.
// Truncated remainders are not lost by callers: settlement computes the
// seller's share by subtraction, so rounding dust lands there.
func ApplyBasisPoints(amount *big.Int, bps int64) *big.Int {
	result := new(big.Int).Mul(amount, big.NewInt(bps))
	return result.Quo(result, big.NewInt(bpsDenominator))
}

// Sum adds the given cent amounts into a fresh big.Int.
func Sum(amounts ...*big.Int) *big.Int {
	total := new(big.Int)
	for _, a := range amounts {
		if a != nil {
			total.Add(total, a)
		}
	}
	return total
}
