// Package money holds the decimal helpers used for every revenue, commission
// and volume figure in the ledger. Nothing in this package touches float64.
package money

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// DefaultDivisor expresses ratios in parts per ten thousand.
const DefaultDivisor int64 = 10000

// Scale is the number of fractional digits the numeric(38,18) columns keep.
const Scale int32 = 18

// Zero is the additive identity.
var Zero = decimal.Zero

// Parse converts a decimal string. Empty input is treated as zero.
func Parse(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("money: parse %q: %w", raw, err)
	}
	return d, nil
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) decimal.Decimal {
	d, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return d
}

// Ratio returns parts/divisor rounded to Scale digits.
func Ratio(parts, divisor int64) decimal.Decimal {
	if divisor == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(parts).DivRound(decimal.NewFromInt(divisor), Scale)
}

// Share computes amount*parts/divisor truncated to Scale digits.
// Multiplication happens before the division, and truncation keeps the sum
// of several shares of one amount from exceeding it.
func Share(amount decimal.Decimal, parts, divisor int64) decimal.Decimal {
	if divisor == 0 || parts == 0 {
		return decimal.Zero
	}
	q, _ := amount.Mul(decimal.NewFromInt(parts)).QuoRem(decimal.NewFromInt(divisor), Scale)
	return q
}

// Percent renders parts/divisor as a percentage value (e.g. 200/10000 -> 2).
func Percent(parts, divisor int64) decimal.Decimal {
	return Ratio(parts, divisor).Mul(decimal.NewFromInt(100))
}

// Mul multiplies a unit price by an integer quantity.
func Mul(price decimal.Decimal, qty int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(qty))
}

// Sum adds the supplied values.
func Sum(values ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range values {
		total = total.Add(v)
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

// IsPositive reports whether v > 0.
func IsPositive(v decimal.Decimal) bool { return v.Sign() > 0 }

// AtLeast reports whether v >= threshold.
func AtLeast(v, threshold decimal.Decimal) bool { return v.GreaterThanOrEqual(threshold) }
