// Package decimal is the numeric kernel: exact, 18-digit fixed-precision
// arithmetic for prices, amounts and fees. No value here is ever a binary
// float; everything is backed by shopspring/decimal's arbitrary-precision
// representation.
package decimal

import (
	"fmt"
	"strings"

	shopspring "github.com/shopspring/decimal"
)

// Precision is the fixed number of fractional digits the kernel guarantees
// for division results. Addition, subtraction and multiplication are exact
// regardless of this value.
const Precision = 18

func init() {
	shopspring.DivisionPrecision = Precision
}

// Amount is an exact decimal value with up to Precision fractional digits.
// The zero value behaves as 0, the same as Zero().
type Amount struct {
	d shopspring.Decimal
}

// Zero returns the additive identity.
func Zero() Amount {
	return Amount{d: shopspring.Zero}
}

// Parse reads a decimal string. It rejects empty input, negative numbers,
// scientific notation, and anything that isn't a plain base-10 literal.
func Parse(s string) (Amount, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Amount{}, fmt.Errorf("decimal: empty input")
	}
	if strings.HasPrefix(trimmed, "-") {
		return Amount{}, fmt.Errorf("decimal: negative values are not accepted: %q", s)
	}
	if strings.ContainsAny(trimmed, "eE") {
		return Amount{}, fmt.Errorf("decimal: scientific notation is not accepted: %q", s)
	}
	for _, r := range trimmed {
		if (r < '0' || r > '9') && r != '.' {
			return Amount{}, fmt.Errorf("decimal: invalid character %q in %q", r, s)
		}
	}
	d, err := shopspring.NewFromString(trimmed)
	if err != nil {
		return Amount{}, fmt.Errorf("decimal: %w", err)
	}
	return Amount{d: d}, nil
}

// MustParse is Parse that panics on error; only for literals in tests.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromInt64 builds an Amount from an integer count of whole units.
func FromInt64(n int64) Amount {
	return Amount{d: shopspring.NewFromInt(n)}
}

// String formats the amount back to its canonical decimal string.
func (a Amount) String() string {
	return a.d.String()
}

// Add returns a+b, exact.
func (a Amount) Add(b Amount) Amount {
	return Amount{d: a.d.Add(b.d)}
}

// Sub returns a-b, exact. Callers on the hot matching path are expected to
// only ever subtract a smaller-or-equal remaining quantity, but the kernel
// itself does not forbid a negative result.
func (a Amount) Sub(b Amount) Amount {
	return Amount{d: a.d.Sub(b.d)}
}

// Mul returns a*b, exact.
func (a Amount) Mul(b Amount) Amount {
	return Amount{d: a.d.Mul(b.d)}
}

// DivTrunc returns a/b truncated toward zero at Precision fractional
// digits. Returns an error on division by zero.
func (a Amount) DivTrunc(b Amount) (Amount, error) {
	if b.IsZero() {
		return Amount{}, fmt.Errorf("decimal: division by zero")
	}
	q, _ := a.d.QuoRem(b.d, Precision)
	return Amount{d: q}, nil
}

// Cmp gives a total order: -1 if a<b, 0 if a==b, 1 if a>b.
func (a Amount) Cmp(b Amount) int {
	return a.d.Cmp(b.d)
}

// LessThan reports a<b.
func (a Amount) LessThan(b Amount) bool { return a.Cmp(b) < 0 }

// GreaterThan reports a>b.
func (a Amount) GreaterThan(b Amount) bool { return a.Cmp(b) > 0 }

// GreaterThanOrEqual reports a>=b.
func (a Amount) GreaterThanOrEqual(b Amount) bool { return a.Cmp(b) >= 0 }

// Equal reports a==b.
func (a Amount) Equal(b Amount) bool { return a.Cmp(b) == 0 }

// IsZero reports whether the amount is exactly zero.
func (a Amount) IsZero() bool {
	return a.d.IsZero()
}

// IsPositive reports whether the amount is strictly greater than zero.
func (a Amount) IsPositive() bool {
	return a.d.IsPositive()
}

// Min returns the lesser of a and b.
func Min(a, b Amount) Amount {
	if a.LessThan(b) {
		return a
	}
	return b
}
