// Package fixed implements the integer and fixed-point arithmetic used by
// the pile ledger.
//
// Balances, shares, prices and rates are unsigned 256-bit integers
// (holiman/uint256). Every operation reports overflow, underflow and
// division by zero as an error instead of wrapping. Ray-scaled values carry
// 27 implied decimals. There is no floating point anywhere in this package.
//
// shopspring/decimal is used only at the edges: parsing user input and
// rendering values for JSON and SQL.
package fixed

import (
	"errors"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

var (
	// ErrOverflow is returned when a result does not fit in 256 bits.
	ErrOverflow = errors.New("fixed: overflow")

	// ErrUnderflow is returned when an unsigned subtraction would go below zero.
	ErrUnderflow = errors.New("fixed: underflow")

	// ErrDivisionByZero is returned for any zero divisor.
	ErrDivisionByZero = errors.New("fixed: division by zero")

	// ErrInvalidAmount is returned when a value cannot be parsed as a
	// non-negative integer.
	ErrInvalidAmount = errors.New("fixed: invalid amount")
)

// Amount is an unsigned 256-bit integer. The zero value is 0 and Amount is
// safe to copy.
type Amount struct {
	v uint256.Int
}

// Zero returns the zero amount.
func Zero() Amount { return Amount{} }

// New returns an Amount holding u.
func New(u uint64) Amount {
	var a Amount
	a.v.SetUint64(u)
	return a
}

// Parse reads a base-10 amount. Scientific notation ("1e18") is accepted as
// long as the value is integral.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty string", ErrInvalidAmount)
	}
	if z, err := uint256.FromDecimal(s); err == nil {
		return Amount{v: *z}, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	return FromDecimal(d)
}

// MustParse is Parse for constants and tests. It panics on error.
func MustParse(s string) Amount {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromDecimal converts an integral, non-negative decimal.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	if d.IsNegative() {
		return Amount{}, fmt.Errorf("%w: negative value %s", ErrInvalidAmount, d)
	}
	if !d.IsInteger() {
		return Amount{}, fmt.Errorf("%w: fractional value %s", ErrInvalidAmount, d)
	}
	z, overflow := uint256.FromBig(d.BigInt())
	if overflow {
		return Amount{}, ErrOverflow
	}
	return Amount{v: *z}, nil
}

// Decimal returns a as an integral decimal.
func (a Amount) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(a.v.ToBig(), 0)
}

// String returns the base-10 representation.
func (a Amount) String() string { return a.v.Dec() }

// IsZero reports whether a == 0.
func (a Amount) IsZero() bool { return a.v.IsZero() }

// Cmp returns -1, 0 or +1.
func (a Amount) Cmp(b Amount) int { return a.v.Cmp(&b.v) }

// Eq reports whether a == b.
func (a Amount) Eq(b Amount) bool { return a.v.Eq(&b.v) }

// Lt reports whether a < b.
func (a Amount) Lt(b Amount) bool { return a.v.Lt(&b.v) }

// Gt reports whether a > b.
func (a Amount) Gt(b Amount) bool { return a.v.Gt(&b.v) }

// Lte reports whether a <= b.
func (a Amount) Lte(b Amount) bool { return !a.v.Gt(&b.v) }

// Gte reports whether a >= b.
func (a Amount) Gte(b Amount) bool { return !a.v.Lt(&b.v) }

// Uint64 returns the low 64 bits and whether the value fits.
func (a Amount) Uint64() (uint64, bool) { return a.v.Uint64(), a.v.IsUint64() }

// Add returns a + b.
func (a Amount) Add(b Amount) (Amount, error) {
	var z Amount
	if _, overflow := z.v.AddOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrOverflow
	}
	return z, nil
}

// Sub returns a - b.
func (a Amount) Sub(b Amount) (Amount, error) {
	var z Amount
	if _, underflow := z.v.SubOverflow(&a.v, &b.v); underflow {
		return Amount{}, ErrUnderflow
	}
	return z, nil
}

// Mul returns a * b.
func (a Amount) Mul(b Amount) (Amount, error) {
	var z Amount
	if _, overflow := z.v.MulOverflow(&a.v, &b.v); overflow {
		return Amount{}, ErrOverflow
	}
	return z, nil
}

// Div returns a / b, truncated.
func (a Amount) Div(b Amount) (Amount, error) {
	if b.IsZero() {
		return Amount{}, ErrDivisionByZero
	}
	var z Amount
	z.v.Div(&a.v, &b.v)
	return z, nil
}

// DivUint64 returns a / d, truncated.
func (a Amount) DivUint64(d uint64) (Amount, error) {
	return a.Div(New(d))
}

// MulUint64 returns a * m.
func (a Amount) MulUint64(m uint64) (Amount, error) {
	return a.Mul(New(m))
}

// MulDiv returns floor(x * y / d) using a 512-bit intermediate product, so
// only the final quotient has to fit in 256 bits.
func MulDiv(x, y, d Amount) (Amount, error) {
	if d.IsZero() {
		return Amount{}, ErrDivisionByZero
	}
	var z Amount
	if _, overflow := z.v.MulDivOverflow(&x.v, &y.v, &d.v); overflow {
		return Amount{}, ErrOverflow
	}
	return z, nil
}

// Min returns the smaller of a and b.
func Min(a, b Amount) Amount {
	if a.Lt(b) {
		return a
	}
	return b
}

// MarshalJSON renders the amount as a quoted base-10 string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.v.Dec() + `"`), nil
}

// UnmarshalJSON accepts a quoted string or a bare JSON number.
func (a *Amount) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" || s == "" {
		*a = Amount{}
		return nil
	}
	v, err := Parse(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
