package fixed

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Signed is a sign-magnitude integer used for position rewards. It is kept
// apart from Amount so that a negative value can never reach a balance
// without an explicit settlement step.
type Signed struct {
	neg bool
	mag Amount
}

// Positive returns +mag.
func Positive(mag Amount) Signed { return Signed{mag: mag} }

// Negative returns -mag. Negative zero is normalized to zero.
func Negative(mag Amount) Signed {
	if mag.IsZero() {
		return Signed{}
	}
	return Signed{neg: true, mag: mag}
}

// Abs returns the magnitude.
func (s Signed) Abs() Amount { return s.mag }

// IsZero reports whether s == 0.
func (s Signed) IsZero() bool { return s.mag.IsZero() }

// IsNegative reports whether s < 0.
func (s Signed) IsNegative() bool { return s.neg }

// IsPositive reports whether s > 0.
func (s Signed) IsPositive() bool { return !s.neg && !s.mag.IsZero() }

// Neg returns -s.
func (s Signed) Neg() Signed {
	if s.neg {
		return Positive(s.mag)
	}
	return Negative(s.mag)
}

// Cmp returns -1, 0 or +1.
func (s Signed) Cmp(o Signed) int {
	switch {
	case s.neg && !o.neg:
		return -1
	case !s.neg && o.neg:
		return 1
	case s.neg:
		return o.mag.Cmp(s.mag)
	default:
		return s.mag.Cmp(o.mag)
	}
}

// AddAmount returns s + a.
func (s Signed) AddAmount(a Amount) (Signed, error) {
	if !s.neg {
		sum, err := s.mag.Add(a)
		if err != nil {
			return Signed{}, err
		}
		return Positive(sum), nil
	}
	if a.Gte(s.mag) {
		diff, _ := a.Sub(s.mag)
		return Positive(diff), nil
	}
	diff, _ := s.mag.Sub(a)
	return Negative(diff), nil
}

// Decimal returns s as an integral decimal.
func (s Signed) Decimal() decimal.Decimal {
	d := s.mag.Decimal()
	if s.neg {
		return d.Neg()
	}
	return d
}

func (s Signed) String() string {
	if s.neg {
		return "-" + s.mag.String()
	}
	return s.mag.String()
}

// ParseSigned reads an optionally signed base-10 integer.
func ParseSigned(str string) (Signed, error) {
	str = strings.TrimSpace(str)
	if rest, ok := strings.CutPrefix(str, "-"); ok {
		mag, err := Parse(rest)
		if err != nil {
			return Signed{}, err
		}
		return Negative(mag), nil
	}
	mag, err := Parse(strings.TrimPrefix(str, "+"))
	if err != nil {
		return Signed{}, err
	}
	return Positive(mag), nil
}

// MarshalJSON renders s as a quoted base-10 string.
func (s Signed) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON accepts a quoted string or a bare JSON number.
func (s *Signed) UnmarshalJSON(data []byte) error {
	str := strings.Trim(string(data), `"`)
	if str == "null" || str == "" {
		*s = Signed{}
		return nil
	}
	v, err := ParseSigned(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}
