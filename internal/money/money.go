// Package money centralizes fixed-point decimal handling so that no other
// package in the engine imports math or compares amounts with float64.
// Every amount that crosses a process boundary (DB column, WebSocket
// message, POS request) is a 2-fractional-digit decimal string.
package money

import (
	"database/sql/driver"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is a 2-fractional-digit fixed-point amount.
type Money struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Money{d: decimal.Zero}

// Parse reads a decimal string such as "1050.00". It rejects scientific
// notation and more than 2 fractional digits (checked on the parsed
// exponent).
func Parse(s string) (Money, error) {
	if strings.ContainsAny(s, "eE") {
		return Money{}, fmt.Errorf("money: amount %q uses scientific notation", s)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("money: invalid amount %q: %w", s, err)
	}
	if d.Exponent() < -2 {
		return Money{}, fmt.Errorf("money: amount %q has more than 2 fractional digits", s)
	}
	return Money{d: d.Round(2)}, nil
}

// MustParse panics on invalid input; only for constants in tests and code.
func MustParse(s string) Money {
	m, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return m
}

// FromDecimal wraps a decimal.Decimal already known to be well-formed, e.g.
// read back from a numeric(18,2) database column.
func FromDecimal(d decimal.Decimal) Money {
	return Money{d: d.Round(2)}
}

// Decimal exposes the underlying decimal.Decimal for storage-layer use.
func (m Money) Decimal() decimal.Decimal { return m.d }

func (m Money) String() string { return m.d.StringFixed(2) }

func (m Money) Add(other Money) Money { return Money{d: m.d.Add(other.d)}.round() }

func (m Money) Sub(other Money) Money { return Money{d: m.d.Sub(other.d)}.round() }

func (m Money) round() Money { return Money{d: m.d.Round(2)} }

// Cmp returns -1, 0, or 1 comparing m to other.
func (m Money) Cmp(other Money) int { return m.d.Cmp(other.d) }

// Equal compares by decimal value, not by the literal string that produced
// either operand — "1000" and "1000.00" are equal.
func (m Money) Equal(other Money) bool { return m.d.Equal(other.d) }

func (m Money) IsZero() bool { return m.d.IsZero() }

func (m Money) IsNegative() bool { return m.d.IsNegative() }

// GreaterThanOrEqual is a readability alias used heavily in the bid pipeline.
func (m Money) GreaterThanOrEqual(other Money) bool { return m.d.Cmp(other.d) >= 0 }

// MarshalJSON always encodes as a quoted decimal string — never a JSON
// number — so a client or test that forgets and parses it as a float
// notices immediately instead of silently losing precision.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf("%q", m.String())), nil
}

func (m *Money) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Value implements driver.Valuer for GORM/database/sql.
func (m Money) Value() (driver.Value, error) {
	return m.d.StringFixed(2), nil
}

// Scan implements sql.Scanner for GORM/database/sql.
func (m *Money) Scan(value interface{}) error {
	if value == nil {
		*m = Zero
		return nil
	}
	var d decimal.Decimal
	switch v := value.(type) {
	case string:
		parsed, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("money: scan string %q: %w", v, err)
		}
		d = parsed
	case []byte:
		parsed, err := decimal.NewFromString(string(v))
		if err != nil {
			return fmt.Errorf("money: scan bytes %q: %w", v, err)
		}
		d = parsed
	case float64:
		d = decimal.NewFromFloat(v)
	default:
		return fmt.Errorf("money: unsupported scan type %T", value)
	}
	*m = Money{d: d.Round(2)}
	return nil
}
