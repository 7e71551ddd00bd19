package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// moneyScale is the number of fractional digits every Money value carries.
	moneyScale = 2
	// maxMoneyIntegerDigits matches the NUMERIC(22,2) balance column.
	maxMoneyIntegerDigits = 20
)

// Money is a non-negative monetary amount with at most two fractional digits.
//
// Money is a value type: every operation returns a new Money and the receiver
// is never modified. The zero value is a valid amount of 0.00.
type Money struct {
	amount decimal.Decimal
}

// Zero is 0.00.
var Zero = Money{}

// IntegerDigits returns the number of digits left of the decimal point of d,
// or a value <= 0 when |d| < 1. It never rescales d, so it stays cheap for
// inputs like 1e-3000000.
func IntegerDigits(d decimal.Decimal) int {
	if d.IsZero() {
		return 0
	}
	return d.NumDigits() + int(d.Exponent())
}

// NewMoney validates d and returns it as Money. Amounts that are negative,
// carry more than two fractional digits, or have more than 20 integer digits
// are rejected with ErrInvalidAmount; they are never rounded.
//
// The exponent and digit checks run before anything that would expand d.
func NewMoney(d decimal.Decimal) (Money, error) {
	if d.Exponent() < -moneyScale {
		return Money{}, fmt.Errorf("%w: more than %d fractional digits", ErrInvalidAmount, moneyScale)
	}
	// 0e3000000 would otherwise keep its exponent.
	if d.IsZero() {
		return Zero, nil
	}
	if IntegerDigits(d) > maxMoneyIntegerDigits {
		return Money{}, fmt.Errorf("%w: more than %d integer digits", ErrInvalidAmount, maxMoneyIntegerDigits)
	}
	if d.IsNegative() {
		return Money{}, fmt.Errorf("%w: %s is negative", ErrInvalidAmount, d.String())
	}

	return Money{amount: d.Truncate(moneyScale)}, nil
}

// ParseMoney parses a decimal string such as "1500000.00".
func ParseMoney(s string) (Money, error) {
	if s == "" {
		return Money{}, fmt.Errorf("%w: amount is required", ErrInvalidAmount)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return Money{}, fmt.Errorf("%w: %q is not a decimal number", ErrInvalidAmount, s)
	}

	return NewMoney(d)
}

// MustParseMoney is ParseMoney for constants and tests. It panics on invalid input.
func MustParseMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}

	return m
}

// RoundMoney builds Money from a wider-precision source, rounding half-up to
// two fractional digits. Use it only where rounding is explicitly allowed,
// e.g. converting a computed rate; request amounts go through NewMoney.
func RoundMoney(d decimal.Decimal) (Money, error) {
	// Anything below 0.001 rounds to zero; skip the rescale.
	if IntegerDigits(d) < -moneyScale {
		return Zero, nil
	}
	if IntegerDigits(d) > maxMoneyIntegerDigits {
		return Money{}, fmt.Errorf("%w: more than %d integer digits", ErrInvalidAmount, maxMoneyIntegerDigits)
	}

	return NewMoney(d.Round(moneyScale))
}

// Add returns m + other.
func (m Money) Add(other Money) (Money, error) {
	return NewMoney(m.amount.Add(other.amount))
}

// Subtract returns m - other. It fails with ErrNegativeResult when other is
// greater than m.
func (m Money) Subtract(other Money) (Money, error) {
	result := m.amount.Sub(other.amount)
	if result.IsNegative() {
		return Money{}, fmt.Errorf("%w: %s - %s", ErrNegativeResult, m, other)
	}

	return NewMoney(result)
}

// Cmp compares m and other numerically and returns -1, 0 or +1.
func (m Money) Cmp(other Money) int {
	return m.amount.Cmp(other.amount)
}

// Equal reports whether m and other hold the same numeric value.
func (m Money) Equal(other Money) bool {
	return m.amount.Equal(other.amount)
}

// LessThan reports whether m < other.
func (m Money) LessThan(other Money) bool {
	return m.amount.LessThan(other.amount)
}

// IsZero reports whether m is 0.00.
func (m Money) IsZero() bool {
	return m.amount.IsZero()
}

// Decimal returns the underlying decimal value.
func (m Money) Decimal() decimal.Decimal {
	return m.amount
}

// String renders m with exactly two fractional digits.
func (m Money) String() string {
	return m.amount.StringFixed(moneyScale)
}

// MarshalJSON encodes m as a quoted fixed-point string so no precision is
// lost in JSON number handling.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either a quoted string or a bare JSON number and
// applies the same validation as NewMoney.
func (m *Money) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, string(data))
		}
		s = n.String()
	}

	parsed, err := ParseMoney(s)
	if err != nil {
		return err
	}
	*m = parsed

	return nil
}
