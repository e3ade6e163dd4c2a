package utils

import (
	"errors"
	"fmt"
	"math"

	"github.com/divan/num2words"
	"github.com/shopspring/decimal"
)

// Amount is a monetary value in minor units (cents). Balances and transfer
// values never go through binary floating point.
type Amount int64

// Scale is the number of decimal places carried by an Amount.
const Scale = 2

var (
	ErrAmountPrecision = errors.New("amount has more than two decimal places")
	ErrAmountRange     = errors.New("amount out of range")
)

var (
	maxAmount = decimal.NewFromInt(math.MaxInt64)
	minAmount = decimal.NewFromInt(math.MinInt64)
)

// ParseAmount parses a decimal string such as "100.5" or "8000" into minor units.
func ParseAmount(s string) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return FromDecimal(d)
}

// FromDecimal converts d into minor units, rejecting sub-cent precision.
func FromDecimal(d decimal.Decimal) (Amount, error) {
	minor := d.Shift(Scale)
	if !minor.IsInteger() {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrAmountPrecision)
	}
	if minor.Cmp(maxAmount) > 0 || minor.Cmp(minAmount) < 0 {
		return 0, fmt.Errorf("%s: %w", d.String(), ErrAmountRange)
	}
	return Amount(minor.IntPart()), nil
}

// MustParseAmount is ParseAmount for constants and fixtures.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) Decimal() decimal.Decimal {
	return decimal.New(int64(a), -Scale)
}

func (a Amount) String() string {
	return a.Decimal().StringFixed(Scale)
}

// Words renders the amount the way it is written on a cheque:
// 100.50 becomes "one hundred and 50/100".
func (a Amount) Words() string {
	sign := ""
	v := uint64(a)
	if a < 0 {
		sign = "minus "
		v = uint64(-(a + 1)) + 1
	}
	return fmt.Sprintf("%s%s and %02d/100", sign, unitWords(v/100), v%100)
}

// trillion is the first scale num2words does not name.
const trillion = 1_000_000_000_000

func unitWords(n uint64) string {
	if n < trillion {
		return num2words.Convert(int(n))
	}
	s := unitWords(n/trillion) + " trillion"
	if low := n % trillion; low > 0 {
		s += " " + num2words.Convert(int(low))
	}
	return s
}

func (a Amount) MarshalJSON() ([]byte, error) {
	return []byte(`"` + a.String() + `"`), nil
}

// UnmarshalJSON accepts both "100.50" and 100.5.
func (a *Amount) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return err
	}
	v, err := FromDecimal(d)
	if err != nil {
		return err
	}
	*a = v
	return nil
}
