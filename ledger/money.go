package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Money is an amount in minor currency units (cents).
type Money struct {
	Minor    int64
	Currency string
}

// NewMoney builds a Money with a lower-cased currency code.
func NewMoney(minor int64, currency string) Money {
	return Money{Minor: minor, Currency: strings.ToLower(currency)}
}

// ParseMoney parses a decimal major-unit string such as "28.50".
// More than two fractional digits is an error.
func ParseMoney(s, currency string) (Money, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return Money{}, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	minor := d.Shift(2)
	if !minor.IsInteger() {
		return Money{}, fmt.Errorf("invalid amount %q: more than two decimals", s)
	}
	if minor.IsNegative() {
		return Money{}, fmt.Errorf("invalid amount %q: negative", s)
	}
	return NewMoney(minor.IntPart(), currency), nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Minor, -2)
}

// IsPositive reports whether the amount is greater than zero.
func (m Money) IsPositive() bool { return m.Minor > 0 }

func (m Money) String() string {
	return m.Decimal().StringFixed(2) + " " + strings.ToUpper(m.Currency)
}
