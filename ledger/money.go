package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Precision is the number of decimal places persisted for money.
const Precision int32 = 2

// DefaultCurrency is used when a wallet is opened without one.
const DefaultCurrency = "RWF"

var hundred = decimal.NewFromInt(100)

// Round rounds d to the ledger precision (half away from zero).
func Round(d decimal.Decimal) decimal.Decimal {
	return d.Round(Precision)
}

// Percent returns pct percent of base, rounded to the ledger precision.
func Percent(base, pct decimal.Decimal) decimal.Decimal {
	return Round(base.Mul(pct).Div(hundred))
}

// ParseMoney parses a decimal string and rejects more than two decimal places.
func ParseMoney(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}
	if !d.Equal(Round(d)) {
		return decimal.Zero, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, s, Precision)
	}
	return d, nil
}

// MustMoney parses s and panics on error. For tests and constants only.
func MustMoney(s string) decimal.Decimal {
	d, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return d
}

// FormatMoney renders d with exactly two decimal places.
func FormatMoney(d decimal.Decimal) string {
	return d.StringFixed(Precision)
}
