// Package money holds the rounding rules shared by every balance computation.
// Currency amounts round half-up to 2 places, percentages to 4 places.
package money

import (
	"fmt"

	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

const (
	CurrencyPlaces = 2
	PercentPlaces  = 4
)

var hundred = decimal.NewFromInt(100)

// Hundred returns the decimal 100.
func Hundred() decimal.Decimal { return hundred }

// Currency rounds d to cents. Halves round away from zero.
func Currency(d decimal.Decimal) decimal.Decimal {
	return d.Round(CurrencyPlaces)
}

// Percent rounds a percentage value to 4 decimal places.
func Percent(d decimal.Decimal) decimal.Decimal {
	return d.Round(PercentPlaces)
}

// ApplyPercent returns amount * pct / 100 rounded to cents.
func ApplyPercent(amount, pct decimal.Decimal) decimal.Decimal {
	return Currency(amount.Mul(pct).Div(hundred))
}

// Ratio returns part / whole * 100 rounded to 4 places, or zero when whole is zero.
func Ratio(part, whole decimal.Decimal) decimal.Decimal {
	if whole.IsZero() {
		return decimal.Zero
	}
	return Percent(part.Div(whole).Mul(hundred))
}

// Parse reads a decimal string and rounds it to cents.
func Parse(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return Currency(d), nil
}

// Format renders an amount with the currency's symbol and grouping, e.g. "$12,000.00".
func Format(amount decimal.Decimal, currency string) string {
	if currency == "" {
		currency = gomoney.USD
	}
	cur := gomoney.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(CurrencyPlaces) + " " + currency
	}
	minor := Currency(amount).Shift(int32(cur.Fraction)).IntPart()
	return gomoney.New(minor, currency).Display()
}
