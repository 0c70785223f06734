package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestCurrencyRoundsHalfUp(t *testing.T) {
	cases := map[string]string{
		"1.005":   "1.01",
		"1.004":   "1",
		"-1.005":  "-1.01",
		"2.345":   "2.35",
		"1333.33": "1333.33",
	}
	for in, want := range cases {
		assert.True(t, Currency(d(in)).Equal(d(want)), "Currency(%s) = %s, want %s", in, Currency(d(in)), want)
	}
}

func TestPercentRoundsToFourPlaces(t *testing.T) {
	assert.True(t, Percent(d("16.666666")).Equal(d("16.6667")))
	assert.True(t, Percent(d("0.00005")).Equal(d("0.0001")))
}

func TestApplyPercent(t *testing.T) {
	assert.True(t, ApplyPercent(d("1333.33"), d("30")).Equal(d("400")))
	assert.True(t, ApplyPercent(d("10000"), d("-1.5")).Equal(d("-150")))
}

func TestRatioZeroWhole(t *testing.T) {
	assert.True(t, Ratio(d("10"), decimal.Zero).IsZero())
	assert.True(t, Ratio(d("1700"), d("10000")).Equal(d("17")))
}

func TestParse(t *testing.T) {
	v, err := Parse("400.005")
	assert.NoError(t, err)
	assert.True(t, v.Equal(d("400.01")))

	_, err = Parse("abc")
	assert.Error(t, err)
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "$12,000.00", Format(d("12000"), "USD"))
	assert.Equal(t, "7.50 ZZZ", Format(d("7.5"), "ZZZ"))
}
