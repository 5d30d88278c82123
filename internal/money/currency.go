package money

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const defaultScale = 2

// Scale is the number of minor-unit decimal places for an ISO 4217 code
// (2 for USD, 0 for JPY, 3 for KWD). Unknown codes fall back to 2.
func Scale(code string) int32 {
	unit, err := currency.ParseISO(strings.ToUpper(code))
	if err != nil {
		return defaultScale
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale)
}

// Exponent is the minor-unit multiplier, e.g. 100 for USD.
func Exponent(code string) int64 {
	return decimal.New(1, Scale(code)).IntPart()
}

// Round rounds half away from zero to the currency's minor unit.
func Round(amount decimal.Decimal, code string) decimal.Decimal {
	return amount.Round(Scale(code))
}

// ToMinor converts an amount to integer minor units, rounding first.
func ToMinor(amount decimal.Decimal, code string) int64 {
	return Round(amount, code).Shift(Scale(code)).IntPart()
}

// FromMinor is the inverse of ToMinor.
func FromMinor(minor int64, code string) decimal.Decimal {
	return decimal.New(minor, -Scale(code))
}

// SameCurrency compares ISO codes case-insensitively.
func SameCurrency(a, b string) bool {
	return strings.EqualFold(a, b)
}

// snapZero clears values that round to zero at two decimal places, absorbing
// sub-cent noise left by providers that round each line independently.
func snapZero(d decimal.Decimal) decimal.Decimal {
	if d.Round(2).IsZero() {
		return decimal.Zero
	}
	return d
}
