package payments

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// ErrInvalidCurrency is returned when a currency code is not a known ISO 4217 code.
var ErrInvalidCurrency = errors.New("payments: invalid currency")

// CurrencyScale returns the number of minor-unit digits for the ISO currency code.
func CurrencyScale(code string) (int32, error) {
	unit, err := currency.ParseISO(strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	scale, _ := currency.Standard.Rounding(unit)
	return int32(scale), nil
}

// ToMinorUnits converts a major-unit amount to integer minor units, rounding half to even at the
// currency scale.
func ToMinorUnits(amount decimal.Decimal, code string) (int64, error) {
	scale, err := CurrencyScale(code)
	if err != nil {
		return 0, err
	}
	if amount.IsNegative() {
		return 0, fmt.Errorf("payments: negative amount %s", amount.String())
	}
	return amount.RoundBank(scale).Shift(scale).IntPart(), nil
}

// FromMinorUnits converts integer minor units back to a major-unit decimal.
func FromMinorUnits(amount int64, code string) (decimal.Decimal, error) {
	scale, err := CurrencyScale(code)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(amount, -scale), nil
}
