package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/hanko-field/checkout/internal/payments"
)

// ErrPricingInvalidPolicy signals an unusable pricing configuration.
var ErrPricingInvalidPolicy = errors.New("pricing: invalid policy")

// PricingPolicy holds the storefront-wide shipping and tax rules. Amounts are in minor units of Currency.
type PricingPolicy struct {
	Currency              string
	TaxRate               decimal.Decimal
	FlatShipping          int64
	FreeShippingThreshold int64
}

// Totals summarises a priced checkout.
type Totals struct {
	Subtotal int64
	Shipping int64
	Tax      int64
	Total    int64
}

// Validate reports configuration problems.
func (p PricingPolicy) Validate() error {
	if _, err := payments.CurrencyScale(p.Currency); err != nil {
		return fmt.Errorf("%w: %v", ErrPricingInvalidPolicy, err)
	}
	if p.TaxRate.IsNegative() {
		return fmt.Errorf("%w: tax rate must be >= 0", ErrPricingInvalidPolicy)
	}
	if p.FlatShipping < 0 || p.FreeShippingThreshold < 0 {
		return fmt.Errorf("%w: shipping amounts must be >= 0", ErrPricingInvalidPolicy)
	}
	return nil
}

// NormalisedCurrency returns the upper-case ISO code.
func (p PricingPolicy) NormalisedCurrency() string {
	return strings.ToUpper(strings.TrimSpace(p.Currency))
}

// Compute derives shipping, tax and total from a subtotal. Tax is charged on the subtotal only and
// rounded half to even in minor units. A zero threshold disables free shipping.
func (p PricingPolicy) Compute(subtotal int64) Totals {
	shipping := p.FlatShipping
	if subtotal == 0 || (p.FreeShippingThreshold > 0 && subtotal >= p.FreeShippingThreshold) {
		shipping = 0
	}
	tax := decimal.NewFromInt(subtotal).Mul(p.TaxRate).RoundBank(0).IntPart()
	return Totals{
		Subtotal: subtotal,
		Shipping: shipping,
		Tax:      tax,
		Total:    subtotal + shipping + tax,
	}
}
