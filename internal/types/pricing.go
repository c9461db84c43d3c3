package types

import "github.com/shopspring/decimal"

// PricingModel is the pricing model applied by a price rule
type PricingModel string

const (
	// PRICING_MODEL_FLAT charges a fixed amount regardless of quantity
	PRICING_MODEL_FLAT PricingModel = "flat"

	// PRICING_MODEL_PER_UNIT charges unit price x quantity
	PRICING_MODEL_PER_UNIT PricingModel = "per_unit"

	// PRICING_MODEL_TIERED charges each graduated slab at its own unit price
	PRICING_MODEL_TIERED PricingModel = "tiered"

	// PRICING_MODEL_VOLUME charges the whole quantity at the price of the
	// single tier the quantity falls into
	PRICING_MODEL_VOLUME PricingModel = "volume"

	// PRICING_MODEL_COMMITTED is reserved; current semantics equal per_unit
	PRICING_MODEL_COMMITTED PricingModel = "committed"
)

func (p PricingModel) Validate() bool {
	switch p {
	case PRICING_MODEL_FLAT, PRICING_MODEL_PER_UNIT, PRICING_MODEL_TIERED,
		PRICING_MODEL_VOLUME, PRICING_MODEL_COMMITTED:
		return true
	}
	return false
}

// Decimal scales for the money paths. Intermediate products carry full
// precision; only the stored result is rounded.
const (
	MoneyScale     = 2
	QuantityScale  = 6
	UnitPriceScale = 6
)

// RoundMoney rounds to money scale, half-up. shopspring's Round is
// half-away-from-zero which coincides with half-up for the non-negative
// amounts this pipeline produces.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(MoneyScale)
}

// RoundQuantity rounds to quantity scale, half-up
func RoundQuantity(d decimal.Decimal) decimal.Decimal {
	return d.Round(QuantityScale)
}

// RoundUnitPrice rounds to unit-price scale, half-up
func RoundUnitPrice(d decimal.Decimal) decimal.Decimal {
	return d.Round(UnitPriceScale)
}
