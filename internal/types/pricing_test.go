package types

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestPricingModelValidate(t *testing.T) {
	valid := []PricingModel{
		PRICING_MODEL_FLAT,
		PRICING_MODEL_PER_UNIT,
		PRICING_MODEL_TIERED,
		PRICING_MODEL_VOLUME,
		PRICING_MODEL_COMMITTED,
	}
	for _, model := range valid {
		assert.True(t, model.Validate(), "model %s", model)
	}

	assert.False(t, PricingModel("graduated").Validate())
	assert.False(t, PricingModel("").Validate())
}

func TestRounding(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		round    func(decimal.Decimal) decimal.Decimal
		expected string
	}{
		{"money rounds half up", "1.005", RoundMoney, "1.01"},
		{"money rounds down below midpoint", "1.004", RoundMoney, "1.00"},
		{"money keeps exact cents", "110", RoundMoney, "110"},
		{"quantity keeps six places", "0.1234567", RoundQuantity, "0.123457"},
		{"unit price keeps six places", "0.0000005", RoundUnitPrice, "0.000001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.round(decimal.RequireFromString(tt.input))
			assert.True(t, got.Equal(decimal.RequireFromString(tt.expected)), "got %s", got)
		})
	}
}
