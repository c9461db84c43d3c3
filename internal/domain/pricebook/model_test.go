package pricebook

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/meterline/meterline/internal/types"
)

func decPtr(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func TestRuleValidate(t *testing.T) {
	tests := []struct {
		name    string
		model   types.PricingModel
		tiers   []Tier
		wantErr bool
	}{
		{
			name:  "single unbounded tier",
			model: types.PRICING_MODEL_PER_UNIT,
			tiers: []Tier{{Tier: 1, UnitPrice: decimal.NewFromFloat(0.1)}},
		},
		{
			name:  "graduated tiers with unbounded top",
			model: types.PRICING_MODEL_TIERED,
			tiers: []Tier{
				{Tier: 1, UpTo: decPtr("1000"), UnitPrice: decimal.NewFromFloat(0.10)},
				{Tier: 2, UnitPrice: decimal.NewFromFloat(0.05)},
			},
		},
		{
			name:    "no tiers",
			model:   types.PRICING_MODEL_TIERED,
			tiers:   nil,
			wantErr: true,
		},
		{
			name:    "unknown model",
			model:   types.PricingModel("graduated"),
			tiers:   []Tier{{Tier: 1, UnitPrice: decimal.NewFromFloat(0.1)}},
			wantErr: true,
		},
		{
			name:  "sparse ordinals",
			model: types.PRICING_MODEL_TIERED,
			tiers: []Tier{
				{Tier: 1, UpTo: decPtr("1000"), UnitPrice: decimal.NewFromFloat(0.10)},
				{Tier: 3, UnitPrice: decimal.NewFromFloat(0.05)},
			},
			wantErr: true,
		},
		{
			name:  "unbounded tier not last",
			model: types.PRICING_MODEL_TIERED,
			tiers: []Tier{
				{Tier: 1, UnitPrice: decimal.NewFromFloat(0.10)},
				{Tier: 2, UpTo: decPtr("1000"), UnitPrice: decimal.NewFromFloat(0.05)},
			},
			wantErr: true,
		},
		{
			name:  "bounds not ascending",
			model: types.PRICING_MODEL_TIERED,
			tiers: []Tier{
				{Tier: 1, UpTo: decPtr("1000"), UnitPrice: decimal.NewFromFloat(0.10)},
				{Tier: 2, UpTo: decPtr("500"), UnitPrice: decimal.NewFromFloat(0.05)},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := NewRule("book_1", types.MetricAPICalls, tt.model, tt.tiers)
			err := rule.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCovers(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	until := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	open := New("standard", "USD", from)
	assert.False(t, open.Covers(from.Add(-time.Second)))
	assert.True(t, open.Covers(from))
	assert.True(t, open.Covers(from.AddDate(10, 0, 0)))

	closed := New("standard", "USD", from)
	closed.EffectiveUntil = &until
	assert.True(t, closed.Covers(until.Add(-time.Second)))
	assert.False(t, closed.Covers(until), "effective_until is exclusive")
}

func TestOverlaps(t *testing.T) {
	jan := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	jun := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	first := New("v1", "USD", jan)
	first.EffectiveUntil = &jun

	// Abutting intervals do not overlap
	second := New("v2", "USD", jun)
	assert.False(t, first.Overlaps(second))
	assert.False(t, second.Overlaps(first))

	// An open-ended book starting inside the first one does
	early := New("v2", "USD", jun.AddDate(0, -1, 0))
	assert.True(t, first.Overlaps(early))
	assert.True(t, early.Overlaps(first))
}
