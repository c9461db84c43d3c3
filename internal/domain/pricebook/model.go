package pricebook

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// JSONBTiers stores the ordered tier sequence as jsonb
type JSONBTiers []Tier

// PriceBook is a temporally effective pricing catalog. Books sharing a
// parent chain must not have overlapping effective intervals.
type PriceBook struct {
	ID   string `db:"id" json:"price_book_id"`
	Name string `db:"name" json:"name"`

	// Version is snapshotted onto every charge rated against this book
	Version int `db:"version" json:"version"`

	EffectiveFrom time.Time `db:"effective_from" json:"effective_from"`

	// EffectiveUntil is nil for an open interval
	EffectiveUntil *time.Time `db:"effective_until" json:"effective_until,omitempty"`

	Currency string `db:"currency" json:"currency"`

	// ParentID links versioned successors of the same logical book
	ParentID *string `db:"parent_id" json:"parent_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Rule prices one metric within a book. One rule per (book, metric).
type Rule struct {
	ID          string             `db:"id" json:"rule_id"`
	PriceBookID string             `db:"price_book_id" json:"price_book_id"`
	MetricType  types.MetricType   `db:"metric_type" json:"metric_type"`
	Model       types.PricingModel `db:"pricing_model" json:"pricing_model"`
	Tiers       JSONBTiers         `db:"tiers" json:"tiers"`
	Unit        string             `db:"unit" json:"unit"`
	CreatedAt   time.Time          `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time          `db:"updated_at" json:"updated_at"`
}

// Tier is one slab of a tiered or volume rule. For flat and per_unit
// models only the first tier's unit price is read.
type Tier struct {
	// Tier ordinal, dense 1..N
	Tier int `json:"tier"`

	// UpTo is the inclusive upper bound of the slab; nil denotes the
	// unbounded top tier and may only appear last
	UpTo *decimal.Decimal `json:"up_to"`

	UnitPrice decimal.Decimal `json:"unit_price"`

	// FlatFee is added on top of unit price x quantity for the tier
	FlatFee *decimal.Decimal `json:"flat_fee,omitempty"`
}

// New creates a price book effective from the given instant
func New(name, currency string, effectiveFrom time.Time) *PriceBook {
	now := time.Now().UTC()
	return &PriceBook{
		ID:            types.GenerateUUIDWithPrefix(types.UUID_PREFIX_PRICE_BOOK),
		Name:          name,
		Version:       1,
		EffectiveFrom: effectiveFrom.UTC(),
		Currency:      currency,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// NewRule creates a rule for a metric within a book
func NewRule(priceBookID string, metric types.MetricType, model types.PricingModel, tiers []Tier) *Rule {
	now := time.Now().UTC()
	return &Rule{
		ID:          types.GenerateUUIDWithPrefix(types.UUID_PREFIX_PRICE_RULE),
		PriceBookID: priceBookID,
		MetricType:  metric,
		Model:       model,
		Tiers:       tiers,
		Unit:        metric.GetUnit(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Covers reports whether the book is effective at the instant
func (b *PriceBook) Covers(at time.Time) bool {
	at = at.UTC()
	if at.Before(b.EffectiveFrom) {
		return false
	}
	return b.EffectiveUntil == nil || b.EffectiveUntil.After(at)
}

// Overlaps reports whether two effective intervals intersect
func (b *PriceBook) Overlaps(other *PriceBook) bool {
	if other.EffectiveUntil != nil && !other.EffectiveUntil.After(b.EffectiveFrom) {
		return false
	}
	if b.EffectiveUntil != nil && !b.EffectiveUntil.After(other.EffectiveFrom) {
		return false
	}
	return true
}

// Validate checks the rule's tier invariants: ordinals dense 1..N, bounds
// strictly ascending, at most one unbounded tier and only in last position.
func (r *Rule) Validate() error {
	if !r.Model.Validate() {
		return ierr.NewError("unknown pricing model").
			WithReportableDetails(map[string]any{"pricing_model": r.Model}).
			Mark(ierr.ErrValidation)
	}
	if len(r.Tiers) == 0 {
		return ierr.NewError("rule requires at least one tier").
			Mark(ierr.ErrValidation)
	}

	var prev *decimal.Decimal
	for i, tier := range r.Tiers {
		if tier.Tier != i+1 {
			return ierr.NewError("tier ordinals must be dense starting at 1").
				WithReportableDetails(map[string]any{"position": i, "tier": tier.Tier}).
				Mark(ierr.ErrValidation)
		}
		if tier.UpTo == nil {
			if i != len(r.Tiers)-1 {
				return ierr.NewError("unbounded tier must be last").
					Mark(ierr.ErrValidation)
			}
			continue
		}
		if prev != nil && !tier.UpTo.GreaterThan(*prev) {
			return ierr.NewError("tier bounds must be strictly ascending").
				Mark(ierr.ErrValidation)
		}
		prev = tier.UpTo
	}
	return nil
}

// Scanner/Valuer implementations for JSONBTiers
func (j *JSONBTiers) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("invalid type for jsonb tiers")
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONBTiers) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}
