package charge

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// TierBreakdown records how much of the quantity landed in one tier and
// what it cost, for explainability of tiered and volume charges.
type TierBreakdown struct {
	Tier      int             `json:"tier"`
	Units     decimal.Decimal `json:"units"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	FlatFee   decimal.Decimal `json:"flat_fee"`
	Amount    decimal.Decimal `json:"amount"`
}

// CalculationMetadata makes every charge recomputable: the formula string,
// the per-tier breakdown where applicable, the contributing event ids and
// the effective date the price book was resolved at.
type CalculationMetadata struct {
	Formula       string          `json:"formula"`
	TiersApplied  []TierBreakdown `json:"tiers_applied,omitempty"`
	SourceEvents  []string        `json:"source_events,omitempty"`
	EffectiveDate time.Time       `json:"effective_date"`
}

// JSONBMetadata stores CalculationMetadata as jsonb
type JSONBMetadata CalculationMetadata

// RatedCharge is an immutable priced line. Corrections never mutate a
// charge; they append a new one linked through SupersedesChargeID.
type RatedCharge struct {
	ID         string `db:"id" json:"charge_id"`
	CustomerID string `db:"customer_id" json:"customer_id"`

	// AggregationID is nil for delta charges produced by the late path
	AggregationID *string `db:"aggregation_id" json:"aggregation_id,omitempty"`

	MetricType  types.MetricType `db:"metric_type" json:"metric_type"`
	WindowStart time.Time        `db:"window_start" json:"window_start"`

	PriceBookID string `db:"price_book_id" json:"price_book_id"`

	// PriceVersion is snapshotted at rating time so later catalog edits do
	// not mutate history
	PriceVersion int    `db:"price_version" json:"price_version"`
	RuleID       string `db:"rule_id" json:"rule_id"`

	Quantity  decimal.Decimal `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
	Subtotal  decimal.Decimal `db:"subtotal" json:"subtotal"`
	Currency  string          `db:"currency" json:"currency"`

	CalculationMetadata JSONBMetadata `db:"calculation_metadata" json:"calculation_metadata"`

	CalculatedAt time.Time `db:"calculated_at" json:"calculated_at"`

	// ReratingJobID is set on delta charges; derived from the customer and
	// window so concurrent corrections deduplicate
	ReratingJobID *string `db:"rerating_job_id" json:"rerating_job_id,omitempty"`

	// SupersedesChargeID forms the correction lineage, a weak
	// back-reference to the charge this one corrects
	SupersedesChargeID *string `db:"supersedes_charge_id" json:"supersedes_charge_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// IsDelta reports whether this charge came from the late path
func (c *RatedCharge) IsDelta() bool {
	return c.ReratingJobID != nil
}

// Scanner/Valuer implementations for JSONBMetadata
func (j *JSONBMetadata) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("invalid type for jsonb calculation metadata")
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONBMetadata) Value() (driver.Value, error) {
	return json.Marshal(j)
}
