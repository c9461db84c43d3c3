package aggregate

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/shopspring/decimal"
)

// JSONBEventIDs stores the contributing event ids as a jsonb array
type JSONBEventIDs []string

// Key identifies the unique open window row for a customer and metric.
// Uniqueness holds only while rerating_job_id is null; a superseding
// aggregation created by a re-rating job may coexist.
type Key struct {
	CustomerID  string
	MetricType  types.MetricType
	WindowStart time.Time
	WindowEnd   time.Time
}

// AggregatedUsage is a per-(customer, metric) window aggregate. Mutable
// while IsFinal is false, immutable after.
type AggregatedUsage struct {
	ID          string           `db:"id" json:"aggregation_id"`
	CustomerID  string           `db:"customer_id" json:"customer_id"`
	MetricType  types.MetricType `db:"metric_type" json:"metric_type"`
	WindowStart time.Time        `db:"window_start" json:"window_start"`
	WindowEnd   time.Time        `db:"window_end" json:"window_end"`

	// Value is the running aggregate, high-precision decimal (20,6)
	Value decimal.Decimal `db:"value" json:"value"`
	Unit  string          `db:"unit" json:"unit"`

	EventCount int           `db:"event_count" json:"event_count"`
	EventIDs   JSONBEventIDs `db:"event_ids" json:"event_ids"`

	IsFinal bool `db:"is_final" json:"is_final"`

	// Version is the optimistic lock; every write is conditional on it
	Version int64 `db:"version" json:"version"`

	ComputedAt    time.Time `db:"computed_at" json:"computed_at"`
	ReratingJobID *string   `db:"rerating_job_id" json:"rerating_job_id,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// New seeds an empty open aggregate for the given window key
func New(key Key) *AggregatedUsage {
	now := time.Now().UTC()
	return &AggregatedUsage{
		ID:          types.GenerateUUIDWithPrefix(types.UUID_PREFIX_AGGREGATED_USAGE),
		CustomerID:  key.CustomerID,
		MetricType:  key.MetricType,
		WindowStart: key.WindowStart.UTC(),
		WindowEnd:   key.WindowEnd.UTC(),
		Value:       decimal.Zero,
		Unit:        key.MetricType.GetUnit(),
		EventCount:  0,
		EventIDs:    JSONBEventIDs{},
		IsFinal:     false,
		Version:     1,
		ComputedAt:  now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// HasEvent reports whether the event has already been folded in
func (a *AggregatedUsage) HasEvent(eventID string) bool {
	for _, id := range a.EventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// Apply folds one event quantity into the aggregate using the metric's
// aggregation function. Returns an error on a finalized row or a
// duplicate event id, both of which the caller treats as skips.
func (a *AggregatedUsage) Apply(eventID string, quantity decimal.Decimal) error {
	if a.IsFinal {
		return ierr.NewError("aggregate is finalized").
			WithHint("Finalized aggregates are immutable").
			Mark(ierr.ErrInvalidOperation)
	}
	if a.HasEvent(eventID) {
		return ierr.NewError("event already applied").
			WithReportableDetails(map[string]any{"event_id": eventID}).
			Mark(ierr.ErrAlreadyExists)
	}

	switch a.MetricType.GetAggregationType() {
	case types.AggregationMax:
		if quantity.GreaterThan(a.Value) {
			a.Value = quantity
		}
	default:
		a.Value = a.Value.Add(quantity)
	}

	a.EventIDs = append(a.EventIDs, eventID)
	a.EventCount = len(a.EventIDs)
	a.ComputedAt = time.Now().UTC()
	a.UpdatedAt = a.ComputedAt
	return nil
}

// Validate checks the aggregate's structural invariants
func (a *AggregatedUsage) Validate() error {
	if !a.WindowStart.Before(a.WindowEnd) {
		return ierr.NewError("window start must precede window end").
			Mark(ierr.ErrValidation)
	}
	if a.Value.IsNegative() {
		return ierr.NewError("aggregate value must be non-negative").
			Mark(ierr.ErrValidation)
	}
	if a.EventCount != len(a.EventIDs) {
		return ierr.NewError("event count does not match event id set").
			WithReportableDetails(map[string]any{
				"event_count": a.EventCount,
				"event_ids":   len(a.EventIDs),
			}).
			Mark(ierr.ErrValidation)
	}
	return nil
}

// Key returns the window key of this aggregate
func (a *AggregatedUsage) Key() Key {
	return Key{
		CustomerID:  a.CustomerID,
		MetricType:  a.MetricType,
		WindowStart: a.WindowStart,
		WindowEnd:   a.WindowEnd,
	}
}

// Scanner/Valuer implementations for JSONBEventIDs
func (j *JSONBEventIDs) Scan(value interface{}) error {
	if value == nil {
		*j = JSONBEventIDs{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return fmt.Errorf("invalid type for jsonb event ids")
	}
	return json.Unmarshal(bytes, j)
}

func (j JSONBEventIDs) Value() (driver.Value, error) {
	if j == nil {
		return json.Marshal(JSONBEventIDs{})
	}
	return json.Marshal(j)
}
