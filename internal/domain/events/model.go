package events

import (
	"time"

	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
	"github.com/meterline/meterline/internal/validator"
	"github.com/shopspring/decimal"
)

// Event is a raw telemetry event. Immutable once ingested.
type Event struct {
	// Unique identifier for the event, the deduplication key
	ID string `json:"id" ch:"id" validate:"required"`

	// EventName maps 1:1 to the metric type
	EventName string `json:"event_name" ch:"event_name" validate:"required"`

	// CustomerID identifies the customer the usage belongs to
	CustomerID string `json:"customer_id" ch:"customer_id" validate:"required"`

	// EventTime is the authoritative event-time timestamp, UTC,
	// millisecond resolution
	EventTime time.Time `json:"event_time" ch:"event_time,timezone('UTC')" validate:"required"`

	// IngestionTime is stamped when the event is accepted
	IngestionTime time.Time `json:"ingestion_time" ch:"ingestion_time,timezone('UTC')"`

	// Properties are opaque keyed attributes; may carry a numeric "value"
	Properties map[string]interface{} `json:"properties" ch:"properties"`

	// Source of the event
	Source string `json:"source" ch:"source"`
}

// LateEvent is the envelope published to the late-events stream when an
// event misses its window's admission deadline.
type LateEvent struct {
	Event
	ReceivedAt time.Time `json:"received_at"`
	Watermark  time.Time `json:"watermark"`
}

// NewEvent creates a new event with defaults
func NewEvent(
	eventID, eventName, customerID string,
	eventTime time.Time,
	properties map[string]interface{},
	source string,
) *Event {
	if eventID == "" {
		eventID = types.GenerateUUIDWithPrefix(types.UUID_PREFIX_EVENT)
	}

	now := time.Now().UTC()
	if eventTime.IsZero() {
		eventTime = now
	} else {
		eventTime = eventTime.UTC()
	}

	return &Event{
		ID:            eventID,
		EventName:     eventName,
		CustomerID:    customerID,
		EventTime:     eventTime,
		IngestionTime: now,
		Properties:    properties,
		Source:        source,
	}
}

// Validate validates the event including the event-time sanity clamp:
// an event may not claim an event time more than a day ahead of its
// ingestion time.
func (e *Event) Validate() error {
	if err := validator.ValidateRequest(e); err != nil {
		return err
	}

	if !e.IngestionTime.IsZero() && e.EventTime.After(e.IngestionTime.Add(24*time.Hour)) {
		return ierr.NewError("event time is too far in the future").
			WithHint("Event time may not exceed ingestion time by more than one day").
			WithReportableDetails(map[string]any{
				"event_id":   e.ID,
				"event_time": e.EventTime,
			}).
			Mark(ierr.ErrValidation)
	}

	return nil
}

// MetricType resolves the metric this event contributes to
func (e *Event) MetricType() types.MetricType {
	return types.ResolveMetricType(e.EventName)
}

// Quantity extracts the numeric "value" property. Absent or non-numeric
// values fall back to the given default.
func (e *Event) Quantity(fallback decimal.Decimal) decimal.Decimal {
	raw, ok := e.Properties["value"]
	if !ok {
		return fallback
	}

	switch v := raw.(type) {
	case float64:
		return decimal.NewFromFloat(v)
	case int64:
		return decimal.NewFromInt(v)
	case int:
		return decimal.NewFromInt(int64(v))
	case string:
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	case decimal.Decimal:
		return v
	}
	return fallback
}
