package dto

import (
	"time"

	"github.com/meterline/meterline/internal/domain/events"
	"github.com/meterline/meterline/internal/validator"
)

// IngestEventRequest is the ingest payload. EventID is optional; omitting
// it makes the server mint one, which forfeits client-side deduplication.
type IngestEventRequest struct {
	EventID    string                 `json:"event_id"`
	EventName  string                 `json:"event_name" validate:"required"`
	CustomerID string                 `json:"customer_id" validate:"required"`
	EventTime  time.Time              `json:"event_time"`
	Properties map[string]interface{} `json:"properties"`
	Source     string                 `json:"source"`
}

func (r *IngestEventRequest) Validate() error {
	return validator.ValidateRequest(r)
}

func (r *IngestEventRequest) ToEvent() *events.Event {
	return events.NewEvent(
		r.EventID,
		r.EventName,
		r.CustomerID,
		r.EventTime,
		r.Properties,
		r.Source,
	)
}

// IngestEventResponse acknowledges an accepted event
type IngestEventResponse struct {
	EventID string `json:"event_id"`
}

// BulkIngestEventRequest carries a batch of events
type BulkIngestEventRequest struct {
	Events []*IngestEventRequest `json:"events" validate:"required,min=1,max=1000"`
}

func (r *BulkIngestEventRequest) Validate() error {
	return validator.ValidateRequest(r)
}

// BulkIngestEventResponse lists the accepted event ids in request order
type BulkIngestEventResponse struct {
	EventIDs []string `json:"event_ids"`
}
