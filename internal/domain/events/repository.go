package events

import (
	"context"
	"time"
)

// FindEventsParams filters event lookups
type FindEventsParams struct {
	CustomerID string
	EventName  string
	StartTime  time.Time
	EndTime    time.Time
	Limit      int
}

// Repository persists raw telemetry events. InsertEvent must reject a
// duplicate event id atomically with respect to concurrent ingests.
type Repository interface {
	InsertEvent(ctx context.Context, event *Event) error
	BulkInsertEvents(ctx context.Context, events []*Event) error
	GetByID(ctx context.Context, id string) (*Event, error)
	FindEvents(ctx context.Context, params *FindEventsParams) ([]*Event, error)
}
