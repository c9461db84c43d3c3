package testutil

import (
	"context"
	"sort"
	"sync"

	"github.com/meterline/meterline/internal/domain/events"
	ierr "github.com/meterline/meterline/internal/errors"
)

// InMemoryEventStore implements events.Repository with the same
// duplicate-id semantics as the ClickHouse store
type InMemoryEventStore struct {
	mu     sync.RWMutex
	events map[string]*events.Event
}

func NewInMemoryEventStore() *InMemoryEventStore {
	return &InMemoryEventStore{
		events: make(map[string]*events.Event),
	}
}

func (s *InMemoryEventStore) InsertEvent(ctx context.Context, event *events.Event) error {
	if event == nil {
		return ierr.NewError("event cannot be nil").
			Mark(ierr.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.events[event.ID]; exists {
		return ierr.NewError("duplicate event").
			WithReportableDetails(map[string]any{"event_id": event.ID}).
			Mark(ierr.ErrAlreadyExists)
	}
	s.events[event.ID] = event
	return nil
}

func (s *InMemoryEventStore) BulkInsertEvents(ctx context.Context, batch []*events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, event := range batch {
		if _, exists := s.events[event.ID]; exists {
			continue
		}
		s.events[event.ID] = event
	}
	return nil
}

func (s *InMemoryEventStore) GetByID(ctx context.Context, id string) (*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	event, ok := s.events[id]
	if !ok {
		return nil, ierr.NewError("event not found").
			WithReportableDetails(map[string]any{"event_id": id}).
			Mark(ierr.ErrNotFound)
	}
	return event, nil
}

func (s *InMemoryEventStore) FindEvents(ctx context.Context, params *events.FindEventsParams) ([]*events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*events.Event
	for _, event := range s.events {
		if params.CustomerID != "" && event.CustomerID != params.CustomerID {
			continue
		}
		if params.EventName != "" && event.EventName != params.EventName {
			continue
		}
		if !params.StartTime.IsZero() && event.EventTime.Before(params.StartTime) {
			continue
		}
		if !params.EndTime.IsZero() && !event.EventTime.Before(params.EndTime) {
			continue
		}
		result = append(result, event)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].EventTime.Before(result[j].EventTime)
	})

	if params.Limit > 0 && len(result) > params.Limit {
		result = result[:params.Limit]
	}
	return result, nil
}

// Count returns the number of stored events
func (s *InMemoryEventStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}
