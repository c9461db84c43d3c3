package service

import (
	"context"

	"github.com/meterline/meterline/internal/api/dto"
	"github.com/meterline/meterline/internal/domain/events"
	ierr "github.com/meterline/meterline/internal/errors"
)

// EventService accepts telemetry events at the pipeline boundary:
// validate, persist with deduplication, then hand off to the stream.
type EventService interface {
	CreateEvent(ctx context.Context, req *dto.IngestEventRequest) (*dto.IngestEventResponse, error)
	BulkCreateEvents(ctx context.Context, req *dto.BulkIngestEventRequest) (*dto.BulkIngestEventResponse, error)
	GetEvent(ctx context.Context, id string) (*events.Event, error)
}

type eventService struct {
	ServiceParams
}

// NewEventService creates the ingest service
func NewEventService(params ServiceParams) EventService {
	return &eventService{ServiceParams: params}
}

func (s *eventService) CreateEvent(ctx context.Context, req *dto.IngestEventRequest) (*dto.IngestEventResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	event := req.ToEvent()
	if err := event.Validate(); err != nil {
		return nil, err
	}

	if err := s.EventRepo.InsertEvent(ctx, event); err != nil {
		if ierr.IsAlreadyExists(err) {
			// The original copy is authoritative; the caller must learn
			// its retry carried an id the pipeline already holds.
			s.Logger.Debugw("duplicate event rejected", "event_id", event.ID)
			return nil, ierr.WithError(err).
				WithHint("Event with this id has already been ingested").
				WithReportableDetails(map[string]any{"event_id": event.ID}).
				Mark(ierr.ErrAlreadyExists)
		}
		return nil, err
	}

	// The event is durably stored; a publish failure is recoverable by
	// replay, so it must not fail the ingest.
	if err := s.EventPublisher.Publish(ctx, event); err != nil {
		s.Logger.Errorw("failed to publish ingested event",
			"event_id", event.ID,
			"error", err,
		)
		s.Sentry.CaptureException(err)
	}

	return &dto.IngestEventResponse{EventID: event.ID}, nil
}

func (s *eventService) BulkCreateEvents(ctx context.Context, req *dto.BulkIngestEventRequest) (*dto.BulkIngestEventResponse, error) {
	if len(req.Events) == 0 {
		return nil, ierr.NewError("no events provided").
			WithHint("Bulk ingest requires at least one event").
			Mark(ierr.ErrValidation)
	}

	toInsert := make([]*events.Event, 0, len(req.Events))
	for i, item := range req.Events {
		if err := item.Validate(); err != nil {
			return nil, ierr.WithError(err).
				WithHintf("Event at index %d failed validation", i).
				Mark(ierr.ErrValidation)
		}
		event := item.ToEvent()
		if err := event.Validate(); err != nil {
			return nil, ierr.WithError(err).
				WithHintf("Event at index %d failed validation", i).
				Mark(ierr.ErrValidation)
		}
		toInsert = append(toInsert, event)
	}

	if err := s.EventRepo.BulkInsertEvents(ctx, toInsert); err != nil {
		return nil, err
	}

	resp := &dto.BulkIngestEventResponse{EventIDs: make([]string, 0, len(toInsert))}
	for _, event := range toInsert {
		resp.EventIDs = append(resp.EventIDs, event.ID)
		if err := s.EventPublisher.Publish(ctx, event); err != nil {
			s.Logger.Errorw("failed to publish ingested event",
				"event_id", event.ID,
				"error", err,
			)
			s.Sentry.CaptureException(err)
		}
	}
	return resp, nil
}

func (s *eventService) GetEvent(ctx context.Context, id string) (*events.Event, error) {
	if id == "" {
		return nil, ierr.NewError("event id is required").
			Mark(ierr.ErrValidation)
	}
	return s.EventRepo.GetByID(ctx, id)
}
