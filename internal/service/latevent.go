package service

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/meterline/meterline/internal/domain/events"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/types"
)

// LateEventService turns late events into additive delta charges. It
// never rewrites historical aggregates; the correction is a new charge
// linked to the one it supersedes.
type LateEventService interface {
	// ProcessMessage handles one late-event envelope. Always returns nil
	// after logging failures: redelivering a late event cannot fix a
	// pricing gap and must not block the partition.
	ProcessMessage(ctx context.Context, payload []byte) error

	ProcessLateEvent(ctx context.Context, late *events.LateEvent) error
}

type lateEventService struct {
	ServiceParams
	rating RatingService
}

// NewLateEventService creates the re-rating consumer service
func NewLateEventService(params ServiceParams, rating RatingService) LateEventService {
	return &lateEventService{ServiceParams: params, rating: rating}
}

func (s *lateEventService) ProcessMessage(ctx context.Context, payload []byte) error {
	var late events.LateEvent
	if err := json.Unmarshal(payload, &late); err != nil {
		s.Logger.Warnw("dropping malformed late event payload", "error", err)
		return nil
	}

	if err := s.ProcessLateEvent(ctx, &late); err != nil {
		s.Logger.Errorw("failed to process late event",
			"event_id", late.ID,
			"customer_id", late.CustomerID,
			"error", err,
		)
		s.Sentry.CaptureException(err)
	}
	return nil
}

func (s *lateEventService) ProcessLateEvent(ctx context.Context, late *events.LateEvent) error {
	if err := late.Validate(); err != nil {
		return err
	}

	metric := late.MetricType()
	windowStart, _ := types.WindowFor(late.EventTime, s.Config.Window.Size())

	// The job id is derived from the customer and window so concurrent
	// corrections for the same window share one lineage.
	jobID := types.ReratingJobID(late.CustomerID, windowStart)

	req := &RatingRequest{
		CustomerID:    late.CustomerID,
		MetricType:    metric,
		Quantity:      late.Quantity(decimal.NewFromInt(1)),
		EffectiveDate: late.EventTime,
		WindowStart:   windowStart,
		SourceEvents:  []string{late.ID},
		ReratingJobID: &jobID,
	}

	// Link the delta to the latest charge for the same window, when one
	// exists, so the invoice subsystem can issue a correction.
	prior, err := s.ChargeRepo.LatestForWindow(ctx, late.CustomerID, metric, windowStart)
	switch {
	case err == nil:
		req.SupersedesChargeID = &prior.ID
	case ierr.IsNotFound(err):
		// First charge for the window; the delta stands alone.
	default:
		return err
	}

	rated, err := s.rating.RateUsage(ctx, req)
	if err != nil {
		return err
	}

	s.Logger.Infow("late event re-rated",
		"event_id", late.ID,
		"customer_id", late.CustomerID,
		"metric_type", metric,
		"window_start", windowStart,
		"charge_id", rated.ID,
		"rerating_job_id", jobID,
		"supersedes_charge_id", rated.SupersedesChargeID,
	)
	return nil
}
