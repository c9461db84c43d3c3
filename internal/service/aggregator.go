package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/meterline/meterline/internal/domain/aggregate"
	"github.com/meterline/meterline/internal/domain/events"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/kafka"
	"github.com/meterline/meterline/internal/types"
)

// casMaxRetries bounds optimistic-lock retries per event before the
// message is handed back to the broker for redelivery.
const casMaxRetries = 5

// AggregationService folds telemetry events into per-(customer, metric)
// window aggregates. One instance per consumer-group member; events for
// a customer arrive on one partition so contention is rare.
type AggregationService interface {
	// ProcessMessage decodes and processes one stream message. A nil
	// return means the message is consumed (including dropped malformed
	// payloads); an error means it should be redelivered.
	ProcessMessage(ctx context.Context, payload []byte) error

	ProcessEvent(ctx context.Context, event *events.Event) error
}

type aggregationService struct {
	ServiceParams

	// now is injectable for watermark tests
	now func() time.Time
}

// NewAggregationService creates the aggregation consumer service
func NewAggregationService(params ServiceParams) AggregationService {
	return &aggregationService{
		ServiceParams: params,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *aggregationService) ProcessMessage(ctx context.Context, payload []byte) error {
	var event events.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		// Malformed payloads are dropped, not redelivered: they will
		// never parse on retry.
		s.Logger.Warnw("dropping malformed event payload", "error", err)
		return nil
	}

	if err := event.Validate(); err != nil {
		s.Logger.Warnw("dropping invalid event",
			"event_id", event.ID,
			"error", err,
		)
		return nil
	}

	return s.ProcessEvent(ctx, &event)
}

func (s *aggregationService) ProcessEvent(ctx context.Context, event *events.Event) error {
	windowStart, windowEnd := types.WindowFor(event.EventTime, s.Config.Window.Size())
	watermark := types.Watermark(s.now(), s.Config.Window.AllowedLateness())

	// A window that started before the watermark no longer admits
	// events; the event takes the re-rating path instead.
	if windowStart.Before(watermark) {
		return s.redirectLate(ctx, event, watermark)
	}

	key := aggregate.Key{
		CustomerID:  event.CustomerID,
		MetricType:  event.MetricType(),
		WindowStart: windowStart,
		WindowEnd:   windowEnd,
	}
	quantity := event.Quantity(defaultQuantity(key.MetricType))

	attempt := func() error {
		row, _, err := s.AggregateRepo.GetOrCreate(ctx, key, func() *aggregate.AggregatedUsage {
			return aggregate.New(key)
		})
		if err != nil {
			if ierr.IsNotFound(err) {
				// The window was finalized between the watermark check and
				// the read. Redirect rather than reopen it.
				return backoff.Permanent(s.redirectLate(ctx, event, watermark))
			}
			return err
		}

		if err := row.Apply(event.ID, quantity); err != nil {
			switch {
			case ierr.IsAlreadyExists(err):
				// Redelivery of an already-folded event
				s.Logger.Debugw("event already aggregated",
					"event_id", event.ID,
					"aggregation_id", row.ID,
				)
				return nil
			default:
				return backoff.Permanent(err)
			}
		}

		if err := s.AggregateRepo.Update(ctx, row); err != nil {
			if ierr.IsVersionConflict(err) {
				return err // reload and retry
			}
			return backoff.Permanent(err)
		}

		s.Logger.Debugw("event aggregated",
			"event_id", event.ID,
			"aggregation_id", row.ID,
			"metric_type", row.MetricType,
			"value", row.Value,
			"event_count", row.EventCount,
		)
		return nil
	}

	err := backoff.Retry(attempt, backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), casMaxRetries), ctx))
	if err != nil {
		if ierr.IsValidation(err) {
			// The fold produced an aggregate that can never validate
			// (e.g. a negative usage value). Redelivery cannot fix it,
			// so consume the event instead of blocking the partition.
			s.Logger.Errorw("dropping unprocessable event",
				"event_id", event.ID,
				"customer_id", event.CustomerID,
				"error", err,
			)
			return nil
		}
		return ierr.WithError(err).
			WithHint("Failed to fold event into aggregate").
			WithReportableDetails(map[string]any{
				"event_id":    event.ID,
				"customer_id": event.CustomerID,
			}).
			Mark(ierr.ErrSystem)
	}
	return nil
}

// redirectLate publishes the event to the late-events stream for the
// re-rating consumer. The envelope carries the watermark that rejected it.
func (s *aggregationService) redirectLate(ctx context.Context, event *events.Event, watermark time.Time) error {
	late := events.LateEvent{
		Event:      *event,
		ReceivedAt: s.now(),
		Watermark:  watermark,
	}

	payload, err := json.Marshal(late)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to marshal late event").
			Mark(ierr.ErrValidation)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set(kafka.PartitionKeyMetadata, event.CustomerID)

	if err := s.PubSub.Publish(ctx, s.Config.Kafka.Topics.EventsLate, msg); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to publish late event").
			WithReportableDetails(map[string]any{"event_id": event.ID}).
			Mark(ierr.ErrSystem)
	}

	s.Logger.Infow("event redirected to late stream",
		"event_id", event.ID,
		"customer_id", event.CustomerID,
		"event_time", event.EventTime,
		"watermark", watermark,
	)
	return nil
}

// defaultQuantity is the fallback when an event carries no numeric value:
// count one occurrence for sums, contribute nothing for maxima.
func defaultQuantity(metric types.MetricType) decimal.Decimal {
	if metric.GetAggregationType() == types.AggregationMax {
		return decimal.Zero
	}
	return decimal.NewFromInt(1)
}
