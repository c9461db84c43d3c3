package publisher

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/domain/events"
	ierr "github.com/meterline/meterline/internal/errors"
	"github.com/meterline/meterline/internal/kafka"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/pubsub"
)

// EventPublisher forwards accepted telemetry events to the events stream
type EventPublisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

type eventPublisher struct {
	pubsub pubsub.Publisher
	logger *logger.Logger
	topic  string
}

// NewEventPublisher creates a publisher bound to the telemetry events topic
func NewEventPublisher(
	ps pubsub.Publisher,
	cfg *config.Configuration,
	logger *logger.Logger,
) EventPublisher {
	return &eventPublisher{
		pubsub: ps,
		logger: logger,
		topic:  cfg.Kafka.Topics.Events,
	}
}

func (p *eventPublisher) Publish(ctx context.Context, event *events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return ierr.WithError(err).
			WithHint("Failed to marshal event").
			WithReportableDetails(map[string]any{"event_id": event.ID}).
			Mark(ierr.ErrValidation)
	}

	p.logger.Debugw("publishing event",
		"event_id", event.ID,
		"event_name", event.EventName,
		"customer_id", event.CustomerID,
	)

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set(kafka.PartitionKeyMetadata, event.CustomerID)

	if err := p.pubsub.Publish(ctx, p.topic, msg); err != nil {
		return ierr.WithError(err).
			WithHint("Failed to publish event").
			WithReportableDetails(map[string]any{"event_id": event.ID}).
			Mark(ierr.ErrSystem)
	}
	return nil
}
