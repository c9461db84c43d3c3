package kafka

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/meterline/meterline/internal/kafka"
	"github.com/meterline/meterline/internal/logger"
	"github.com/meterline/meterline/internal/pubsub"
)

type PubSub struct {
	producer *kafka.Producer
	consumer *kafka.Consumer
	logger   *logger.Logger
}

// NewPubSub combines a kafka producer and a group-bound consumer into the
// pubsub interface the services depend on
func NewPubSub(
	producer *kafka.Producer,
	consumer *kafka.Consumer,
	logger *logger.Logger,
) pubsub.PubSub {
	return &PubSub{
		producer: producer,
		consumer: consumer,
		logger:   logger,
	}
}

func (p *PubSub) Publish(ctx context.Context, topic string, msg *message.Message) error {
	return p.producer.Publish(topic, msg)
}

func (p *PubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return p.consumer.Subscribe(ctx, topic)
}

func (p *PubSub) Close() error {
	if err := p.producer.Close(); err != nil {
		p.logger.Errorw("failed to close producer", "error", err)
	}
	return p.consumer.Close()
}
