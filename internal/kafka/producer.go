package kafka

import (
	"github.com/ThreeDotsLabs/watermill"
	wkafka "github.com/ThreeDotsLabs/watermill-kafka/v2/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/meterline/meterline/internal/config"
)

// PartitionKeyMetadata is the message metadata key carrying the Kafka
// partition key. Producers set it to the customer id so all events for
// one customer land on the same partition and are folded in order.
const PartitionKeyMetadata = "partition_key"

type Producer struct {
	publisher message.Publisher
}

func NewProducer(cfg *config.Configuration) (*Producer, error) {
	publisher, err := wkafka.NewPublisher(
		wkafka.PublisherConfig{
			Brokers: cfg.Kafka.Brokers,
			Marshaler: wkafka.NewWithPartitioningMarshaler(func(topic string, msg *message.Message) (string, error) {
				if key := msg.Metadata.Get(PartitionKeyMetadata); key != "" {
					return key, nil
				}
				return msg.UUID, nil
			}),
			OverwriteSaramaConfig: GetSaramaConfig(cfg),
		},
		watermill.NewStdLogger(false, false),
	)
	if err != nil {
		return nil, err
	}

	return &Producer{publisher: publisher}, nil
}

func (p *Producer) Publish(topic string, msg *message.Message) error {
	if msg.UUID == "" {
		msg.UUID = watermill.NewUUID()
	}
	return p.publisher.Publish(topic, msg)
}

func (p *Producer) Close() error {
	return p.publisher.Close()
}
