// Package kafka carries ipcflow channels over Apache Kafka topics.
// Channel names map directly to topic names; the consumer group comes
// from the config, so peers sharing a group split the partitions while
// peers with distinct groups each see every message.
package kafka

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ipcflow/ipcflow/transport"
)

// TransportName selects this transport in a config's PubSubSystem.
const TransportName = "kafka"

// PublisherFactory builds the Kafka publisher. Tests swap it out to
// avoid dialing a broker.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory builds the Kafka subscriber.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register makes the transport buildable through the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build wires a publisher and subscriber against the brokers named in
// cfg.GetKafkaBrokers, subscribing under cfg.GetKafkaConsumerGroup.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()

	publisher, err := PublisherFactory(kafka.PublisherConfig{
		Brokers:   brokers,
		Marshaler: kafka.DefaultMarshaler{},
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka publisher: %w", err)
	}

	subscriber, err := SubscriberFactory(kafka.SubscriberConfig{
		Brokers:       brokers,
		Unmarshaler:   kafka.DefaultMarshaler{},
		ConsumerGroup: cfg.GetKafkaConsumerGroup(),
	}, logger)
	if err != nil {
		return transport.Transport{}, fmt.Errorf("kafka subscriber: %w", err)
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
	}, nil
}

// Capabilities returns what the Kafka transport supports.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
