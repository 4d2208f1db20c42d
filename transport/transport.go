// Package transport defines how eventflow reaches its log. Each backend
// (kafka, channel, nats-jetstream, rabbitmq) lives in its own sub-package and
// registers a Builder with the registry; the pipeline only sees watermill
// publishers and subscribers.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is a publisher and subscriber pair produced by a Builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes both sides once, even when they are the same value.
func (t Transport) Close() error {
	var errs []error
	if t.Publisher != nil {
		errs = append(errs, t.Publisher.Close())
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		errs = append(errs, t.Subscriber.Close())
	}
	return errors.Join(errs...)
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes the settings transports read, so that backends do not depend
// on the config package.
type Config interface {
	GetPubSubSystem() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string
	GetKafkaCompression() string
	GetKafkaLinger() time.Duration

	// GetPublishTimeout bounds the broker acknowledgment of one publish.
	GetPublishTimeout() time.Duration

	// RabbitMQ
	GetRabbitMQURL() string

	// NATS JetStream
	GetNATSURL() string
	GetNATSStream() string

	// In-memory channel
	GetChannelPersistent() bool
}

// CapabilitiesProvider is implemented by transports that report capabilities
// at runtime.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
