package transport

// Capabilities describes what a backend guarantees to the pipeline.
type Capabilities struct {
	Name string

	// SupportsOrdering means messages of one partition/stream arrive in
	// publish order.
	SupportsOrdering bool
	// SupportsPartitioning means the partition key metadata routes messages,
	// so ordering holds per key rather than per topic.
	SupportsPartitioning bool
	// SupportsConsumerGroups means each message reaches one member of a group.
	SupportsConsumerGroups bool
	SupportsAck            bool
	SupportsNack           bool
	SupportsBatching       bool
	SupportsCompression    bool
	// Durable means accepted messages survive a broker restart.
	Durable bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// PreservesKeyOrder reports whether events sharing a partition key are
// delivered in publish order.
func (c Capabilities) PreservesKeyOrder() bool {
	return c.SupportsOrdering
}

var (
	// KafkaCapabilities for the Kafka log.
	KafkaCapabilities = Capabilities{
		Name:                   "kafka",
		SupportsOrdering:       true,
		SupportsPartitioning:   true,
		SupportsConsumerGroups: true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsBatching:       true,
		SupportsCompression:    true,
		Durable:                true,
		MaxMessageSize:         1048576,
	}

	// ChannelCapabilities for the in-memory transport used in tests and
	// single-process deployments.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// NATSJetStreamCapabilities for NATS JetStream.
	NATSJetStreamCapabilities = Capabilities{
		Name:                   "nats-jetstream",
		SupportsOrdering:       true,
		SupportsConsumerGroups: true,
		SupportsAck:            true,
		SupportsNack:           true,
		SupportsBatching:       true,
		Durable:                true,
		MaxMessageSize:         1048576,
	}

	// RabbitMQCapabilities for durable AMQP queues. Ordering holds only with a
	// single consumer per queue.
	RabbitMQCapabilities = Capabilities{
		Name:                   "rabbitmq",
		SupportsOrdering:       true,
		SupportsConsumerGroups: true,
		SupportsAck:            true,
		SupportsNack:           true,
		Durable:                true,
	}
)
