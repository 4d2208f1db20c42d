// Package transports wires every built-in transport into the default registry.
package transports

import (
	"github.com/drblury/eventflow/transport/channel"
	"github.com/drblury/eventflow/transport/jetstream"
	"github.com/drblury/eventflow/transport/kafka"
	"github.com/drblury/eventflow/transport/rabbitmq"
)

// RegisterAll registers kafka, channel, nats-jetstream and rabbitmq.
func RegisterAll() {
	kafka.Register()
	channel.Register()
	jetstream.Register()
	rabbitmq.Register()
}
