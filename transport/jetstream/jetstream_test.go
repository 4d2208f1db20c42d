package jetstream

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventflow/transport"
)

func TestRegister(t *testing.T) {
	original := transport.DefaultRegistry
	defer func() { transport.DefaultRegistry = original }()
	transport.DefaultRegistry = transport.NewRegistry()

	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "nats-jetstream", caps.Name)
	assert.True(t, caps.Durable)
	assert.False(t, caps.SupportsPartitioning)
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultStreamName, result.StreamName)
		assert.Equal(t, DefaultMaxDeliver, result.MaxDeliver)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			URL:             "nats://localhost:4222",
			StreamName:      "CUSTOM",
			MaxDeliver:      7,
			AckWait:         time.Minute,
			Replicas:        3,
			RetentionPolicy: "workqueue",
		}
		assert.Equal(t, cfg, cfg.withDefaults())
	})
}

func TestStreamConfig(t *testing.T) {
	sc := Config{StreamName: "EVENTS", RetentionPolicy: "interest"}.StreamConfig()
	assert.Equal(t, "EVENTS", sc.Name)
	assert.Equal(t, []string{"EVENTS.>"}, sc.Subjects)
	assert.Equal(t, nats.InterestPolicy, sc.Retention)

	assert.Equal(t, nats.LimitsPolicy, Config{}.StreamConfig().Retention)
}

func TestHeaderMapping(t *testing.T) {
	msg := message.NewMessage("01J0000000000000000000000A", []byte(`{"kind":"user_analytics"}`))
	msg.Metadata.Set("partition_key", "u1")
	msg.Metadata.Set("event_kind", "user_analytics")

	natsMsg := toNATS(Config{StreamName: "EVENTFLOW"}.subject("events"), msg)
	assert.Equal(t, "EVENTFLOW.events", natsMsg.Subject)
	assert.Equal(t, msg.UUID, natsMsg.Header.Get(nats.MsgIdHdr))

	back := fromNATS(natsMsg)
	require.Equal(t, msg.UUID, back.UUID)
	assert.Equal(t, msg.Payload, back.Payload)
	assert.Equal(t, "u1", back.Metadata.Get("partition_key"))
	assert.Equal(t, "user_analytics", back.Metadata.Get("event_kind"))
	assert.Empty(t, back.Metadata.Get(nats.MsgIdHdr))
}

func TestFromNATSWithoutID(t *testing.T) {
	back := fromNATS(&nats.Msg{Data: []byte("x"), Header: nats.Header{}})
	assert.NotEmpty(t, back.UUID)
}

func TestConsumerName(t *testing.T) {
	assert.Equal(t, "eventflow_events_v1", consumerName("events.v1"))
}
