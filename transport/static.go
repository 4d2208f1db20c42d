package transport

import "time"

// StaticConfig is a plain Config value, handy for tests and for programs that
// do not load settings through the config package.
type StaticConfig struct {
	PubSubSystem       string
	KafkaBrokers       []string
	KafkaClientID      string
	KafkaConsumerGroup string
	KafkaCompression   string
	KafkaLinger        time.Duration
	PublishTimeout     time.Duration
	RabbitMQURL        string
	NATSURL            string
	NATSStream         string
	ChannelPersistent  bool
}

func (c StaticConfig) GetPubSubSystem() string          { return c.PubSubSystem }
func (c StaticConfig) GetKafkaBrokers() []string        { return c.KafkaBrokers }
func (c StaticConfig) GetKafkaClientID() string         { return c.KafkaClientID }
func (c StaticConfig) GetKafkaConsumerGroup() string    { return c.KafkaConsumerGroup }
func (c StaticConfig) GetKafkaCompression() string      { return c.KafkaCompression }
func (c StaticConfig) GetKafkaLinger() time.Duration    { return c.KafkaLinger }
func (c StaticConfig) GetPublishTimeout() time.Duration { return c.PublishTimeout }
func (c StaticConfig) GetRabbitMQURL() string           { return c.RabbitMQURL }
func (c StaticConfig) GetNATSURL() string               { return c.NATSURL }
func (c StaticConfig) GetNATSStream() string            { return c.NATSStream }
func (c StaticConfig) GetChannelPersistent() bool       { return c.ChannelPersistent }
