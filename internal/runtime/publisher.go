package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	metricspkg "github.com/drblury/eventflow/internal/runtime/metrics"
)

// errPublishTimeout marks an attempt the broker did not acknowledge in time.
var errPublishTimeout = errors.New("broker acknowledgment timed out")

// PublisherConfig tunes the retry budget and timeouts of a Publisher.
type PublisherConfig struct {
	Topic          string
	ServiceVersion string
	// Timeout bounds the broker acknowledgment of one attempt.
	Timeout time.Duration
	// MaxRetries is the number of attempts after the first one.
	MaxRetries      int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	DeliveryTimeout time.Duration
}

func (c PublisherConfig) withDefaults() PublisherConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 2 * c.Timeout
	}
	return c
}

// Receipt confirms that the log accepted an event.
type Receipt struct {
	EventID      string    `json:"event_id"`
	MessageID    string    `json:"message_id"`
	Kind         string    `json:"event_kind"`
	Topic        string    `json:"topic"`
	PartitionKey string    `json:"partition_key,omitempty"`
	PublishedAt  time.Time `json:"published_at"`
	Attempts     int       `json:"attempts"`
}

// PublisherOption customises a Publisher.
type PublisherOption func(*Publisher)

func WithPublisherLogger(l loggingpkg.ServiceLogger) PublisherOption {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithPublisherMetrics(m *metricspkg.Metrics) PublisherOption {
	return func(p *Publisher) { p.metrics = m }
}

// WithRegistry sets the kinds the publisher accepts.
func WithRegistry(r *envelope.Registry) PublisherOption {
	return func(p *Publisher) {
		if r != nil {
			p.registry = r
		}
	}
}

// WithCodec sets the envelope encoding. JSON is the default.
func WithCodec(c envelope.Codec) PublisherOption {
	return func(p *Publisher) {
		if c != nil {
			p.codec = c
		}
	}
}

func withPublisherClock(now func() time.Time) PublisherOption {
	return func(p *Publisher) { p.now = now }
}

// Publisher validates events, stamps them and appends them to the log,
// retrying transient broker failures within a bounded budget. Concurrent
// Publish calls do not serialize on each other.
type Publisher struct {
	pub      message.Publisher
	cfg      PublisherConfig
	registry *envelope.Registry
	codec    envelope.Codec
	logger   loggingpkg.ServiceLogger
	metrics  *metricspkg.Metrics
	tracer   trace.Tracer
	now      func() time.Time
}

// NewPublisher wraps a transport publisher.
func NewPublisher(pub message.Publisher, cfg PublisherConfig, opts ...PublisherOption) (*Publisher, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	p := &Publisher{
		pub:      pub,
		cfg:      cfg.withDefaults(),
		registry: envelope.DefaultRegistry(),
		codec:    envelope.JSONCodec{},
		logger:   loggingpkg.NewNopLogger(),
		tracer:   otel.Tracer("eventflow"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Registry returns the kinds accepted by Publish.
func (p *Publisher) Registry() *envelope.Registry { return p.registry }

// Publish validates env and appends it to the log. Invalid events return a
// *errors.ValidationError and are never sent. Broker failures return a
// *errors.PublishError; Retryable is false only for encoding failures.
func (p *Publisher) Publish(ctx context.Context, env *envelope.Envelope, md metadatapkg.Metadata) (receipt Receipt, err error) {
	if env == nil {
		return Receipt{}, errspkg.ErrEnvelopeRequired
	}
	if err := p.registry.Prepare(env); err != nil {
		return Receipt{}, err
	}

	ctx, span := p.tracer.Start(ctx, "publish "+env.Type, trace.WithSpanKind(trace.SpanKindProducer), trace.WithAttributes(
		attribute.String("event.id", env.EventID),
		attribute.String("event.kind", env.Type),
		attribute.String("messaging.destination", p.cfg.Topic),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	env.PublishedAt = p.now()
	if env.ServiceVersion == "" {
		env.ServiceVersion = p.cfg.ServiceVersion
	}

	msg, err := p.newMessage(env, md)
	if err != nil {
		p.metrics.PublishFailed(env.Type, false)
		return Receipt{}, &errspkg.PublishError{Topic: p.cfg.Topic, Retryable: false, Cause: err}
	}

	log := p.logger.With(loggingpkg.LogFields{
		loggingpkg.FieldEventID:      env.EventID,
		loggingpkg.FieldKind:         env.Type,
		loggingpkg.FieldMessageID:    msg.UUID,
		loggingpkg.FieldPartitionKey: env.PartitionKey,
	})

	ctx, cancel := context.WithTimeout(ctx, p.cfg.DeliveryTimeout)
	defer cancel()
	msg.SetContext(ctx)

	attempts := 0
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, p.send(msg)
	},
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(p.cfg.MaxRetries+1)),
		backoff.WithMaxElapsedTime(p.cfg.DeliveryTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Info("Publish attempt failed, retrying", loggingpkg.LogFields{
				loggingpkg.FieldAttempt: attempts,
				"retry_in":              next.String(),
				"error":                 err.Error(),
			})
		}),
	)
	span.SetAttributes(attribute.Int("publish.attempts", attempts))
	if err != nil {
		retryable := errspkg.IsRetryable(err)
		p.metrics.PublishFailed(env.Type, retryable)
		log.Error("Publish failed", err, loggingpkg.LogFields{
			loggingpkg.FieldAttempt: attempts,
			"retryable":             retryable,
		})
		return Receipt{}, &errspkg.PublishError{Topic: p.cfg.Topic, Attempts: attempts, Retryable: retryable, Cause: err}
	}

	p.metrics.Published(env.Type, attempts)
	log.Debug("Event published", loggingpkg.LogFields{loggingpkg.FieldAttempt: attempts})

	return Receipt{
		EventID:      env.EventID,
		MessageID:    msg.UUID,
		Kind:         env.Type,
		Topic:        p.cfg.Topic,
		PartitionKey: env.PartitionKey,
		PublishedAt:  env.PublishedAt,
		Attempts:     attempts,
	}, nil
}

// newMessage encodes env and sets the reserved headers. Caller metadata
// cannot override them, except for an existing correlation id.
func (p *Publisher) newMessage(env *envelope.Envelope, md metadatapkg.Metadata) (*message.Message, error) {
	payload, err := p.codec.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Type, err)
	}

	correlationID := md.Get(metadatapkg.KeyCorrelationID)
	if correlationID == "" {
		correlationID = idspkg.CreateULID()
	}

	msg := message.NewMessage(idspkg.CreateULID(), payload)
	metadatapkg.Apply(msg, metadatapkg.Metadata{
		metadatapkg.KeyEventID:        env.EventID,
		metadatapkg.KeyEventKind:      env.Type,
		metadatapkg.KeyPartitionKey:   env.PartitionKey,
		metadatapkg.KeyContentType:    p.codec.ContentType(),
		metadatapkg.KeyCorrelationID:  correlationID,
		metadatapkg.KeyServiceVersion: env.ServiceVersion,
		metadatapkg.KeyPublishedAt:    env.PublishedAt.Format(time.RFC3339Nano),
	})
	metadatapkg.Apply(msg, md)
	return msg, nil
}

// send makes one attempt. Watermill publishers block until the broker
// acknowledges, so the attempt runs aside and is abandoned after Timeout; a
// late success then shows up as a duplicate that storage absorbs. Broker
// errors the taxonomy does not consider retryable end the retry loop.
func (p *Publisher) send(msg *message.Message) error {
	attempt := msg.Copy()
	attempt.SetContext(msg.Context())

	done := make(chan error, 1)
	go func() {
		done <- p.pub.Publish(p.cfg.Topic, attempt)
	}()

	timer := time.NewTimer(p.cfg.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil && !errspkg.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	case <-timer.C:
		return errspkg.Transient("publish", fmt.Errorf("%w after %s", errPublishTimeout, p.cfg.Timeout))
	case <-msg.Context().Done():
		return backoff.Permanent(msg.Context().Err())
	}
}

func (p *Publisher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	return b
}
