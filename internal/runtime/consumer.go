package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/eventflow/internal/runtime/dispatch"
	"github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
	metricspkg "github.com/drblury/eventflow/internal/runtime/metrics"
)

// ConsumerState is the state of the consumer loop.
type ConsumerState int32

const (
	StateIdle ConsumerState = iota
	StatePolling
	StateProcessing
	StateShuttingDown
)

func (s ConsumerState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateProcessing:
		return "processing"
	case StateShuttingDown:
		return "shutting_down"
	default:
		return "unknown"
	}
}

// Dispatcher accepts decoded events without waiting for their processing.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *envelope.Envelope, md metadatapkg.Metadata) (*dispatch.Handle, error)
}

// ConsumerConfig selects what the consumer reads.
type ConsumerConfig struct {
	Topic string
	// PoisonQueue receives undecodable messages; empty only logs them.
	PoisonQueue string
	// PollTimeout bounds one wait for a message.
	PollTimeout time.Duration
}

// ConsumerOption customises a Consumer.
type ConsumerOption func(*Consumer)

func WithConsumerLogger(l loggingpkg.ServiceLogger) ConsumerOption {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithConsumerMetrics(m *metricspkg.Metrics) ConsumerOption {
	return func(c *Consumer) { c.metrics = m }
}

// WithPoisonPublisher sets where poison messages are forwarded.
func WithPoisonPublisher(pub message.Publisher) ConsumerOption {
	return func(c *Consumer) { c.poisonPub = pub }
}

// Consumer reads the log one message at a time and hands each decoded event
// to the dispatcher. It acks a message once the dispatcher has queued it, so
// the committed position may run ahead of completed processing; the status
// records are what tell which events still need work.
type Consumer struct {
	sub        message.Subscriber
	dispatcher Dispatcher
	cfg        ConsumerConfig
	logger     loggingpkg.ServiceLogger
	metrics    *metricspkg.Metrics
	poisonPub  message.Publisher

	handler message.HandlerFunc
	state   atomic.Int32
	running atomic.Bool
}

// NewConsumer creates a consumer for cfg.Topic.
func NewConsumer(sub message.Subscriber, dispatcher Dispatcher, cfg ConsumerConfig, opts ...ConsumerOption) (*Consumer, error) {
	if sub == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if dispatcher == nil {
		return nil, errors.New("eventflow: dispatcher is required")
	}
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = time.Second
	}

	c := &Consumer{
		sub:        sub,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     loggingpkg.NewNopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}

	poison, err := poisonQueueMiddleware(c.poisonPub, cfg.PoisonQueue)
	if err != nil {
		return nil, fmt.Errorf("poison queue middleware: %w", err)
	}
	c.handler = chain(c.intake,
		correlationIDMiddleware,
		tracerMiddleware,
		logMessagesMiddleware(c.logger),
		poison,
		middleware.Recoverer,
	)
	return c, nil
}

// State returns the current loop state.
func (c *Consumer) State() ConsumerState {
	return ConsumerState(c.state.Load())
}

func (c *Consumer) setState(s ConsumerState) {
	prev := ConsumerState(c.state.Swap(int32(s)))
	if prev != s {
		c.metrics.SetConsumerState(prev.String(), s.String())
		c.logger.Trace("Consumer state changed", loggingpkg.LogFields{
			"from":                 prev.String(),
			loggingpkg.FieldState: s.String(),
		})
	}
}

// Run polls until ctx is cancelled or the subscription ends. Every message
// received before cancellation is handed to the dispatcher or nacked.
func (c *Consumer) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("eventflow: consumer is already running")
	}
	defer c.running.Store(false)

	c.setState(StateIdle)
	messages, err := c.sub.Subscribe(ctx, c.cfg.Topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", c.cfg.Topic, err)
	}
	c.logger.Info("Consumer started", loggingpkg.LogFields{
		loggingpkg.FieldTopic: c.cfg.Topic,
		"poll_timeout":        c.cfg.PollTimeout.String(),
	})

	timer := time.NewTimer(c.cfg.PollTimeout)
	defer timer.Stop()

	for {
		c.setState(StatePolling)
		resetTimer(timer, c.cfg.PollTimeout)

		select {
		case <-ctx.Done():
			c.setState(StateShuttingDown)
			c.logger.Info("Consumer stopping", loggingpkg.LogFields{loggingpkg.FieldTopic: c.cfg.Topic})
			return nil
		case <-timer.C:
			continue
		case msg, ok := <-messages:
			if !ok {
				c.setState(StateShuttingDown)
				c.logger.Info("Subscription closed", loggingpkg.LogFields{loggingpkg.FieldTopic: c.cfg.Topic})
				return nil
			}
			c.setState(StateProcessing)
			c.handle(ctx, msg)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// handle settles msg: ack once handed off or skipped, nack when the event
// must come back later.
func (c *Consumer) handle(ctx context.Context, msg *message.Message) {
	c.metrics.Consumed(c.cfg.Topic)
	msg.SetContext(ctx)

	_, err := c.handler(msg)
	if err == nil {
		msg.Ack()
		return
	}

	log := c.logger.With(loggingpkg.LogFields{
		loggingpkg.FieldMessageID: msg.UUID,
		loggingpkg.FieldTopic:     c.cfg.Topic,
		loggingpkg.FieldEventID:   msg.Metadata.Get(metadatapkg.KeyEventID),
		loggingpkg.FieldKind:      msg.Metadata.Get(metadatapkg.KeyEventKind),
	})

	switch {
	case isPoison(err):
		if errspkg.Classify(err) != errspkg.ClassDecode {
			log.Error("Skipping message that panicked during intake", err, nil)
		}
		msg.Ack()
	case errspkg.Classify(err) == errspkg.ClassDispatch:
		log.Error("No processing routine for event kind, dropping", err, nil)
		msg.Ack()
	default:
		log.Error("Could not hand message to the dispatcher, requesting redelivery", err, nil)
		msg.Nack()
	}
}

// intake decodes msg and queues it. Decode failures are counted here since
// the poison queue middleware swallows the ones it forwards.
func (c *Consumer) intake(msg *message.Message) ([]*message.Message, error) {
	env, err := decode(msg)
	if err != nil {
		c.metrics.DecodeFailed(c.cfg.Topic)
		c.logger.Error("Undecodable message", err, loggingpkg.LogFields{
			loggingpkg.FieldMessageID: msg.UUID,
			loggingpkg.FieldTopic:     c.cfg.Topic,
			"poison_queue":            c.cfg.PoisonQueue,
		})
		return nil, err
	}

	md := metadatapkg.FromWatermill(msg.Metadata)
	if env.EventID == "" {
		env.EventID = md.Get(metadatapkg.KeyEventID)
	}
	if env.PartitionKey == "" {
		env.PartitionKey = md.Get(metadatapkg.KeyPartitionKey)
	}

	handle, err := c.dispatcher.Dispatch(msg.Context(), env, md)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("Event dispatched", loggingpkg.LogFields{
		loggingpkg.FieldMessageID: msg.UUID,
		loggingpkg.FieldKind:      env.Type,
		"task_id":                 handle.ID(),
		"shard":                   handle.Shard(),
	})
	return nil, nil
}

func decode(msg *message.Message) (*envelope.Envelope, error) {
	codec, err := envelope.CodecForContentType(msg.Metadata.Get(metadatapkg.KeyContentType))
	if err == nil {
		var env *envelope.Envelope
		if env, err = codec.Decode(msg.Payload); err == nil {
			return env, nil
		}
	}
	var decodeErr *errspkg.DecodeError
	if errors.As(err, &decodeErr) && decodeErr.MessageID == "" {
		decodeErr.MessageID = msg.UUID
	}
	return nil, err
}
