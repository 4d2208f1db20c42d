package runtime

import (
	"errors"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

// chain applies middlewares so that the first one is the outermost.
func chain(h message.HandlerFunc, mws ...message.HandlerMiddleware) message.HandlerFunc {
	for i := len(mws) - 1; i >= 0; i-- {
		if mws[i] != nil {
			h = mws[i](h)
		}
	}
	return h
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

// tracerMiddleware wraps message intake in a consumer span.
func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	tracer := otel.Tracer("eventflow")
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx, span := tracer.Start(msg.Context(), "consume", trace.WithSpanKind(trace.SpanKindConsumer), trace.WithAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("event.id", msg.Metadata.Get(metadatapkg.KeyEventID)),
			attribute.String("event.kind", msg.Metadata.Get(metadatapkg.KeyEventKind)),
			attribute.String("correlation.id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
		))
		defer span.End()
		msg.SetContext(ctx)

		out, err := h(msg)
		if err != nil {
			span.RecordError(err)
		}
		return out, err
	}
}

// logMessagesMiddleware logs every received message at debug level.
func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Received message", loggingpkg.LogFields{
				loggingpkg.FieldMessageID: msg.UUID,
				"payload_bytes":           len(msg.Payload),
				"metadata":                msg.Metadata,
			})
			return h(msg)
		}
	}
}

// isPoison reports errors that no redelivery can fix: undecodable payloads
// and panics raised while decoding.
func isPoison(err error) bool {
	if errspkg.Classify(err) == errspkg.ClassDecode {
		return true
	}
	var recovered middleware.RecoveredPanicError
	return errors.As(err, &recovered)
}

// poisonQueueMiddleware forwards poison messages to topic and reports them as
// handled. An empty topic disables forwarding.
func poisonQueueMiddleware(pub message.Publisher, topic string) (message.HandlerMiddleware, error) {
	if pub == nil || topic == "" {
		return nil, nil
	}
	return middleware.PoisonQueueWithFilter(pub, topic, isPoison)
}
