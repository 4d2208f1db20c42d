package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventflow/internal/runtime/envelope"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

func fastPublisherConfig() PublisherConfig {
	return PublisherConfig{
		Topic:          "events",
		ServiceVersion: "1.2.3",
		Timeout:        time.Second,
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestNewPublisherRequiresPublisherAndTopic(t *testing.T) {
	_, err := NewPublisher(nil, fastPublisherConfig())
	require.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	_, err = NewPublisher(newRecordingPublisher(), PublisherConfig{})
	require.ErrorIs(t, err, errspkg.ErrTopicRequired)
}

func TestPublishReturnsReceipt(t *testing.T) {
	rec := newRecordingPublisher()
	published := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pub, err := NewPublisher(rec, fastPublisherConfig(), withPublisherClock(func() time.Time { return published }))
	require.NoError(t, err)

	receipt, err := pub.Publish(context.Background(), clickEvent("u1"), nil)
	require.NoError(t, err)

	assert.NotEmpty(t, receipt.EventID)
	assert.Equal(t, envelope.KindAnalytics, receipt.Kind)
	assert.Equal(t, "events", receipt.Topic)
	assert.Equal(t, "u1", receipt.PartitionKey)
	assert.Equal(t, published, receipt.PublishedAt)
	assert.Equal(t, 1, receipt.Attempts)

	msgs := rec.Published("events")
	require.Len(t, msgs, 1)
	msg := msgs[0]
	assert.Equal(t, receipt.MessageID, msg.UUID)
	assert.Equal(t, receipt.EventID, msg.Metadata.Get(metadatapkg.KeyEventID))
	assert.Equal(t, envelope.KindAnalytics, msg.Metadata.Get(metadatapkg.KeyEventKind))
	assert.Equal(t, "u1", msg.Metadata.Get(metadatapkg.KeyPartitionKey))
	assert.Equal(t, envelope.ContentTypeJSON, msg.Metadata.Get(metadatapkg.KeyContentType))
	assert.Equal(t, "1.2.3", msg.Metadata.Get(metadatapkg.KeyServiceVersion))
	assert.NotEmpty(t, msg.Metadata.Get(metadatapkg.KeyCorrelationID))

	decoded, err := envelope.JSONCodec{}.Decode(msg.Payload)
	require.NoError(t, err)
	assert.Equal(t, "u1", decoded.StringField("user_id"))
	assert.Equal(t, "1.2.3", decoded.ServiceVersion)
}

func TestPublishSameEventTwiceKeepsEventID(t *testing.T) {
	pub, err := NewPublisher(newRecordingPublisher(), fastPublisherConfig())
	require.NoError(t, err)

	first, err := pub.Publish(context.Background(), clickEvent("u1"), nil)
	require.NoError(t, err)
	second, err := pub.Publish(context.Background(), clickEvent("u1"), nil)
	require.NoError(t, err)

	assert.Equal(t, first.EventID, second.EventID)
	assert.NotEqual(t, first.MessageID, second.MessageID)
}

func TestPublishKeepsCallerMetadata(t *testing.T) {
	rec := newRecordingPublisher()
	pub, err := NewPublisher(rec, fastPublisherConfig())
	require.NoError(t, err)

	md := metadatapkg.New(metadatapkg.KeyCorrelationID, "corr-1", "origin", "api")
	_, err = pub.Publish(context.Background(), clickEvent("u1"), md)
	require.NoError(t, err)

	msg := rec.Published("events")[0]
	assert.Equal(t, "corr-1", msg.Metadata.Get(metadatapkg.KeyCorrelationID))
	assert.Equal(t, "api", msg.Metadata.Get("origin"))
}

func TestPublishRejectsInvalidEvents(t *testing.T) {
	rec := newRecordingPublisher()
	pub, err := NewPublisher(rec, fastPublisherConfig())
	require.NoError(t, err)

	cases := map[string]*envelope.Envelope{
		"missing user": envelope.New(envelope.KindAnalytics, map[string]any{"event_type": "click"}, "2024-01-01T00:00:00Z"),
		"unknown kind": envelope.New("page_view", map[string]any{"user_id": "u1"}, "2024-01-01T00:00:00Z"),
		"bad timestamp": envelope.New(envelope.KindAnalytics, map[string]any{
			"user_id":    "u1",
			"event_type": "click",
		}, "yesterday"),
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := pub.Publish(context.Background(), env, nil)
			var validation *errspkg.ValidationError
			require.ErrorAs(t, err, &validation)
		})
	}

	_, err = pub.Publish(context.Background(), nil, nil)
	require.ErrorIs(t, err, errspkg.ErrEnvelopeRequired)
	assert.Zero(t, rec.Calls())
}

func TestPublishRetriesTransientFailures(t *testing.T) {
	broker := errors.New("leader not available")
	rec := newRecordingPublisher(broker, broker)
	pub, err := NewPublisher(rec, fastPublisherConfig())
	require.NoError(t, err)

	receipt, err := pub.Publish(context.Background(), clickEvent("u1"), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, receipt.Attempts)
	assert.Len(t, rec.Published("events"), 1)
}

func TestPublishGivesUpAfterRetryBudget(t *testing.T) {
	broker := errors.New("leader not available")
	rec := newRecordingPublisher(broker, broker, broker, broker, broker)
	cfg := fastPublisherConfig()
	cfg.MaxRetries = 2
	pub, err := NewPublisher(rec, cfg)
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), clickEvent("u1"), nil)
	var publishErr *errspkg.PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.True(t, publishErr.Retryable)
	assert.Equal(t, 3, publishErr.Attempts)
	assert.Equal(t, 3, rec.Calls())
	assert.ErrorIs(t, err, broker)
}

func TestPublishDoesNotRetryPermanentBrokerErrors(t *testing.T) {
	tooLarge := errspkg.Permanent(errors.New("kafka: message too large"))
	rec := newRecordingPublisher(tooLarge, tooLarge, tooLarge, tooLarge)
	pub, err := NewPublisher(rec, fastPublisherConfig())
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), clickEvent("u1"), nil)
	var publishErr *errspkg.PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.False(t, publishErr.Retryable)
	assert.Equal(t, 1, publishErr.Attempts)
	assert.Equal(t, 1, rec.Calls())
	assert.Equal(t, errspkg.ClassPermanent, errspkg.Classify(err))
	assert.Empty(t, rec.Published("events"))
}

func TestPublishEncodeFailureIsNotRetryable(t *testing.T) {
	rec := newRecordingPublisher()
	pub, err := NewPublisher(rec, fastPublisherConfig(), WithCodec(failingCodec{}))
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), clickEvent("u1"), nil)
	var publishErr *errspkg.PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.False(t, publishErr.Retryable)
	assert.Equal(t, errspkg.ClassPermanent, errspkg.Classify(err))
	assert.Zero(t, rec.Calls())
}

func TestPublishAttemptTimeout(t *testing.T) {
	rec := newRecordingPublisher()
	rec.block = make(chan struct{})
	t.Cleanup(func() { close(rec.block) })

	cfg := fastPublisherConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.MaxRetries = 1
	pub, err := NewPublisher(rec, cfg)
	require.NoError(t, err)

	start := time.Now()
	_, err = pub.Publish(context.Background(), clickEvent("u1"), nil)
	require.ErrorIs(t, err, errPublishTimeout)
	assert.Less(t, time.Since(start), time.Second)

	var publishErr *errspkg.PublishError
	require.ErrorAs(t, err, &publishErr)
	assert.Equal(t, 2, publishErr.Attempts)
}

func TestPublishStopsOnCancelledContext(t *testing.T) {
	rec := newRecordingPublisher()
	rec.block = make(chan struct{})
	t.Cleanup(func() { close(rec.block) })

	pub, err := NewPublisher(rec, fastPublisherConfig())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = pub.Publish(ctx, clickEvent("u1"), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPublishWithProtoCodec(t *testing.T) {
	rec := newRecordingPublisher()
	pub, err := NewPublisher(rec, fastPublisherConfig(), WithCodec(envelope.ProtoCodec{}))
	require.NoError(t, err)

	_, err = pub.Publish(context.Background(), researchEvent("mol-1", "dr_curie", "H2O"), nil)
	require.NoError(t, err)

	msg := rec.Published("events")[0]
	assert.Equal(t, envelope.ContentTypeProtobuf, msg.Metadata.Get(metadatapkg.KeyContentType))
	env, err := decode(msg)
	require.NoError(t, err)
	assert.Equal(t, "mol-1", env.PartitionKey)
	assert.Equal(t, "dr_curie", env.StringField("researcher"))
}
