package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"

	"github.com/drblury/eventflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/eventflow/internal/runtime/logging"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

// recordingPublisher keeps every published message. Errors in errs are
// returned by successive calls before publishing starts to succeed; block, when
// set, holds every call until it is closed.
type recordingPublisher struct {
	mu       sync.Mutex
	messages map[string][]*message.Message
	errs     []error
	calls    int
	block    chan struct{}
}

func newRecordingPublisher(errs ...error) *recordingPublisher {
	return &recordingPublisher{messages: make(map[string][]*message.Message), errs: errs}
}

func (p *recordingPublisher) Publish(topic string, messages ...*message.Message) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= len(p.errs) {
		return p.errs[p.calls-1]
	}
	p.messages[topic] = append(p.messages[topic], messages...)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) Published(topic string) []*message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*message.Message(nil), p.messages[topic]...)
}

func (p *recordingPublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// feedSubscriber hands out one channel that tests write to directly.
type feedSubscriber struct {
	ch  chan *message.Message
	err error
}

func newFeedSubscriber() *feedSubscriber {
	return &feedSubscriber{ch: make(chan *message.Message)}
}

func (s *feedSubscriber) Subscribe(context.Context, string) (<-chan *message.Message, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.ch, nil
}

func (s *feedSubscriber) Close() error { return nil }

type failingCodec struct{}

func (failingCodec) ContentType() string { return envelope.ContentTypeJSON }

func (failingCodec) Encode(*envelope.Envelope) ([]byte, error) {
	return nil, errors.New("unsupported value")
}

func (failingCodec) Decode([]byte) (*envelope.Envelope, error) {
	return nil, errors.New("unsupported value")
}

func clickEvent(userID string) *envelope.Envelope {
	return envelope.New(envelope.KindAnalytics, map[string]any{
		"user_id":    userID,
		"event_type": "click",
		"page_url":   "/pricing",
	}, "2024-01-01T00:00:00Z")
}

func researchEvent(moleculeID, researcher, formula string) *envelope.Envelope {
	return envelope.New(envelope.KindResearch, map[string]any{
		"molecule_id":     moleculeID,
		"researcher":      researcher,
		"experiment_type": "synthesis",
		"data":            map[string]any{"formula": formula},
	}, "2024-01-02T10:00:00Z")
}

// wireMessage publishes env through a Publisher backed by a recorder and
// returns the resulting wire message.
func wireMessage(t *testing.T, env *envelope.Envelope) *message.Message {
	t.Helper()
	rec := newRecordingPublisher()
	pub, err := NewPublisher(rec, PublisherConfig{Topic: "events"})
	require.NoError(t, err)
	_, err = pub.Publish(context.Background(), env, nil)
	require.NoError(t, err)
	published := rec.Published("events")
	require.Len(t, published, 1)
	return published[0]
}
