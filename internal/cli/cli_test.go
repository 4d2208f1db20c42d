package cli

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	runtimepkg "github.com/drblury/eventflow/internal/runtime"
	"github.com/drblury/eventflow/internal/runtime/envelope"
	metadatapkg "github.com/drblury/eventflow/internal/runtime/metadata"
)

func TestCommandsRegistered(t *testing.T) {
	root := NewRootCommand()
	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	for _, want := range []string{"serve", "worker", "all", "migrate", "seed"} {
		assert.Contains(t, names, want)
	}
}

func TestGeneratorProducesValidEvents(t *testing.T) {
	registry := envelope.DefaultRegistry()
	g := newGenerator(42)
	kinds := map[string]int{}
	for i := range 200 {
		env := g.next(i)
		require.NoError(t, registry.Prepare(env), "event %d", i)
		kinds[env.Type]++
	}
	assert.Positive(t, kinds[envelope.KindAnalytics])
	assert.Positive(t, kinds[envelope.KindResearch])
}

func TestGeneratorIsDeterministicForSeed(t *testing.T) {
	a, b := newGenerator(7), newGenerator(7)
	for i := range 20 {
		ea, eb := a.next(i), b.next(i)
		assert.Equal(t, ea.Type, eb.Type)
		assert.Equal(t, ea.Payload["user_id"], eb.Payload["user_id"])
		assert.Equal(t, ea.Payload["molecule_id"], eb.Payload["molecule_id"])
	}
}

type stubPublisher struct {
	failAt int
	calls  int
}

func (s *stubPublisher) Publish(_ context.Context, env *envelope.Envelope, md metadatapkg.Metadata) (runtimepkg.Receipt, error) {
	s.calls++
	if s.calls == s.failAt {
		return runtimepkg.Receipt{}, errors.New("broker down")
	}
	return runtimepkg.Receipt{Kind: env.Type}, nil
}

func TestSeedEventsStopsAtFirstError(t *testing.T) {
	pub := &stubPublisher{failAt: 4}
	n, err := seedEvents(context.Background(), pub, newGenerator(1), 10)
	require.Error(t, err)
	assert.Equal(t, 3, n)

	pub = &stubPublisher{}
	n, err = seedEvents(context.Background(), pub, newGenerator(1), 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("EVENTFLOW_METRICS_ENABLED", "false")
	root := NewRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSeedCommandOverChannel(t *testing.T) {
	out, err := execute(t, "seed", "--count", "25", "--seed", "3", "--pubsub", "channel", "--storage", "memory")
	require.NoError(t, err)
	assert.Equal(t, "published 25 of 25 events", strings.TrimSpace(out))
}

func TestSeedCommandRejectsBadCount(t *testing.T) {
	_, err := execute(t, "seed", "--count", "0", "--pubsub", "channel", "--storage", "memory")
	require.ErrorContains(t, err, "--count must be positive")
}

func TestMigrateRejectsMemoryStore(t *testing.T) {
	_, err := execute(t, "migrate", "--storage", "memory")
	require.ErrorContains(t, err, "memory store has no schema")
}

func TestInvalidLogLevel(t *testing.T) {
	_, err := execute(t, "migrate", "--storage", "memory", "--log-level", "loud")
	require.ErrorContains(t, err, "unknown log level")
}
