package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/eventflow/internal/runtime/config"
	"github.com/drblury/eventflow/internal/runtime/enrichment"
	errspkg "github.com/drblury/eventflow/internal/runtime/errors"
	"github.com/drblury/eventflow/internal/runtime/storage"
	"github.com/drblury/eventflow/transport"
)

func channelConfig() *configpkg.Config {
	cfg := configpkg.Default()
	cfg.PubSubSystem = "channel"
	cfg.StorageDriver = "memory"
	cfg.PollTimeout = 20 * time.Millisecond
	cfg.Workers = 2
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 5 * time.Millisecond
	cfg.PublishTimeout = 5 * time.Second
	cfg.ShutdownGrace = 2 * time.Second
	return cfg
}

func newTestService(t *testing.T, cfg *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.Registerer == nil {
		reg := prometheus.NewRegistry()
		deps.Registerer = reg
		deps.Gatherer = reg
	}
	svc, err := NewService(context.Background(), cfg, newTestLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

// startWorker runs the worker loop until the returned stop function is called.
func startWorker(t *testing.T, svc *Service) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.RunWorker(ctx) }()
	require.Eventually(t, func() bool { return svc.ConsumerState() == StatePolling }, 5*time.Second, time.Millisecond)

	return func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func waitForStatus(t *testing.T, store storage.Store, eventID string, want storage.Status) {
	t.Helper()
	id, err := uuid.Parse(eventID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec, err := store.LatestStatus(context.Background(), id)
		return err == nil && rec.Status == want
	}, 5*time.Second, 5*time.Millisecond)
}

func TestNewServiceRequiresConfigAndLogger(t *testing.T) {
	_, err := NewService(context.Background(), nil, newTestLogger(), ServiceDependencies{})
	require.ErrorIs(t, err, errspkg.ErrConfigRequired)

	_, err = NewService(context.Background(), channelConfig(), nil, ServiceDependencies{})
	require.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	cfg := channelConfig()
	cfg.Workers = 0
	_, err = NewService(context.Background(), cfg, newTestLogger(), ServiceDependencies{})
	require.ErrorContains(t, err, "workers must be positive")
}

func TestNewServiceUnknownTransport(t *testing.T) {
	cfg := channelConfig()
	cfg.PubSubSystem = "carrier-pigeon"
	_, err := NewService(context.Background(), cfg, newTestLogger(), ServiceDependencies{Transports: transport.NewRegistry()})
	require.ErrorIs(t, err, transport.ErrUnknownTransport)
}

func TestServiceUsesInjectedTransport(t *testing.T) {
	pub := newRecordingPublisher()
	svc := newTestService(t, channelConfig(), ServiceDependencies{
		Transport: &transport.Transport{Publisher: pub, Subscriber: newFeedSubscriber()},
	})

	receipt, err := svc.Publisher().Publish(context.Background(), clickEvent("u1"), nil)
	require.NoError(t, err)
	assert.Len(t, pub.Published("events"), 1)
	assert.Equal(t, "u1", receipt.PartitionKey)
	assert.Equal(t, "channel", svc.Capabilities().Name)
}

func TestServiceProcessesEventsEndToEnd(t *testing.T) {
	svc := newTestService(t, channelConfig(), ServiceDependencies{})
	assert.Equal(t, "channel", svc.Capabilities().Name)
	stop := startWorker(t, svc)

	ctx := context.Background()
	var clickIDs []string
	for _, eventType := range []string{"click", "view", "click"} {
		env := clickEvent("u1")
		env.Payload["event_type"] = eventType
		env.Timestamp = "2024-01-01T00:00:0" + string(rune('0'+len(clickIDs))) + "Z"
		receipt, err := svc.Publisher().Publish(ctx, env, nil)
		require.NoError(t, err)
		clickIDs = append(clickIDs, receipt.EventID)
	}
	research, err := svc.Publisher().Publish(ctx, researchEvent("mol-1", "dr_curie", "H2O"), nil)
	require.NoError(t, err)

	for _, id := range clickIDs {
		waitForStatus(t, svc.Store(), id, storage.StatusCompleted)
	}
	waitForStatus(t, svc.Store(), research.EventID, storage.StatusCompleted)
	stop()

	user, err := SummarizeUser(ctx, svc.Store(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, user.TotalEvents)
	assert.Equal(t, map[string]int{"click": 2, "view": 1}, user.EventTypes)

	researcher, err := SummarizeResearcher(ctx, svc.Store(), "dr_curie")
	require.NoError(t, err)
	require.Equal(t, 1, researcher.TotalExperiments)
	assert.Equal(t, []string{"mol-1"}, researcher.Molecules)
	props := researcher.RecentExperiments[0].LLMProperties
	assert.Equal(t, enrichment.LocalModelVersion, props["model_version"])
}

func TestServiceSkipsDuplicateDeliveries(t *testing.T) {
	svc := newTestService(t, channelConfig(), ServiceDependencies{})
	stop := startWorker(t, svc)
	ctx := context.Background()

	first, err := svc.Publisher().Publish(ctx, clickEvent("u1"), nil)
	require.NoError(t, err)
	waitForStatus(t, svc.Store(), first.EventID, storage.StatusCompleted)

	second, err := svc.Publisher().Publish(ctx, clickEvent("u1"), nil)
	require.NoError(t, err)
	require.Equal(t, first.EventID, second.EventID)

	// A later event on the same key is processed after the duplicate.
	later := clickEvent("u1")
	later.Timestamp = "2024-01-01T00:00:05Z"
	third, err := svc.Publisher().Publish(ctx, later, nil)
	require.NoError(t, err)
	waitForStatus(t, svc.Store(), third.EventID, storage.StatusCompleted)
	stop()

	id, _ := uuid.Parse(first.EventID)
	statuses, err := svc.Store().ListStatuses(ctx, id)
	require.NoError(t, err)
	assert.Len(t, statuses, 1)

	summary, err := SummarizeUser(ctx, svc.Store(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, summary.TotalEvents)
}

func TestServiceRecoverListsStaleStatuses(t *testing.T) {
	store := storage.NewMemoryStore()
	cfg := channelConfig()
	cfg.RecoverAfter = time.Millisecond
	svc := newTestService(t, cfg, ServiceDependencies{Store: store})
	ctx := context.Background()

	stale := uuid.New()
	_, err := store.CreateStatus(ctx, stale, "user_analytics", 3)
	require.NoError(t, err)
	done := uuid.New()
	_, err = store.CreateStatus(ctx, done, "user_analytics", 3)
	require.NoError(t, err)
	require.NoError(t, store.UpdateStatus(ctx, done, storage.StatusProcessing, ""))
	require.NoError(t, store.UpdateStatus(ctx, done, storage.StatusCompleted, ""))
	time.Sleep(10 * time.Millisecond)

	records, err := svc.Recover(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, stale, records[0].EventID)
}

func TestServiceHealth(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := newTestService(t, channelConfig(), ServiceDependencies{Store: store})

	h, err := svc.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "channel", h.Transport)
	assert.Equal(t, "idle", h.Consumer)

	require.NoError(t, store.Close())
	h, err = svc.Health(context.Background())
	require.Error(t, err)
	assert.Equal(t, "degraded", h.Status)
}

func TestRegisterHTTPHandlerSharesMuxPerAddress(t *testing.T) {
	svc := newTestService(t, channelConfig(), ServiceDependencies{})
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

	svc.RegisterHTTPHandler(":0", "/a", ok)
	svc.RegisterHTTPHandler(":0", "/b", ok)
	svc.RegisterHTTPHandler(":1", "/c", ok)
	require.Len(t, svc.httpServers, 2)

	rec := httptest.NewRecorder()
	svc.httpServers[":0"].ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/b", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServeHTTPWithoutServersWaitsForContext(t *testing.T) {
	svc := newTestService(t, channelConfig(), ServiceDependencies{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.NoError(t, svc.ServeHTTP(ctx))
}

func TestServiceCloseIsIdempotent(t *testing.T) {
	svc := newTestService(t, channelConfig(), ServiceDependencies{})
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
}
