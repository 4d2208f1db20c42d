package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		require.NoError(t, m.Register())
		m.Published("user_analytics", 1)
		m.PublishFailed("user_analytics", true)
		m.Consumed("events")
		m.DecodeFailed("events")
		m.Dispatched("user_analytics")
		m.DispatchRejected("unknown")
		m.RetryScheduled("user_analytics")
		m.Transition("user_analytics", "completed")
		m.ObserveProcessing("user_analytics", "ok", time.Millisecond)
		m.SetQueueDepth("0", 3)
		m.SetConsumerState("idle", "polling")
		m.EnrichmentFallback("error")
	})
}

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	again := New(reg)
	require.NoError(t, again.Register(), "re-registering identical collectors must not fail")

	m.Dispatched("user_analytics")
	again.Dispatched("user_analytics")
	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatched.WithLabelValues("user_analytics")))
}

func TestCountersRecord(t *testing.T) {
	m := New(prometheus.NewRegistry())
	require.NoError(t, m.Register())

	m.Transition("chemical_research", "completed")
	m.Transition("chemical_research", "completed")
	m.EnrichmentFallback("circuit_open")
	m.SetConsumerState("", "polling")
	m.SetConsumerState("polling", "processing")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("chemical_research", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.enrichFallbacks.WithLabelValues("circuit_open")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.consumerState.WithLabelValues("polling")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.consumerState.WithLabelValues("processing")))
}
