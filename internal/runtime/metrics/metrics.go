// Package metrics holds the Prometheus collectors of the ingestion pipeline.
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "eventflow"

// Metrics groups every pipeline collector.
type Metrics struct {
	mu         sync.Mutex
	registerer prometheus.Registerer
	registered bool

	published         *prometheus.CounterVec
	publishFailures   *prometheus.CounterVec
	publishAttempts   *prometheus.HistogramVec
	consumed          *prometheus.CounterVec
	decodeErrors      *prometheus.CounterVec
	dispatched        *prometheus.CounterVec
	dispatchRejected  *prometheus.CounterVec
	retries           *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	processingSeconds *prometheus.HistogramVec
	queueDepth        *prometheus.GaugeVec
	consumerState     *prometheus.GaugeVec
	enrichFallbacks   *prometheus.CounterVec
}

func newCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newGaugeVec(subsystem, name, help string, labels []string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

func newHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// New creates the collectors. A nil registerer uses prometheus.DefaultRegisterer.
// Collectors are not registered until Register is called.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Metrics{
		registerer:        registerer,
		published:         newCounterVec("publisher", "published_total", "Events durably accepted by the log", []string{"kind"}),
		publishFailures:   newCounterVec("publisher", "failures_total", "Publish calls that returned an error", []string{"kind", "retryable"}),
		publishAttempts:   newHistogramVec("publisher", "attempts", "Attempts needed per publish call", []float64{1, 2, 3, 4, 5, 8}, []string{"kind"}),
		consumed:          newCounterVec("consumer", "messages_total", "Messages received from the log", []string{"topic"}),
		decodeErrors:      newCounterVec("consumer", "decode_errors_total", "Messages skipped because they could not be decoded", []string{"topic"}),
		dispatched:        newCounterVec("dispatcher", "tasks_total", "Tasks accepted by the dispatcher", []string{"kind"}),
		dispatchRejected:  newCounterVec("dispatcher", "rejected_total", "Events rejected because no routine handles their kind", []string{"kind"}),
		retries:           newCounterVec("dispatcher", "retries_total", "Task retries scheduled", []string{"kind"}),
		transitions:       newCounterVec("processing", "transitions_total", "Processing status transitions", []string{"kind", "status"}),
		processingSeconds: newHistogramVec("processing", "duration_seconds", "Duration of one processing attempt", prometheus.DefBuckets, []string{"kind", "outcome"}),
		queueDepth:        newGaugeVec("dispatcher", "queue_depth", "Tasks waiting in the dispatcher queues", []string{"shard"}),
		consumerState:     newGaugeVec("consumer", "state", "Current consumer loop state (1 for the active state)", []string{"state"}),
		enrichFallbacks:   newCounterVec("enrichment", "fallbacks_total", "Enrichment calls served by the local fallback", []string{"reason"}),
	}
}

// Register registers the collectors. Safe to call multiple times.
func (m *Metrics) Register() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	for _, c := range []**prometheus.CounterVec{
		&m.published, &m.publishFailures, &m.consumed, &m.decodeErrors, &m.dispatched,
		&m.dispatchRejected, &m.retries, &m.transitions, &m.enrichFallbacks,
	} {
		if err := registerCounter(m.registerer, c); err != nil {
			return err
		}
	}
	for _, h := range []**prometheus.HistogramVec{&m.publishAttempts, &m.processingSeconds} {
		if err := registerHistogram(m.registerer, h); err != nil {
			return err
		}
	}
	for _, g := range []**prometheus.GaugeVec{&m.queueDepth, &m.consumerState} {
		if err := registerGauge(m.registerer, g); err != nil {
			return err
		}
	}

	m.registered = true
	return nil
}

// registerCounter registers *c, adopting an already registered identical
// collector so that several Metrics sharing a registry feed the same series.
func registerCounter(r prometheus.Registerer, c **prometheus.CounterVec) error {
	existing, err := register(r, *c)
	if existing != nil {
		*c = existing.(*prometheus.CounterVec)
	}
	return err
}

func registerHistogram(r prometheus.Registerer, h **prometheus.HistogramVec) error {
	existing, err := register(r, *h)
	if existing != nil {
		*h = existing.(*prometheus.HistogramVec)
	}
	return err
}

func registerGauge(r prometheus.Registerer, g **prometheus.GaugeVec) error {
	existing, err := register(r, *g)
	if existing != nil {
		*g = existing.(*prometheus.GaugeVec)
	}
	return err
}

func register(r prometheus.Registerer, c prometheus.Collector) (prometheus.Collector, error) {
	err := r.Register(c)
	if err == nil {
		return nil, nil
	}
	var already prometheus.AlreadyRegisteredError
	if errors.As(err, &already) {
		return already.ExistingCollector, nil
	}
	return nil, err
}

func (m *Metrics) Published(kind string, attempts int) {
	if m == nil {
		return
	}
	m.published.WithLabelValues(kind).Inc()
	m.publishAttempts.WithLabelValues(kind).Observe(float64(attempts))
}

func (m *Metrics) PublishFailed(kind string, retryable bool) {
	if m == nil {
		return
	}
	label := "false"
	if retryable {
		label = "true"
	}
	m.publishFailures.WithLabelValues(kind, label).Inc()
}

func (m *Metrics) Consumed(topic string) {
	if m == nil {
		return
	}
	m.consumed.WithLabelValues(topic).Inc()
}

func (m *Metrics) DecodeFailed(topic string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(topic).Inc()
}

func (m *Metrics) Dispatched(kind string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(kind).Inc()
}

func (m *Metrics) DispatchRejected(kind string) {
	if m == nil {
		return
	}
	m.dispatchRejected.WithLabelValues(kind).Inc()
}

func (m *Metrics) RetryScheduled(kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(kind).Inc()
}

// Transition counts a processing status change.
func (m *Metrics) Transition(kind, status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, status).Inc()
}

// ObserveProcessing records one processing attempt. outcome is "ok" or "error".
func (m *Metrics) ObserveProcessing(kind, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.processingSeconds.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

func (m *Metrics) SetQueueDepth(shard string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(shard).Set(float64(depth))
}

// SetConsumerState marks state as active and clears the previous one.
func (m *Metrics) SetConsumerState(previous, current string) {
	if m == nil {
		return
	}
	if previous != "" {
		m.consumerState.WithLabelValues(previous).Set(0)
	}
	m.consumerState.WithLabelValues(current).Set(1)
}

func (m *Metrics) EnrichmentFallback(reason string) {
	if m == nil {
		return
	}
	m.enrichFallbacks.WithLabelValues(reason).Inc()
}
