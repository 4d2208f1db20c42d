package enrichment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drblury/eventflow/internal/runtime/logging"
	"github.com/drblury/eventflow/internal/runtime/metrics"
)

// Fallback reasons reported to metrics.
const (
	ReasonError       = "error"
	ReasonCircuitOpen = "circuit_open"
)

// BreakerSettings tunes the circuit guarding the remote extractor.
type BreakerSettings struct {
	// ConsecutiveFailures opens the circuit. Zero means 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the circuit stays open. Zero means 30s.
	OpenTimeout time.Duration
}

// FallbackExtractor tries Primary and degrades to Secondary on any error. It
// never returns an error itself unless Secondary does.
type FallbackExtractor struct {
	primary   Extractor
	secondary Extractor
	breaker   *gobreaker.CircuitBreaker
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics
}

// NewFallbackExtractor guards primary with a circuit breaker and falls back to
// secondary. A nil secondary uses a LocalExtractor.
func NewFallbackExtractor(primary, secondary Extractor, settings BreakerSettings, logger logging.ServiceLogger, m *metrics.Metrics) *FallbackExtractor {
	if secondary == nil {
		secondary = NewLocalExtractor()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	failures := settings.ConsecutiveFailures
	if failures == 0 {
		failures = 5
	}
	timeout := settings.OpenTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	f := &FallbackExtractor{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
		metrics:   m,
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "enrichment",
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("Enrichment circuit state changed", logging.LogFields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	})
	return f
}

// State reports the circuit state, mainly for health output.
func (f *FallbackExtractor) State() string {
	return f.breaker.State().String()
}

func (f *FallbackExtractor) Extract(ctx context.Context, payload map[string]any) (Attributes, error) {
	if f.primary == nil {
		return f.fallback(ctx, payload, ReasonError, errors.New("no remote extractor configured"))
	}

	result, err := f.breaker.Execute(func() (interface{}, error) {
		return f.primary.Extract(ctx, payload)
	})
	if err == nil {
		attrs, _ := result.(Attributes)
		if attrs == nil {
			attrs = Attributes{}
		}
		return attrs, nil
	}

	reason := ReasonError
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		reason = ReasonCircuitOpen
	}
	return f.fallback(ctx, payload, reason, err)
}

func (f *FallbackExtractor) fallback(ctx context.Context, payload map[string]any, reason string, cause error) (Attributes, error) {
	f.logger.Error("Remote enrichment failed, using local fallback", cause, logging.LogFields{
		"reason":  reason,
		"formula": Formula(payload),
	})
	f.metrics.EnrichmentFallback(reason)

	attrs, err := f.secondary.Extract(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("enrichment: fallback extractor: %w", err)
	}
	attrs[KeyEnrichmentSource] = "fallback"
	return attrs, nil
}
