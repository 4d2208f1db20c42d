// Package processing implements the per-event processing state machine.
//
// Every delivery of an event owns one status record that moves from pending
// through processing to completed or failed. Persistence is an upsert keyed
// by the deterministic event id, so redelivered events never duplicate rows
// and a completed event is skipped outright.
package processing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/eventflow/internal/runtime/dispatch"
	"github.com/drblury/eventflow/internal/runtime/enrichment"
	"github.com/drblury/eventflow/internal/runtime/envelope"
	errorspkg "github.com/drblury/eventflow/internal/runtime/errors"
	"github.com/drblury/eventflow/internal/runtime/logging"
	"github.com/drblury/eventflow/internal/runtime/metrics"
	"github.com/drblury/eventflow/internal/runtime/storage"
)

// statusWriteTimeout bounds status writes made after the task context is gone.
const statusWriteTimeout = 5 * time.Second

// Machine drives events through validation, enrichment and persistence.
type Machine struct {
	store     storage.Store
	registry  *envelope.Registry
	extractor enrichment.Extractor
	degraded  enrichment.Extractor
	logger    logging.ServiceLogger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	now       func() time.Time
}

// Option customises a Machine.
type Option func(*Machine)

func WithRegistry(r *envelope.Registry) Option {
	return func(m *Machine) {
		if r != nil {
			m.registry = r
		}
	}
}

func WithLogger(l logging.ServiceLogger) Option {
	return func(m *Machine) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithClock overrides the clock used for processed_at.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// New creates a Machine persisting to store. extractor may be nil, in which
// case research events are enriched by the local table only.
func New(store storage.Store, extractor enrichment.Extractor, opts ...Option) (*Machine, error) {
	if store == nil {
		return nil, errorspkg.ErrStoreRequired
	}
	local := enrichment.NewLocalExtractor()
	if extractor == nil {
		extractor = local
	}
	m := &Machine{
		store:     store,
		registry:  envelope.DefaultRegistry(),
		extractor: extractor,
		degraded:  local,
		logger:    logging.NewNopLogger(),
		tracer:    otel.Tracer("eventflow"),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Routines returns the dispatch table: one entry per registered kind.
func (m *Machine) Routines() map[string]dispatch.Routine {
	table := make(map[string]dispatch.Routine)
	for _, name := range m.registry.Names() {
		table[name] = m.Process
	}
	return table
}

// Process runs one attempt for task. It returns nil for completed and
// duplicate events, a *errors.ValidationError for invalid events and a
// transient error when persistence failed and the attempt may be retried.
func (m *Machine) Process(ctx context.Context, task dispatch.Task) (err error) {
	env := task.Envelope
	kind, ok := m.registry.Lookup(env.Type)
	if !ok {
		return &errorspkg.DispatchError{Kind: env.Type}
	}
	eventID := m.eventID(kind, env)

	ctx, span := m.tracer.Start(ctx, "process "+env.Type, trace.WithAttributes(
		attribute.String("event.id", eventID.String()),
		attribute.String("event.kind", env.Type),
		attribute.Int("task.attempt", task.Attempt),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	log := m.logger.With(logging.LogFields{
		logging.FieldEventID:     eventID.String(),
		logging.FieldKind:        env.Type,
		logging.FieldAttempt:     task.Attempt,
		logging.FieldMaxAttempts: task.MaxAttempts,
	})

	// 1. Find or open the status record of this delivery.
	current, err := m.store.LatestStatus(ctx, eventID)
	switch {
	case errors.Is(err, errorspkg.ErrNotFound):
		if err := m.open(ctx, eventID, env.Type, task.MaxAttempts-1, log); err != nil {
			return m.interrupted(ctx, eventID, env.Type, err, log)
		}
	case err != nil:
		return m.interrupted(ctx, eventID, env.Type, err, log)
	case current.Status == storage.StatusCompleted:
		log.Info("Event already processed, skipping duplicate delivery", logging.LogFields{logging.FieldStatus: string(current.Status)})
		m.metrics.Transition(env.Type, "duplicate")
		return nil
	case current.Status == storage.StatusFailed:
		if err := m.open(ctx, eventID, env.Type, task.MaxAttempts-1, log); err != nil {
			return m.interrupted(ctx, eventID, env.Type, err, log)
		}
	}

	if err := m.transition(ctx, eventID, env.Type, storage.StatusProcessing, "", log); err != nil {
		return m.interrupted(ctx, eventID, env.Type, err, log)
	}

	// 2. Input contract violations are terminal; the dispatcher fails the task.
	if err := kind.Validate(env); err != nil {
		return err
	}
	ts, err := envelope.ParseTimestamp(env.Timestamp)
	if err != nil {
		return &errorspkg.ValidationError{Kind: env.Type, Reason: err.Error()}
	}

	// 3. Build the row, enriching research events.
	var rec storage.Record
	now := m.now()
	switch env.Type {
	case envelope.KindAnalytics:
		rec = analyticsRecord(env, eventID, ts, now)
	case envelope.KindResearch:
		r := researchRecord(env, eventID, ts, now)
		if kind.Enrich {
			r.LLMProperties = storage.JSONMap(m.enrich(ctx, env, log))
		}
		rec = r
	default:
		return errorspkg.Permanent(fmt.Errorf("processing: no record mapping for kind %q", env.Type))
	}

	// 4. Persist.
	if _, err := m.store.Save(ctx, rec); err != nil {
		if ctx.Err() != nil {
			return m.interrupted(ctx, eventID, env.Type, err, log)
		}
		return m.retry(ctx, task, eventID, err, log)
	}

	// 5. Done.
	if err := m.transition(ctx, eventID, env.Type, storage.StatusCompleted, "", log); err != nil {
		if ctx.Err() != nil {
			return m.interrupted(ctx, eventID, env.Type, err, log)
		}
		return errorspkg.Transient("complete status", err)
	}
	return nil
}

// Admit opens the pending status record of task before the dispatcher queues
// it. Once the consumer acks the log record, this row is the only trace of the
// event until processing finishes, so Recover can find tasks that were still
// queued at shutdown. Events that are already pending, processing or completed
// keep their record.
func (m *Machine) Admit(ctx context.Context, task dispatch.Task) error {
	env := task.Envelope
	kind, ok := m.registry.Lookup(env.Type)
	if !ok {
		return &errorspkg.DispatchError{Kind: env.Type}
	}
	eventID := m.eventID(kind, env)
	log := m.logger.With(logging.LogFields{
		logging.FieldEventID: eventID.String(),
		logging.FieldKind:    env.Type,
	})

	current, err := m.store.LatestStatus(ctx, eventID)
	switch {
	case errors.Is(err, errorspkg.ErrNotFound):
	case err != nil:
		return errorspkg.Transient("admit event", err)
	case current.Status != storage.StatusFailed:
		return nil
	}
	if err := m.open(ctx, eventID, env.Type, task.MaxAttempts-1, log); err != nil {
		return errorspkg.Transient("admit event", err)
	}
	return nil
}

// Fail marks the delivery of task as failed. It is the dispatcher's failure
// handler and runs once per terminally failed task.
func (m *Machine) Fail(ctx context.Context, task dispatch.Task, cause error) {
	env := task.Envelope
	kind, ok := m.registry.Lookup(env.Type)
	if !ok {
		return
	}
	eventID := m.eventID(kind, env)
	log := m.logger.With(logging.LogFields{
		logging.FieldEventID: eventID.String(),
		logging.FieldKind:    env.Type,
		logging.FieldAttempt: task.Attempt,
	})

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
	defer cancel()

	msg := cause.Error()
	err := m.transition(ctx, eventID, env.Type, storage.StatusFailed, msg, log)
	if errors.Is(err, errorspkg.ErrNotFound) {
		if err = m.open(ctx, eventID, env.Type, task.MaxAttempts-1, log); err == nil {
			err = m.transition(ctx, eventID, env.Type, storage.StatusFailed, msg, log)
		}
	}
	if err != nil {
		log.Error("Could not mark event as failed", err, nil)
		return
	}
	log.Error("Event processing failed", cause, logging.LogFields{logging.FieldStatus: string(storage.StatusFailed)})
}

// eventID returns the envelope's event id, deriving it when the producer did
// not stamp a valid one.
func (m *Machine) eventID(kind envelope.Kind, env *envelope.Envelope) uuid.UUID {
	if id, err := uuid.Parse(env.EventID); err == nil {
		return id
	}
	return kind.Identify(env)
}

func (m *Machine) open(ctx context.Context, eventID uuid.UUID, kind string, maxRetries int, log logging.ServiceLogger) error {
	if _, err := m.store.CreateStatus(ctx, eventID, kind, maxRetries); err != nil {
		return err
	}
	m.metrics.Transition(kind, string(storage.StatusPending))
	log.Info("Status record created", logging.LogFields{logging.FieldStatus: string(storage.StatusPending)})
	return nil
}

func (m *Machine) transition(ctx context.Context, eventID uuid.UUID, kind string, status storage.Status, errMsg string, log logging.ServiceLogger) error {
	if err := m.store.UpdateStatus(ctx, eventID, status, errMsg); err != nil {
		return err
	}
	m.metrics.Transition(kind, string(status))
	log.Info("Status changed", logging.LogFields{logging.FieldStatus: string(status)})
	return nil
}

// retry records a failed persistence attempt. The status stays pending with
// its retry count raised unless this was the last attempt, which the
// failure handler closes instead.
func (m *Machine) retry(ctx context.Context, task dispatch.Task, eventID uuid.UUID, cause error, log logging.ServiceLogger) error {
	if task.Attempt < task.MaxAttempts {
		rec, err := m.store.RecordRetry(ctx, eventID, cause.Error())
		if err != nil {
			log.Error("Could not record retry", err, nil)
		} else {
			m.metrics.Transition(task.Envelope.Type, string(storage.StatusPending))
			log.Info("Persist failed, retry pending", logging.LogFields{
				logging.FieldStatus: string(rec.Status),
				"retry_count":       rec.RetryCount,
				"error":             cause.Error(),
			})
		}
	}
	return errorspkg.Transient("persist event", cause)
}

// interrupted puts the status back to pending when the attempt could not
// finish, using a fresh context when ctx was cancelled. The event stays
// eligible for redelivery or recovery.
func (m *Machine) interrupted(ctx context.Context, eventID uuid.UUID, kind string, cause error, log logging.ServiceLogger) error {
	if ctx.Err() != nil {
		fresh, cancel := context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
		defer cancel()
		if err := m.store.UpdateStatus(fresh, eventID, storage.StatusPending, "interrupted: "+cause.Error()); err != nil &&
			!errors.Is(err, errorspkg.ErrNotFound) {
			log.Error("Could not reset status after interruption", err, nil)
		} else if err == nil {
			m.metrics.Transition(kind, string(storage.StatusPending))
		}
	}
	if errors.Is(cause, storage.ErrInvalidTransition) {
		return errorspkg.Permanent(cause)
	}
	return errorspkg.Transient("process event", cause)
}

func (m *Machine) enrich(ctx context.Context, env *envelope.Envelope, log logging.ServiceLogger) enrichment.Attributes {
	attrs, err := m.extractor.Extract(ctx, env.Payload)
	if err == nil {
		return attrs
	}
	log.Error("Enrichment failed, using local attributes", err, nil)
	if _, guarded := m.extractor.(*enrichment.FallbackExtractor); !guarded {
		m.metrics.EnrichmentFallback(enrichment.ReasonError)
	}
	local, lerr := m.degraded.Extract(ctx, env.Payload)
	if lerr != nil {
		log.Error("Local enrichment failed, storing without attributes", lerr, nil)
	}
	out := enrichment.Attributes{}
	for k, v := range local {
		out[k] = v
	}
	out[enrichment.KeyEnrichmentSource] = "fallback"
	return out
}
