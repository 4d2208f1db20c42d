package dispatch

import (
	"time"

	"github.com/drblury/eventflow/internal/runtime/logging"
	"github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/internal/runtime/metrics"
)

// TaskContext describes one attempt of a task to hooks.
type TaskContext struct {
	TaskID       string
	Kind         string
	EventID      string
	PartitionKey string
	Shard        int
	// Attempt is 1-based.
	Attempt     int
	MaxAttempts int
	Metadata    metadata.Metadata
	StartedAt   time.Time
	// Duration is only set for OnTaskDone and OnTaskError.
	Duration time.Duration
}

// TaskHooks are optional callbacks around task attempts. Nil hooks are not
// called. Hooks run on the worker goroutine and must not block.
type TaskHooks struct {
	OnTaskStart func(TaskContext)
	OnTaskDone  func(TaskContext)
	// OnTaskError is called for every failed attempt, retried or not.
	OnTaskError func(TaskContext, error)
	// OnRetry is called when a failed attempt is scheduled again after delay.
	OnRetry func(tc TaskContext, err error, delay time.Duration)
}

// Merge returns hooks calling h first and then other.
func (h TaskHooks) Merge(other TaskHooks) TaskHooks {
	return TaskHooks{
		OnTaskStart: chain(h.OnTaskStart, other.OnTaskStart),
		OnTaskDone:  chain(h.OnTaskDone, other.OnTaskDone),
		OnTaskError: chain2(h.OnTaskError, other.OnTaskError),
		OnRetry:     chain3(h.OnRetry, other.OnRetry),
	}
}

func chain[A any](a, b func(A)) func(A) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A) {
		a(x)
		b(x)
	}
}

func chain2[A, B any](a, b func(A, B)) func(A, B) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B) {
		a(x, y)
		b(x, y)
	}
}

func chain3[A, B, C any](a, b func(A, B, C)) func(A, B, C) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(x A, y B, z C) {
		a(x, y, z)
		b(x, y, z)
	}
}

func fields(tc TaskContext) logging.LogFields {
	return logging.LogFields{
		"task_id":                tc.TaskID,
		logging.FieldKind:        tc.Kind,
		logging.FieldEventID:     tc.EventID,
		logging.FieldAttempt:     tc.Attempt,
		logging.FieldMaxAttempts: tc.MaxAttempts,
		"shard":                  tc.Shard,
	}
}

// LoggingHooks logs task lifecycle events.
func LoggingHooks(logger logging.ServiceLogger) TaskHooks {
	return TaskHooks{
		OnTaskStart: func(tc TaskContext) {
			logger.Debug("Task started", fields(tc))
		},
		OnTaskDone: func(tc TaskContext) {
			f := fields(tc)
			f[logging.FieldDuration] = tc.Duration.Milliseconds()
			logger.Debug("Task completed", f)
		},
		OnTaskError: func(tc TaskContext, err error) {
			f := fields(tc)
			f[logging.FieldDuration] = tc.Duration.Milliseconds()
			logger.Error("Task attempt failed", err, f)
		},
		OnRetry: func(tc TaskContext, err error, delay time.Duration) {
			f := fields(tc)
			f["retry_in_ms"] = delay.Milliseconds()
			f["error"] = err.Error()
			logger.Info("Task retry scheduled", f)
		},
	}
}

// MetricsHooks records attempt durations and retries.
func MetricsHooks(m *metrics.Metrics) TaskHooks {
	return TaskHooks{
		OnTaskDone: func(tc TaskContext) {
			m.ObserveProcessing(tc.Kind, "ok", tc.Duration)
		},
		OnTaskError: func(tc TaskContext, _ error) {
			m.ObserveProcessing(tc.Kind, "error", tc.Duration)
		},
		OnRetry: func(tc TaskContext, _ error, _ time.Duration) {
			m.RetryScheduled(tc.Kind)
		},
	}
}
