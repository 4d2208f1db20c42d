// Package dispatch runs processing routines for decoded events on a bounded
// worker pool.
//
// Tasks are sharded by partition key so that events sharing a key are
// processed one at a time in arrival order. Each shard owns a bounded queue;
// Dispatch blocks while the queue is full, which slows the consumer down
// instead of dropping work. Failed attempts are retried in place by the shard
// worker according to a RetryPolicy, so a retrying event holds back the events
// queued behind it.
//
// An optional AdmitFunc runs before a task is queued. The processing layer uses
// it to open the pending status record, so every task Dispatch accepted stays
// visible to recovery even when it is abandoned at shutdown.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spaolacci/murmur3"

	"github.com/drblury/eventflow/internal/runtime/envelope"
	errorspkg "github.com/drblury/eventflow/internal/runtime/errors"
	idspkg "github.com/drblury/eventflow/internal/runtime/ids"
	"github.com/drblury/eventflow/internal/runtime/logging"
	"github.com/drblury/eventflow/internal/runtime/metadata"
	"github.com/drblury/eventflow/internal/runtime/metrics"
)

// ErrAbandoned completes the handle of a task dropped at shutdown.
var ErrAbandoned = errors.New("dispatch: task abandoned at shutdown")

// ErrShutdownTimeout is returned by Close when in-flight tasks outlived the
// grace period.
var ErrShutdownTimeout = errors.New("dispatch: shutdown grace period exceeded")

// Task is one event handed to a processing routine.
type Task struct {
	ID       string
	Envelope *envelope.Envelope
	Metadata metadata.Metadata
	// Attempt is 1-based.
	Attempt     int
	MaxAttempts int
}

// Routine processes one task attempt. Returning an error classified as
// transient schedules a retry; any other error is terminal.
type Routine func(ctx context.Context, task Task) error

// AdmitFunc runs on the caller's goroutine before a task is queued. An error
// rejects the task and is returned by Dispatch.
type AdmitFunc func(ctx context.Context, task Task) error

// FailureFunc is called once when a task fails terminally, either because
// the error is not retryable or because the retry budget is spent.
type FailureFunc func(ctx context.Context, task Task, err error)

// Config sizes the dispatcher.
type Config struct {
	Workers    int
	QueueDepth int
	// TaskTimeout bounds one attempt. Zero means no bound.
	TaskTimeout   time.Duration
	ShutdownGrace time.Duration
	Retry         RetryPolicy
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger logging.ServiceLogger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithHooks merges hooks into the dispatcher's hooks.
func WithHooks(hooks TaskHooks) Option {
	return func(d *Dispatcher) { d.hooks = d.hooks.Merge(hooks) }
}

func WithFailureHandler(fn FailureFunc) Option {
	return func(d *Dispatcher) { d.onFailure = fn }
}

func WithAdmission(fn AdmitFunc) Option {
	return func(d *Dispatcher) { d.admit = fn }
}

// Handle tracks a dispatched task until it finishes.
type Handle struct {
	id    string
	kind  string
	shard int
	done  chan struct{}
	err   error
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Kind() string { return h.kind }

func (h *Handle) Shard() int { return h.shard }

// Done is closed when the task succeeded, failed terminally or was abandoned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the final outcome once Done is closed: nil on success, the
// terminal error, or ErrAbandoned.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

// Wait blocks until the task finishes or ctx is done.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type task struct {
	Task
	routine Routine
	shard   int
	backoff backoff.BackOff
	handle  *Handle
}

// Dispatcher maps event kinds to routines and runs them on a worker pool.
type Dispatcher struct {
	cfg      Config
	routines map[string]Routine
	shards   []chan *task
	rr       atomic.Uint64

	logger    logging.ServiceLogger
	metrics   *metrics.Metrics
	hooks     TaskHooks
	onFailure FailureFunc
	admit     AdmitFunc

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	started  bool
	closed   bool
	stopping chan struct{}
	// sendMu is held shared by senders and exclusively by Close while it
	// drains the queues.
	sendMu sync.RWMutex

	workers  sync.WaitGroup
	inflight sync.WaitGroup
}

// New creates a dispatcher for the given kind table. The table is copied and
// cannot change afterwards.
func New(cfg Config, routines map[string]Routine, opts ...Option) (*Dispatcher, error) {
	if len(routines) == 0 {
		return nil, errors.New("dispatch: at least one routine is required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}
	if cfg.Retry.NewBackOff == nil {
		cfg.Retry.NewBackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}

	table := make(map[string]Routine, len(routines))
	for kind, r := range routines {
		if r == nil {
			return nil, fmt.Errorf("dispatch: nil routine for kind %q", kind)
		}
		table[kind] = r
	}

	d := &Dispatcher{
		cfg:      cfg,
		routines: table,
		shards:   make([]chan *task, cfg.Workers),
		logger:   logging.NewNopLogger(),
		stopping: make(chan struct{}),
	}
	for i := range d.shards {
		d.shards[i] = make(chan *task, cfg.QueueDepth)
	}
	for _, opt := range opts {
		opt(d)
	}
	d.baseCtx, d.cancel = context.WithCancel(context.Background())
	return d, nil
}

// Start launches the workers. Values of ctx are visible to routines; its
// cancellation is not, shutdown goes through Close.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	d.cancel()
	d.baseCtx, d.cancel = context.WithCancel(context.WithoutCancel(ctx))

	for i := range d.shards {
		d.workers.Add(1)
		go d.work(i)
	}
}

// Kinds returns the kinds the dispatcher accepts.
func (d *Dispatcher) Kinds() []string {
	out := make([]string, 0, len(d.routines))
	for k := range d.routines {
		out = append(out, k)
	}
	return out
}

// Dispatch queues env for processing and returns without waiting for it.
// An unknown kind yields a *errors.DispatchError. Dispatch blocks while the
// target shard's queue is full, until ctx is done.
func (d *Dispatcher) Dispatch(ctx context.Context, env *envelope.Envelope, md metadata.Metadata) (*Handle, error) {
	if env == nil {
		return nil, errorspkg.ErrEnvelopeRequired
	}
	routine, ok := d.routines[env.Type]
	if !ok {
		d.metrics.DispatchRejected(env.Type)
		return nil, &errorspkg.DispatchError{Kind: env.Type}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errorspkg.ErrDispatcherClosed
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	t := &task{
		Task: Task{
			ID:          idspkg.CreateULID(),
			Envelope:    env,
			Metadata:    md,
			Attempt:     1,
			MaxAttempts: d.cfg.Retry.MaxAttempts(),
		},
		routine: routine,
		shard:   d.shardFor(env.PartitionKey),
		backoff: d.cfg.Retry.NewBackOff(),
	}
	t.handle = &Handle{id: t.ID, kind: env.Type, shard: t.shard, done: make(chan struct{})}

	if d.admit != nil {
		if err := d.admit(ctx, t.Task); err != nil {
			d.inflight.Done()
			return nil, fmt.Errorf("dispatch: admit %s: %w", env.Type, err)
		}
	}
	if err := d.enqueue(ctx, t); err != nil {
		d.inflight.Done()
		return nil, err
	}
	d.metrics.Dispatched(env.Type)
	return t.handle, nil
}

func (d *Dispatcher) shardFor(key string) int {
	n := uint32(len(d.shards))
	if key == "" {
		return int(uint32(d.rr.Add(1)) % n)
	}
	return int(murmur3.Sum32([]byte(key)) % n)
}

func (d *Dispatcher) enqueue(ctx context.Context, t *task) error {
	d.sendMu.RLock()
	defer d.sendMu.RUnlock()

	select {
	case <-d.stopping:
		return errorspkg.ErrDispatcherClosed
	default:
	}

	q := d.shards[t.shard]
	select {
	case q <- t:
		d.metrics.SetQueueDepth(strconv.Itoa(t.shard), len(q))
		return nil
	case <-d.stopping:
		return errorspkg.ErrDispatcherClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) work(shard int) {
	defer d.workers.Done()
	q := d.shards[shard]
	label := strconv.Itoa(shard)
	for {
		select {
		case <-d.stopping:
			return
		case t := <-q:
			d.metrics.SetQueueDepth(label, len(q))
			d.run(t)
		}
	}
}

func (d *Dispatcher) run(t *task) {
	for {
		if d.baseCtx.Err() != nil {
			d.abandon(t)
			return
		}

		tc := d.taskContext(t)
		err := d.attempt(t, tc)
		if err == nil {
			d.finish(t, nil)
			return
		}
		if d.baseCtx.Err() != nil {
			d.abandon(t)
			return
		}

		delay, ok := d.cfg.Retry.next(t.backoff, t.Attempt, err)
		if !ok {
			if d.onFailure != nil {
				d.onFailure(d.baseCtx, t.Task, err)
			}
			d.finish(t, err)
			return
		}
		if d.hooks.OnRetry != nil {
			d.hooks.OnRetry(tc, err, delay)
		}
		if !d.sleep(delay) {
			d.abandon(t)
			return
		}
		t.Attempt++
	}
}

// attempt runs one attempt of t under the task timeout and reports it to the
// hooks.
func (d *Dispatcher) attempt(t *task, tc TaskContext) error {
	ctx := d.baseCtx
	if d.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.TaskTimeout)
		defer cancel()
	}

	if d.hooks.OnTaskStart != nil {
		d.hooks.OnTaskStart(tc)
	}
	err := d.call(ctx, t)
	tc.Duration = time.Since(tc.StartedAt)
	if err == nil {
		if d.hooks.OnTaskDone != nil {
			d.hooks.OnTaskDone(tc)
		}
		return nil
	}
	if d.hooks.OnTaskError != nil {
		d.hooks.OnTaskError(tc, err)
	}
	return err
}

// sleep waits out a retry delay on the shard worker. It returns false when
// the dispatcher is cancelled first.
func (d *Dispatcher) sleep(delay time.Duration) bool {
	if delay <= 0 {
		return d.baseCtx.Err() == nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-d.baseCtx.Done():
		return false
	}
}

// call runs the routine, turning a panic into a permanent error.
func (d *Dispatcher) call(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorspkg.Permanent(fmt.Errorf("dispatch: routine panicked: %v", r))
		}
	}()
	return t.routine(ctx, t.Task)
}

func (d *Dispatcher) taskContext(t *task) TaskContext {
	return TaskContext{
		TaskID:       t.ID,
		Kind:         t.Envelope.Type,
		EventID:      t.Envelope.EventID,
		PartitionKey: t.Envelope.PartitionKey,
		Shard:        t.shard,
		Attempt:      t.Attempt,
		MaxAttempts:  t.MaxAttempts,
		Metadata:     t.Metadata,
		StartedAt:    time.Now(),
	}
}

func (d *Dispatcher) finish(t *task, err error) {
	t.handle.err = err
	close(t.handle.done)
	d.inflight.Done()
}

func (d *Dispatcher) abandon(t *task) {
	d.logger.Info("Task abandoned at shutdown", logging.LogFields{
		"task_id":            t.ID,
		logging.FieldKind:    t.Envelope.Type,
		logging.FieldEventID: t.Envelope.EventID,
		logging.FieldAttempt: t.Attempt,
	})
	d.finish(t, ErrAbandoned)
}

// Close stops accepting tasks and waits up to the shutdown grace period (or
// until ctx is done) for queued and running tasks. Remaining tasks are then
// cancelled and abandoned. Close is idempotent.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	started := d.started
	d.mu.Unlock()

	var result error
	if started {
		drained := make(chan struct{})
		go func() {
			d.inflight.Wait()
			close(drained)
		}()

		var grace <-chan time.Time
		if d.cfg.ShutdownGrace > 0 {
			timer := time.NewTimer(d.cfg.ShutdownGrace)
			defer timer.Stop()
			grace = timer.C
		}
		select {
		case <-drained:
		case <-grace:
			result = ErrShutdownTimeout
		case <-ctx.Done():
			result = ctx.Err()
		}
	}

	d.cancel()
	close(d.stopping)

	d.workers.Wait()

	d.sendMu.Lock()
	for _, q := range d.shards {
	drain:
		for {
			select {
			case t := <-q:
				d.abandon(t)
			default:
				break drain
			}
		}
	}
	d.sendMu.Unlock()

	if result != nil {
		d.logger.Error("Dispatcher shut down before all tasks finished", result, nil)
	}
	return result
}
