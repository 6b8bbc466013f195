// Package queue implements the durable notification task queue: an immediate
// FIFO queue plus a time-ordered delayed schedule, both persisted through a
// storage backend.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"changewatch/internal/storage"
	"changewatch/internal/types"
)

// Listener observes queue activity for live UI updates. Listeners are
// strictly decoupled from queue correctness: a panicking or slow listener
// never fails an enqueue or dequeue.
type Listener interface {
	JobEnqueued(env *types.JobEnvelope)
	JobDequeued(env *types.JobEnvelope)
}

// TaskQueue provides enqueue-now and enqueue-at-time semantics, worker
// dequeue, and best-effort revocation over a storage backend.
type TaskQueue struct {
	backend   storage.Backend
	listeners []Listener
	logger    types.Logger
	clock     types.Clock

	// pollInterval paces the Dequeue and promoter loops on backends whose
	// Pop is non-blocking.
	pollInterval time.Duration
}

// Option configures a TaskQueue.
type Option func(*TaskQueue)

// WithListener registers a queue activity listener.
func WithListener(l Listener) Option {
	return func(q *TaskQueue) { q.listeners = append(q.listeners, l) }
}

// WithClock overrides the clock, for tests.
func WithClock(c types.Clock) Option {
	return func(q *TaskQueue) { q.clock = c }
}

// WithPollInterval overrides the dequeue/promotion polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(q *TaskQueue) { q.pollInterval = d }
}

// New creates a TaskQueue over the given backend.
func New(backend storage.Backend, logger types.Logger, opts ...Option) *TaskQueue {
	q := &TaskQueue{
		backend:      backend,
		logger:       logger,
		clock:        types.RealClock{},
		pollInterval: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue submits a fully-rendered notification payload for immediate
// execution. It assigns a new task ID, persists the first-enqueue metadata,
// and returns the task ID.
func (q *TaskQueue) Enqueue(ctx context.Context, payload types.NotificationPayload) (string, error) {
	now := q.clock.Now()
	env := &types.JobEnvelope{
		Version:    types.EnvelopeVersion,
		TaskID:     uuid.New().String(),
		EnqueuedAt: now,
		Attempt:    0,
		Payload:    payload,
	}

	// Metadata first: the display timeline needs the first-enqueue time even
	// if a worker grabs the job immediately.
	md := &types.TaskMetadata{
		TaskID:    env.TaskID,
		Timestamp: now,
		Payload:   payload,
	}
	if err := q.backend.StoreTaskMetadata(ctx, md); err != nil {
		q.logger.Warn("failed to store task metadata", "task_id", env.TaskID, "error", err.Error())
	}

	if err := q.backend.Push(ctx, env); err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}

	q.logger.Info("notification queued",
		"task_id", env.TaskID,
		"watch_uuid", payload.WatchUUID,
		"destinations", len(payload.NotificationURLs),
	)
	q.notifyEnqueued(env)
	return env.TaskID, nil
}

// EnqueueExisting re-submits an existing envelope for immediate execution,
// preserving its task ID and enqueue time. Used by manual dead-letter retry.
func (q *TaskQueue) EnqueueExisting(ctx context.Context, env *types.JobEnvelope) error {
	env.ETA = nil
	if err := q.backend.Push(ctx, env); err != nil {
		return fmt.Errorf("queue: enqueue existing: %w", err)
	}
	q.notifyEnqueued(env)
	return nil
}

// EnqueueAt places an envelope in the delayed schedule for execution at eta.
// Used exclusively by the retry policy to schedule re-attempts.
func (q *TaskQueue) EnqueueAt(ctx context.Context, env *types.JobEnvelope, eta time.Time) error {
	eta = eta.UTC()
	env.ETA = &eta
	if err := q.backend.Schedule(ctx, env); err != nil {
		return fmt.Errorf("queue: enqueue at: %w", err)
	}
	q.notifyEnqueued(env)
	return nil
}

// Revoke cancels a not-yet-executed job, best-effort: the job will not be
// picked up if it has not already been dequeued, but an in-flight execution
// is not interrupted.
func (q *TaskQueue) Revoke(ctx context.Context, taskID string) error {
	return q.backend.Revoke(ctx, taskID)
}

// Dequeue blocks until a job is available or ctx is done. Each envelope is
// delivered to exactly one caller under normal operation. Backend failures
// are logged and retried on the next poll, so an unreachable backend slows
// the loop down to the poll interval instead of spinning on errors.
func (q *TaskQueue) Dequeue(ctx context.Context) (*types.JobEnvelope, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		env, err := q.backend.Pop(ctx)
		if err != nil {
			q.logger.Warn("queue pop failed", "error", err.Error())
		} else if env != nil {
			q.notifyDequeued(env)
			return env, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunPromoter moves due scheduled jobs into the immediate queue until ctx is
// cancelled. Exactly one promoter loop should run per process; backends keep
// promotion itself safe across processes.
func (q *TaskQueue) RunPromoter(ctx context.Context) error {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		promoted, err := q.backend.PromoteDue(ctx, q.clock.Now())
		if err != nil {
			q.logger.Warn("schedule promotion failed", "error", err.Error())
			continue
		}
		if promoted > 0 {
			q.logger.Info("promoted scheduled notifications", "count", promoted)
		}
	}
}

// Counts returns (immediate queue count, delayed schedule count).
func (q *TaskQueue) Counts(ctx context.Context) (int, int, error) {
	return q.backend.CountItems(ctx)
}

func (q *TaskQueue) notifyEnqueued(env *types.JobEnvelope) {
	for _, l := range q.listeners {
		q.safeNotify(func() { l.JobEnqueued(env) })
	}
}

func (q *TaskQueue) notifyDequeued(env *types.JobEnvelope) {
	for _, l := range q.listeners {
		q.safeNotify(func() { l.JobDequeued(env) })
	}
}

// safeNotify isolates listener failures from queue correctness.
func (q *TaskQueue) safeNotify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Warn("queue listener panicked", "panic", fmt.Sprint(r))
		}
	}()
	fn()
}
