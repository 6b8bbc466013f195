package retry

import (
	"context"
	"fmt"
	"strings"
	"time"

	"changewatch/internal/queue"
	"changewatch/internal/storage"
	"changewatch/internal/types"
)

// PolicyFunc supplies the current retry policy. Using a function rather than
// a frozen value lets operators reload NOTIFICATION_RETRY_COUNT and
// NOTIFICATION_RETRY_DELAY without a restart.
type PolicyFunc func() Policy

// Runner executes one delivery attempt and applies the retry policy to its
// outcome: success is logged to the delivered audit trail, transient failure
// is rescheduled with exponential backoff, and an exhausted budget leaves the
// job's error result as the dead-letter entry.
type Runner struct {
	queue     *queue.TaskQueue
	backend   storage.Backend
	deliverer types.Deliverer
	policy    PolicyFunc
	logger    types.Logger
	clock     types.Clock
}

// NewRunner creates a Runner.
func NewRunner(q *queue.TaskQueue, backend storage.Backend, deliverer types.Deliverer, policy PolicyFunc, logger types.Logger, clock types.Clock) *Runner {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &Runner{
		queue:     q,
		backend:   backend,
		deliverer: deliverer,
		policy:    policy,
		logger:    logger,
		clock:     clock,
	}
}

// Execute runs one delivery attempt for the envelope and persists its
// outcome. The boolean reports whether the notification was delivered.
func (r *Runner) Execute(ctx context.Context, env *types.JobEnvelope) (bool, error) {
	res, err := r.deliverer.Deliver(ctx, env.Payload)
	if err == nil {
		return true, r.recordSuccess(ctx, env, res)
	}
	return false, r.recordFailure(ctx, env, res, err)
}

func (r *Runner) recordSuccess(ctx context.Context, env *types.JobEnvelope, res types.DeliveryResult) error {
	now := r.clock.Now()
	rec := &types.DeliveredRecord{
		TaskID:           env.TaskID,
		Timestamp:        now,
		WatchUUID:        env.Payload.WatchUUID,
		WatchURL:         env.Payload.WatchURL,
		NotificationURLs: env.Payload.NotificationURLs,
		Title:            env.Payload.Title,
		Body:             env.Payload.Body,
		DeliveryLog:      res.Log,
	}
	if err := r.backend.AppendDelivered(ctx, rec); err != nil {
		return fmt.Errorf("retry runner: record delivery: %w", err)
	}

	// Clear any error result from earlier attempts plus the side-channel
	// metadata; the audit record is the terminal state.
	if _, err := r.backend.DeleteResult(ctx, env.TaskID); err != nil {
		r.logger.Warn("failed to clear stale result", "task_id", env.TaskID, "error", err.Error())
	}
	if _, err := r.backend.DeleteTaskMetadata(ctx, env.TaskID); err != nil {
		r.logger.Warn("failed to clear task metadata", "task_id", env.TaskID, "error", err.Error())
	}

	r.logger.Info("notification delivered",
		"task_id", env.TaskID,
		"watch_uuid", env.Payload.WatchUUID,
		"attempt", env.Attempt,
	)
	return nil
}

func (r *Runner) recordFailure(ctx context.Context, env *types.JobEnvelope, res types.DeliveryResult, cause error) error {
	now := r.clock.Now()
	policy := r.policy()

	// The error result is persisted on every failure. While a retry is still
	// pending the dead-letter view suppresses it (schedule presence plus the
	// grace window); once the budget is exhausted it IS the dead-letter entry.
	result := &types.TaskResult{
		TaskID:      env.TaskID,
		Status:      types.StatusFailed,
		Error:       cause.Error(),
		CompletedAt: now,
		Payload:     env.Payload,
		DeliveryLog: res.Log,
	}
	if err := r.backend.StoreResult(ctx, result); err != nil {
		return fmt.Errorf("retry runner: store failure result: %w", err)
	}

	if md, _ := r.backend.GetTaskMetadata(ctx, env.TaskID); md != nil {
		md.Error = cause.Error()
		md.DeliveryLogs = append(md.DeliveryLogs, res.Log...)
		if err := r.backend.StoreTaskMetadata(ctx, md); err != nil {
			r.logger.Warn("failed to update task metadata", "task_id", env.TaskID, "error", err.Error())
		}
	}

	if policy.Exhausted(env.Attempt) {
		r.logger.Error("notification permanently failed",
			"task_id", env.TaskID,
			"watch_uuid", env.Payload.WatchUUID,
			"attempts", env.Attempt+1,
			"max_retries", policy.MaxRetries,
			"error", cause.Error(),
		)
		return nil
	}

	// Schedule the next attempt, then record this failed attempt in the
	// append-only history. The attempt record count for a chain therefore
	// equals the number of retries actually scheduled.
	delay := policy.Delay(env.Attempt)
	eta := now.Add(delay)
	next := &types.JobEnvelope{
		Version:    env.Version,
		TaskID:     env.TaskID,
		EnqueuedAt: env.EnqueuedAt,
		Attempt:    env.Attempt + 1,
		Payload:    env.Payload,
	}
	if err := r.queue.EnqueueAt(ctx, next, eta); err != nil {
		return fmt.Errorf("retry runner: schedule retry: %w", err)
	}

	attempt := &types.RetryAttemptRecord{
		TaskID:      env.TaskID,
		Attempt:     env.Attempt + 1,
		Timestamp:   now,
		Payload:     env.Payload,
		DeliveryLog: res.Log,
		Error:       cause.Error(),
	}
	if err := r.backend.AppendRetryAttempt(ctx, attempt); err != nil {
		r.logger.Warn("failed to record retry attempt", "task_id", env.TaskID, "error", err.Error())
	}

	r.logger.Warn("delivery failed, retry scheduled",
		"task_id", env.TaskID,
		"watch_uuid", env.Payload.WatchUUID,
		"attempt", env.Attempt,
		"next_attempt", env.Attempt+1,
		"delay", delay.String(),
		"eta", eta.Format(time.RFC3339),
		"error", firstLine(cause.Error()),
	)
	return nil
}

// firstLine trims a multi-line error down to its first line for log noise
// control; the full text is preserved in the stored result.
func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
