// Package service implements the operator-facing orchestration over the
// queue, retry, and dead-letter contracts: send-now, dead-letter re-queue,
// the merged notification timeline, and bulk cleanup. It is built only on
// the public contracts of those packages; no backend-specific code.
package service

import (
	"context"
	"html"
	"sort"

	"changewatch/internal/deadletter"
	"changewatch/internal/queue"
	"changewatch/internal/retry"
	"changewatch/internal/storage"
	"changewatch/internal/types"
)

// RetryService exposes the operator actions consumed by the presentation
// layer. Every method returns plain data structures.
type RetryService struct {
	queue      *queue.TaskQueue
	backend    storage.Backend
	deadLetter *deadletter.Store
	runner     *retry.Runner
	logger     types.Logger
	maxAgeDays int
}

// NewRetryService creates a RetryService. maxAgeDays bounds the dead-letter
// auto-cleanup applied while listing failed notifications.
func NewRetryService(q *queue.TaskQueue, backend storage.Backend, dl *deadletter.Store, runner *retry.Runner, logger types.Logger, maxAgeDays int) *RetryService {
	return &RetryService{
		queue:      q,
		backend:    backend,
		deadLetter: dl,
		runner:     runner,
		logger:     logger,
		maxAgeDays: maxAgeDays,
	}
}

// RetryNow executes a scheduled retry immediately and synchronously in the
// calling goroutine, giving the operator instant feedback. The schedule
// entry is revoked BEFORE execution so a worker cannot concurrently pick up
// the same job; after RetryNow returns the job is guaranteed absent from the
// delayed schedule. Returns whether the delivery succeeded; (false, nil)
// when no scheduled job exists for the task ID.
func (s *RetryService) RetryNow(ctx context.Context, taskID string) (bool, error) {
	env, err := s.backend.ScheduledTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if env == nil {
		return false, nil
	}

	removed, err := s.backend.RemoveScheduled(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !removed {
		// Lost the race: promotion or another operator got here first.
		return false, nil
	}

	// A failure here re-enters the normal backoff path via the runner as one
	// more failed attempt of the same chain, not a fresh chain.
	delivered, err := s.runner.Execute(ctx, env)
	if err != nil {
		s.logger.Warn("send-now execution error", "task_id", taskID, "error", err.Error())
		return false, err
	}
	return delivered, nil
}

// RetryFailed moves one dead-letter entry back into the immediate queue with
// a fresh retry budget, removing it from the dead-letter store. If it fails
// again it goes through the normal backoff path. Returns (false, nil) when
// the task is unknown or not dead-lettered.
func (s *RetryService) RetryFailed(ctx context.Context, taskID string) (bool, error) {
	results, err := s.backend.EnumerateResults(ctx)
	if err != nil {
		return false, err
	}
	res, ok := results[taskID]
	if !ok || res.Status != types.StatusFailed {
		return false, nil
	}

	enqueuedAt := res.CompletedAt
	if md, _ := s.backend.GetTaskMetadata(ctx, taskID); md != nil {
		enqueuedAt = md.Timestamp
	}

	// Delete the result before re-queueing so the task never exists in the
	// dead-letter store and the queue at once.
	removed, err := s.backend.DeleteResult(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}

	// Drop the old chain's attempt records and any unconsumed revocation
	// marker; the fresh chain must start with a clean history or the next
	// failure would collide with (or duplicate) the stale records.
	if err := s.backend.PurgeTaskHistory(ctx, taskID); err != nil {
		s.logger.Warn("failed to purge task history", "task_id", taskID, "error", err.Error())
	}

	env := &types.JobEnvelope{
		Version:    types.EnvelopeVersion,
		TaskID:     taskID,
		EnqueuedAt: enqueuedAt,
		Attempt:    0,
		Payload:    res.Payload,
	}
	if err := s.queue.EnqueueExisting(ctx, env); err != nil {
		return false, err
	}

	s.logger.Info("dead-letter entry re-queued", "task_id", taskID)
	return true, nil
}

// RetryAllFailed applies RetryFailed to every current dead-letter entry.
// Individual failures are counted and skipped; the batch never aborts
// midway.
func (s *RetryService) RetryAllFailed(ctx context.Context) (types.RetryAllCounts, error) {
	failed, err := s.deadLetter.FailedNotifications(ctx, 0, 0)
	if err != nil {
		return types.RetryAllCounts{}, err
	}

	counts := types.RetryAllCounts{Total: len(failed)}
	for _, entry := range failed {
		ok, err := s.RetryFailed(ctx, entry.TaskID)
		if err != nil {
			s.logger.Warn("bulk retry: re-queue failed", "task_id", entry.TaskID, "error", err.Error())
		}
		if ok {
			counts.Success++
		} else {
			counts.Failed++
		}
	}
	return counts, nil
}

// Failed returns the dead-letter view, applying the configured age-based
// auto-cleanup as a side effect.
func (s *RetryService) Failed(ctx context.Context, limit int) ([]types.FailedNotification, error) {
	failed, err := s.deadLetter.FailedNotifications(ctx, limit, s.maxAgeDays)
	if err != nil {
		return nil, err
	}
	for i := range failed {
		failed[i].Error = html.EscapeString(failed[i].Error)
	}
	return failed, nil
}

// Delivered returns the delivered audit log, newest first.
func (s *RetryService) Delivered(ctx context.Context, limit int) ([]types.DeliveredRecord, error) {
	return s.deadLetter.Delivered(ctx, limit)
}

// DeliveryLog returns the delivery trace for one task.
func (s *RetryService) DeliveryLog(ctx context.Context, taskID string) []string {
	return s.deadLetter.DeliveryLog(ctx, taskID)
}

// Pending returns the queued and retrying jobs as timeline events.
func (s *RetryService) Pending(ctx context.Context) ([]types.NotificationEvent, error) {
	var events []types.NotificationEvent

	queued, err := s.backend.ListQueued(ctx)
	if err != nil {
		return nil, err
	}
	for _, env := range queued {
		events = append(events, envelopeEvent(env, types.StatusQueued))
	}

	scheduled, err := s.backend.ListScheduled(ctx)
	if err != nil {
		return nil, err
	}
	for _, env := range scheduled {
		events = append(events, envelopeEvent(env, types.StatusRetrying))
	}
	return events, nil
}

// Events merges delivered, queued, retrying, and failed jobs into one
// timeline tagged by status, sorted newest-first by the most relevant
// timestamp: delivery time, queue time, next-attempt time, or failure time.
// User-influenced text fields are HTML-escaped so a presentation layer can
// render them without injection risk.
func (s *RetryService) Events(ctx context.Context, limit int) ([]types.NotificationEvent, error) {
	events, err := s.Pending(ctx)
	if err != nil {
		return nil, err
	}

	delivered, err := s.deadLetter.Delivered(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, rec := range delivered {
		events = append(events, types.NotificationEvent{
			TaskID:    rec.TaskID,
			Status:    types.StatusDelivered,
			Timestamp: rec.Timestamp,
			WatchUUID: rec.WatchUUID,
			WatchURL:  rec.WatchURL,
			Title:     rec.Title,
			Body:      rec.Body,
		})
	}

	failed, err := s.deadLetter.FailedNotifications(ctx, limit, s.maxAgeDays)
	if err != nil {
		return nil, err
	}
	for _, entry := range failed {
		events = append(events, types.NotificationEvent{
			TaskID:    entry.TaskID,
			Status:    types.StatusFailed,
			Timestamp: entry.FailedAt,
			WatchUUID: entry.Payload.WatchUUID,
			WatchURL:  entry.Payload.WatchURL,
			Title:     entry.Payload.Title,
			Body:      entry.Payload.Body,
			Error:     entry.Error,
			Attempt:   len(entry.RetryAttempts),
		})
	}

	for i := range events {
		escapeEvent(&events[i])
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// ClearAll empties queue, schedule, results, metadata, and retry-attempt
// storage, returning per-category counts for display.
func (s *RetryService) ClearAll(ctx context.Context) (types.ClearCounts, error) {
	counts, err := s.backend.ClearAll(ctx)
	if err != nil {
		return counts, err
	}
	s.logger.Info("cleared all notification state",
		"queued", counts.Queued,
		"scheduled", counts.Scheduled,
		"results", counts.Results,
		"metadata", counts.Metadata,
		"retry_attempts", counts.RetryAttempts,
	)
	return counts, nil
}

// Counts returns (immediate queue count, delayed schedule count).
func (s *RetryService) Counts(ctx context.Context) (int, int, error) {
	return s.backend.CountItems(ctx)
}

func envelopeEvent(env *types.JobEnvelope, status types.TaskStatus) types.NotificationEvent {
	ev := types.NotificationEvent{
		TaskID:    env.TaskID,
		Status:    status,
		Timestamp: env.EnqueuedAt,
		WatchUUID: env.Payload.WatchUUID,
		WatchURL:  env.Payload.WatchURL,
		Title:     env.Payload.Title,
		Body:      env.Payload.Body,
		Attempt:   env.Attempt,
		ETA:       env.ETA,
	}
	if status == types.StatusRetrying && env.ETA != nil {
		ev.Timestamp = *env.ETA
	}
	return ev
}

// escapeEvent HTML-escapes every field whose content a watch owner or remote
// site can influence.
func escapeEvent(ev *types.NotificationEvent) {
	ev.Title = html.EscapeString(ev.Title)
	ev.Body = html.EscapeString(ev.Body)
	ev.Error = html.EscapeString(ev.Error)
	ev.WatchURL = html.EscapeString(ev.WatchURL)
}
