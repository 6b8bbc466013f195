// Package deadletter provides the operator-facing read model over jobs whose
// retry budget is exhausted, plus the delivered-notification audit log and
// per-task delivery traces.
package deadletter

import (
	"context"
	"sort"
	"time"

	"changewatch/internal/storage"
	"changewatch/internal/types"
)

// DefaultGraceWindow suppresses a failure result from the failed view until
// its retry has had time to appear in the schedule. The failure result is
// persisted slightly before the retry is scheduled, so without this window a
// job could briefly show as failed while it is actually retrying.
//
// This is a tunable, not a guaranteed-correct value: with retry delays close
// to the window a job can still be invisible in both the pending and failed
// views for a moment. That relaxed consistency window is accepted rather
// than closed with extra locking.
const DefaultGraceWindow = 5 * time.Second

// NoLogAvailable is returned by DeliveryLog when no trace exists for a task.
const NoLogAvailable = "No log available"

// Store reads dead-letter and audit state through the backend contract only.
type Store struct {
	backend     storage.Backend
	logger      types.Logger
	clock       types.Clock
	graceWindow time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock, for tests.
func WithClock(c types.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithGraceWindow overrides the failed-view grace window.
func WithGraceWindow(d time.Duration) Option {
	return func(s *Store) { s.graceWindow = d }
}

// NewStore creates a Store over the given backend.
func NewStore(backend storage.Backend, logger types.Logger, opts ...Option) *Store {
	s := &Store{
		backend:     backend,
		logger:      logger,
		clock:       types.RealClock{},
		graceWindow: DefaultGraceWindow,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FailedNotifications returns dead-lettered jobs newest first, hydrated with
// their retry-attempt chains.
//
// A job is included only when its schedule entry is confirmed absent and its
// failure is older than the grace window, so it can never appear as both
// retrying and failed. Entries older than maxAgeDays are deleted as a side
// effect of the scan; maxAgeDays <= 0 disables that cleanup, limit <= 0
// means no cap.
func (s *Store) FailedNotifications(ctx context.Context, limit int, maxAgeDays int) ([]types.FailedNotification, error) {
	results, err := s.backend.EnumerateResults(ctx)
	if err != nil {
		return nil, err
	}

	scheduled, err := s.backend.ListScheduled(ctx)
	if err != nil {
		return nil, err
	}
	inSchedule := make(map[string]bool, len(scheduled))
	for _, env := range scheduled {
		inSchedule[env.TaskID] = true
	}

	now := s.clock.Now()
	var cutoff time.Time
	if maxAgeDays > 0 {
		cutoff = now.AddDate(0, 0, -maxAgeDays)
	}

	var failed []types.FailedNotification
	for taskID, res := range results {
		if res.Status != types.StatusFailed {
			continue
		}

		if maxAgeDays > 0 && res.CompletedAt.Before(cutoff) {
			s.expire(ctx, taskID)
			continue
		}
		if inSchedule[taskID] {
			continue // a retry is pending; not dead yet
		}
		if now.Sub(res.CompletedAt) < s.graceWindow {
			continue // retry may not be scheduled yet
		}

		attempts, err := s.backend.ListRetryAttempts(ctx, taskID)
		if err != nil {
			s.logger.Warn("failed to load retry attempts", "task_id", taskID, "error", err.Error())
		}

		entry := types.FailedNotification{
			TaskID:        taskID,
			Error:         res.Error,
			FailedAt:      res.CompletedAt,
			Payload:       res.Payload,
			RetryAttempts: attempts,
		}
		if md, _ := s.backend.GetTaskMetadata(ctx, taskID); md != nil {
			entry.EnqueuedAt = md.Timestamp
		}
		failed = append(failed, entry)
	}

	sort.Slice(failed, func(i, j int) bool {
		return failed[i].FailedAt.After(failed[j].FailedAt)
	})
	if limit > 0 && len(failed) > limit {
		failed = failed[:limit]
	}
	return failed, nil
}

// expire removes an aged dead-letter entry and its side-channel records.
func (s *Store) expire(ctx context.Context, taskID string) {
	if _, err := s.backend.DeleteResult(ctx, taskID); err != nil {
		s.logger.Warn("failed to expire dead-letter entry", "task_id", taskID, "error", err.Error())
		return
	}
	s.backend.DeleteTaskMetadata(ctx, taskID)
	if err := s.backend.PurgeTaskHistory(ctx, taskID); err != nil {
		s.logger.Warn("failed to purge expired task history", "task_id", taskID, "error", err.Error())
	}
	s.logger.Info("expired aged dead-letter entry", "task_id", taskID)
}

// Delivered returns up to limit delivered-notification audit entries, newest
// first.
func (s *Store) Delivered(ctx context.Context, limit int) ([]types.DeliveredRecord, error) {
	return s.backend.ListDelivered(ctx, limit)
}

// DeliveryLog reconstructs the human-readable delivery trace for a task by
// merging stored metadata logs with any error text captured at result-write
// time. It degrades to a "No log available" line rather than failing when
// nothing was recorded.
func (s *Store) DeliveryLog(ctx context.Context, taskID string) []string {
	var log []string

	if md, _ := s.backend.GetTaskMetadata(ctx, taskID); md != nil {
		log = append(log, md.DeliveryLogs...)
		if md.Error != "" {
			log = append(log, md.Error)
		}
	}

	results, err := s.backend.EnumerateResults(ctx)
	if err == nil {
		if res, ok := results[taskID]; ok {
			log = append(log, res.DeliveryLog...)
			if res.Error != "" {
				log = append(log, res.Error)
			}
		}
	}

	if len(log) == 0 {
		return []string{NoLogAvailable}
	}
	return dedupe(log)
}

// dedupe removes adjacent-equal and repeated lines while preserving order;
// metadata and result traces frequently overlap.
func dedupe(lines []string) []string {
	seen := make(map[string]bool, len(lines))
	out := lines[:0]
	for _, l := range lines {
		if seen[l] {
			continue
		}
		seen[l] = true
		out = append(out, l)
	}
	return out
}

// CleanupRetryAttempts deletes attempt records older than cutoff, returning
// the count deleted.
func (s *Store) CleanupRetryAttempts(ctx context.Context, cutoff time.Time) (int, error) {
	return s.backend.CleanupOldRetryAttempts(ctx, cutoff)
}

// JanitorInterval is how often the background janitor prunes aged
// retry-attempt records.
const JanitorInterval = time.Hour

// RunJanitor prunes retry-attempt records older than maxAgeDays on a fixed
// interval until ctx is cancelled. The dead-letter scan only expires the
// result and metadata of entries it still sees, so attempt records of tasks
// that left the failed view need this sweep or they accumulate forever.
// maxAgeDays <= 0 disables pruning and returns immediately.
func (s *Store) RunJanitor(ctx context.Context, interval time.Duration, maxAgeDays int) error {
	if maxAgeDays <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		cutoff := s.clock.Now().AddDate(0, 0, -maxAgeDays)
		deleted, err := s.CleanupRetryAttempts(ctx, cutoff)
		if err != nil {
			s.logger.Warn("retry attempt cleanup failed", "error", err.Error())
			continue
		}
		if deleted > 0 {
			s.logger.Info("pruned aged retry attempts", "count", deleted)
		}
	}
}
