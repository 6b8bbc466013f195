// Package storage provides the uniform persistence contract behind the
// notification task queue, with interchangeable implementations over local
// files, embedded SQLite, Postgres, and Redis.
//
// The backend is the single shared mutable resource of the subsystem. All
// implementations must be safe under concurrent access from multiple worker
// goroutines plus the operator-triggered synchronous path, and must not cache
// queue, schedule, or result state beyond the duration of a single call.
package storage

import (
	"context"
	"fmt"
	"time"

	"changewatch/internal/config"
	"changewatch/internal/types"
)

// Backend translates the queue's logical operations into backend-specific
// calls. Storage-level failures on read paths are logged and degraded to
// empty/default results at the adapter boundary so that callers never need
// backend-specific error handling; mutating operations return errors.
type Backend interface {
	// Push appends an envelope to the tail of the immediate FIFO queue.
	Push(ctx context.Context, env *types.JobEnvelope) error

	// Pop claims and removes the head of the immediate queue. Exactly one
	// caller observes each envelope under normal operation (crash recovery
	// may produce brief at-least-once windows on some backends). Envelopes
	// revoked via Revoke are discarded, not returned. Returns (nil, nil)
	// when the queue is empty.
	Pop(ctx context.Context) (*types.JobEnvelope, error)

	// Schedule places an envelope in the delayed schedule ordered by its ETA.
	// The envelope's ETA must be set.
	Schedule(ctx context.Context, env *types.JobEnvelope) error

	// PromoteDue moves every scheduled envelope whose ETA is at or before now
	// into the immediate queue, returning the number promoted.
	PromoteDue(ctx context.Context, now time.Time) (int, error)

	// ScheduledTask returns the scheduled envelope for the given task ID, or
	// (nil, nil) when absent.
	ScheduledTask(ctx context.Context, taskID string) (*types.JobEnvelope, error)

	// RemoveScheduled deletes a schedule entry. Idempotent; reports whether
	// an entry was actually removed.
	RemoveScheduled(ctx context.Context, taskID string) (bool, error)

	// ListQueued returns the immediate queue contents in FIFO order.
	ListQueued(ctx context.Context) ([]*types.JobEnvelope, error)

	// ListScheduled returns the delayed schedule contents in ETA order.
	ListScheduled(ctx context.Context) ([]*types.JobEnvelope, error)

	// Revoke marks a task so that a pending queue entry is discarded at Pop
	// time. Best-effort: it does not interrupt an in-flight execution.
	Revoke(ctx context.Context, taskID string) error

	// CountItems returns (immediate queue count, delayed schedule count)
	// without deserializing every item.
	CountItems(ctx context.Context) (queued int, scheduled int, err error)

	// StoreResult persists the terminal outcome of a completed job, replacing
	// any previous result for the same task ID.
	StoreResult(ctx context.Context, res *types.TaskResult) error

	// EnumerateResults returns task_id -> result for every retained completed
	// job. Corrupted records are quarantined (file backend) or skipped and
	// never crash the caller.
	EnumerateResults(ctx context.Context) (map[string]*types.TaskResult, error)

	// DeleteResult removes a result. Idempotent; reports whether a record was
	// actually removed.
	DeleteResult(ctx context.Context, taskID string) (bool, error)

	// StoreTaskMetadata persists side-channel metadata keyed by task ID.
	StoreTaskMetadata(ctx context.Context, md *types.TaskMetadata) error

	// GetTaskMetadata returns the metadata for a task, or (nil, nil) when
	// absent.
	GetTaskMetadata(ctx context.Context, taskID string) (*types.TaskMetadata, error)

	// DeleteTaskMetadata removes metadata. Idempotent; reports whether a
	// record was actually removed.
	DeleteTaskMetadata(ctx context.Context, taskID string) (bool, error)

	// AppendRetryAttempt appends one record to a task's attempt history.
	// Records are never mutated afterwards.
	AppendRetryAttempt(ctx context.Context, rec *types.RetryAttemptRecord) error

	// ListRetryAttempts returns a task's attempt history ordered by attempt
	// number.
	ListRetryAttempts(ctx context.Context, taskID string) ([]types.RetryAttemptRecord, error)

	// CleanupOldRetryAttempts deletes attempt records older than cutoff,
	// returning the count deleted.
	CleanupOldRetryAttempts(ctx context.Context, cutoff time.Time) (int, error)

	// PurgeTaskHistory removes a task's retry-attempt records and any
	// unconsumed revocation marker. Used when a task is re-queued with a
	// fresh retry budget or its dead-letter entry expires, so the next
	// chain never inherits stale records.
	PurgeTaskHistory(ctx context.Context, taskID string) error

	// AppendDelivered appends one entry to the delivered-notification audit
	// log.
	AppendDelivered(ctx context.Context, rec *types.DeliveredRecord) error

	// ListDelivered returns up to limit audit entries, newest first.
	ListDelivered(ctx context.Context, limit int) ([]types.DeliveredRecord, error)

	// ClearAll empties the queue, schedule, results, metadata, and
	// retry-attempt storage (best-effort atomic) and reports per-category
	// counts removed. The delivered audit log is preserved.
	ClearAll(ctx context.Context) (types.ClearCounts, error)

	// Close releases backend resources.
	Close() error
}

// Open constructs the Backend selected by cfg.Storage.
func Open(ctx context.Context, cfg config.QueueConfig, logger types.Logger) (Backend, error) {
	switch cfg.Storage {
	case "file":
		return NewFileBackend(cfg.DataDir, logger)
	case "sqlite":
		return NewSQLiteBackend(cfg.SQLitePath, logger)
	case "postgres":
		return NewPostgresBackend(ctx, cfg.DatabaseURL, logger)
	case "redis":
		return NewRedisBackend(ctx, cfg.RedisURL, logger)
	default:
		return nil, fmt.Errorf("storage: unknown backend kind %q", cfg.Storage)
	}
}
