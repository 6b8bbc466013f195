package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"changewatch/internal/types"
)

// Compile-time assertion that PostgresBackend implements Backend.
var _ Backend = (*PostgresBackend)(nil)

// PostgresBackend stores queue state in PostgreSQL. Unlike the sqlite
// backend it is safe for multiple daemon processes sharing one database:
// Pop claims jobs with FOR UPDATE SKIP LOCKED, so concurrent workers never
// observe the same envelope.
type PostgresBackend struct {
	pool   *pgxpool.Pool
	logger types.Logger
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS notification_queue (
	seq      BIGSERIAL PRIMARY KEY,
	task_id  TEXT NOT NULL,
	envelope JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS notification_schedule (
	task_id  TEXT PRIMARY KEY,
	eta      BIGINT NOT NULL,
	envelope JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notification_schedule_eta ON notification_schedule (eta);
CREATE TABLE IF NOT EXISTS notification_results (
	task_id      TEXT PRIMARY KEY,
	completed_at BIGINT NOT NULL,
	doc          JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS task_metadata (
	task_id    TEXT PRIMARY KEY,
	created_at BIGINT NOT NULL,
	doc        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS retry_attempts (
	task_id    TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	created_at BIGINT NOT NULL,
	doc        JSONB NOT NULL,
	PRIMARY KEY (task_id, attempt)
);
CREATE TABLE IF NOT EXISTS delivered_notifications (
	seq        BIGSERIAL PRIMARY KEY,
	task_id    TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	doc        JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS revoked_tasks (
	task_id TEXT PRIMARY KEY
);`

// NewPostgresBackend connects to the database at url and applies the schema.
func NewPostgresBackend(ctx context.Context, url string, logger types.Logger) (*PostgresBackend, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres backend: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres backend: apply schema: %w", err)
	}
	return &PostgresBackend{pool: pool, logger: logger}, nil
}

func (b *PostgresBackend) Push(ctx context.Context, env *types.JobEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("postgres backend: marshal envelope: %w", err)
	}
	_, err = b.pool.Exec(ctx,
		`INSERT INTO notification_queue (task_id, envelope) VALUES ($1, $2)`, env.TaskID, data)
	if err != nil {
		return fmt.Errorf("postgres backend: push: %w", err)
	}
	return nil
}

func (b *PostgresBackend) Pop(ctx context.Context) (*types.JobEnvelope, error) {
	for {
		tx, err := b.pool.Begin(ctx)
		if err != nil {
			return nil, fmt.Errorf("postgres backend: begin pop: %w", err)
		}

		var seq int64
		var taskID string
		var raw []byte
		err = tx.QueryRow(ctx,
			`SELECT seq, task_id, envelope FROM notification_queue
			 ORDER BY seq LIMIT 1 FOR UPDATE SKIP LOCKED`).
			Scan(&seq, &taskID, &raw)
		if errors.Is(err, pgx.ErrNoRows) {
			tx.Rollback(ctx)
			return nil, nil
		}
		if err != nil {
			tx.Rollback(ctx)
			return nil, fmt.Errorf("postgres backend: pop select: %w", err)
		}

		if _, err := tx.Exec(ctx, `DELETE FROM notification_queue WHERE seq = $1`, seq); err != nil {
			tx.Rollback(ctx)
			return nil, fmt.Errorf("postgres backend: pop delete: %w", err)
		}

		tag, err := tx.Exec(ctx, `DELETE FROM revoked_tasks WHERE task_id = $1`, taskID)
		if err != nil {
			tx.Rollback(ctx)
			return nil, fmt.Errorf("postgres backend: pop revocation check: %w", err)
		}
		revoked := tag.RowsAffected() > 0

		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("postgres backend: pop commit: %w", err)
		}

		if revoked {
			continue
		}

		var env types.JobEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			b.logger.Warn("discarding corrupt queue row", "task_id", taskID, "error", err.Error())
			continue
		}
		return &env, nil
	}
}

func (b *PostgresBackend) Schedule(ctx context.Context, env *types.JobEnvelope) error {
	if env.ETA == nil {
		return fmt.Errorf("postgres backend: schedule requires an ETA")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("postgres backend: marshal envelope: %w", err)
	}
	_, err = b.pool.Exec(ctx,
		`INSERT INTO notification_schedule (task_id, eta, envelope) VALUES ($1, $2, $3)
		 ON CONFLICT (task_id) DO UPDATE SET eta = EXCLUDED.eta, envelope = EXCLUDED.envelope`,
		env.TaskID, env.ETA.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("postgres backend: schedule: %w", err)
	}
	return nil
}

func (b *PostgresBackend) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	// Single statement keeps promotion atomic across processes.
	tag, err := b.pool.Exec(ctx,
		`WITH due AS (
			DELETE FROM notification_schedule WHERE eta <= $1 RETURNING task_id, envelope
		 )
		 INSERT INTO notification_queue (task_id, envelope)
		 SELECT task_id, envelope FROM due`,
		now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("postgres backend: promote due: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *PostgresBackend) ScheduledTask(ctx context.Context, taskID string) (*types.JobEnvelope, error) {
	var raw []byte
	err := b.pool.QueryRow(ctx,
		`SELECT envelope FROM notification_schedule WHERE task_id = $1`, taskID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		b.logger.Warn("scheduled task lookup failed", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	var env types.JobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.logger.Warn("corrupt schedule row", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	return &env, nil
}

func (b *PostgresBackend) RemoveScheduled(ctx context.Context, taskID string) (bool, error) {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM notification_schedule WHERE task_id = $1`, taskID)
	if err != nil {
		return false, fmt.Errorf("postgres backend: remove scheduled: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (b *PostgresBackend) listEnvelopes(ctx context.Context, query string) ([]*types.JobEnvelope, error) {
	rows, err := b.pool.Query(ctx, query)
	if err != nil {
		b.logger.Warn("envelope listing failed", "error", err.Error())
		return nil, nil
	}
	defer rows.Close()

	var envs []*types.JobEnvelope
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var env types.JobEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			b.logger.Warn("skipping corrupt envelope row", "error", err.Error())
			continue
		}
		envs = append(envs, &env)
	}
	return envs, nil
}

func (b *PostgresBackend) ListQueued(ctx context.Context) ([]*types.JobEnvelope, error) {
	return b.listEnvelopes(ctx, `SELECT envelope FROM notification_queue ORDER BY seq`)
}

func (b *PostgresBackend) ListScheduled(ctx context.Context) ([]*types.JobEnvelope, error) {
	return b.listEnvelopes(ctx, `SELECT envelope FROM notification_schedule ORDER BY eta`)
}

func (b *PostgresBackend) Revoke(ctx context.Context, taskID string) error {
	if _, err := b.RemoveScheduled(ctx, taskID); err != nil {
		return err
	}
	_, err := b.pool.Exec(ctx,
		`INSERT INTO revoked_tasks (task_id) VALUES ($1) ON CONFLICT (task_id) DO NOTHING`, taskID)
	if err != nil {
		return fmt.Errorf("postgres backend: revoke: %w", err)
	}
	return nil
}

func (b *PostgresBackend) CountItems(ctx context.Context) (int, int, error) {
	var queued, scheduled int
	err := b.pool.QueryRow(ctx,
		`SELECT
			(SELECT COUNT(*) FROM notification_queue),
			(SELECT COUNT(*) FROM notification_schedule)`).
		Scan(&queued, &scheduled)
	if err != nil {
		return 0, 0, fmt.Errorf("postgres backend: count items: %w", err)
	}
	return queued, scheduled, nil
}

func (b *PostgresBackend) StoreResult(ctx context.Context, res *types.TaskResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("postgres backend: marshal result: %w", err)
	}
	_, err = b.pool.Exec(ctx,
		`INSERT INTO notification_results (task_id, completed_at, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (task_id) DO UPDATE SET completed_at = EXCLUDED.completed_at, doc = EXCLUDED.doc`,
		res.TaskID, res.CompletedAt.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("postgres backend: store result: %w", err)
	}
	return nil
}

func (b *PostgresBackend) EnumerateResults(ctx context.Context) (map[string]*types.TaskResult, error) {
	out := make(map[string]*types.TaskResult)
	rows, err := b.pool.Query(ctx, `SELECT task_id, doc FROM notification_results`)
	if err != nil {
		b.logger.Warn("results enumeration failed", "error", err.Error())
		return out, nil
	}
	defer rows.Close()

	for rows.Next() {
		var taskID string
		var raw []byte
		if err := rows.Scan(&taskID, &raw); err != nil {
			continue
		}
		var res types.TaskResult
		if err := json.Unmarshal(raw, &res); err != nil {
			b.logger.Warn("skipping corrupt result row", "task_id", taskID, "error", err.Error())
			continue
		}
		out[taskID] = &res
	}
	return out, nil
}

func (b *PostgresBackend) DeleteResult(ctx context.Context, taskID string) (bool, error) {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM notification_results WHERE task_id = $1`, taskID)
	if err != nil {
		return false, fmt.Errorf("postgres backend: delete result: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (b *PostgresBackend) StoreTaskMetadata(ctx context.Context, md *types.TaskMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("postgres backend: marshal metadata: %w", err)
	}
	_, err = b.pool.Exec(ctx,
		`INSERT INTO task_metadata (task_id, created_at, doc) VALUES ($1, $2, $3)
		 ON CONFLICT (task_id) DO UPDATE SET doc = EXCLUDED.doc`,
		md.TaskID, md.Timestamp.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("postgres backend: store metadata: %w", err)
	}
	return nil
}

func (b *PostgresBackend) GetTaskMetadata(ctx context.Context, taskID string) (*types.TaskMetadata, error) {
	var raw []byte
	err := b.pool.QueryRow(ctx,
		`SELECT doc FROM task_metadata WHERE task_id = $1`, taskID).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		b.logger.Warn("metadata lookup failed", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	var md types.TaskMetadata
	if err := json.Unmarshal(raw, &md); err != nil {
		b.logger.Warn("corrupt metadata row", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	return &md, nil
}

func (b *PostgresBackend) DeleteTaskMetadata(ctx context.Context, taskID string) (bool, error) {
	tag, err := b.pool.Exec(ctx, `DELETE FROM task_metadata WHERE task_id = $1`, taskID)
	if err != nil {
		return false, fmt.Errorf("postgres backend: delete metadata: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (b *PostgresBackend) AppendRetryAttempt(ctx context.Context, rec *types.RetryAttemptRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres backend: marshal retry attempt: %w", err)
	}
	_, err = b.pool.Exec(ctx,
		`INSERT INTO retry_attempts (task_id, attempt, created_at, doc) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (task_id, attempt) DO NOTHING`,
		rec.TaskID, rec.Attempt, rec.Timestamp.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("postgres backend: append retry attempt: %w", err)
	}
	return nil
}

func (b *PostgresBackend) ListRetryAttempts(ctx context.Context, taskID string) ([]types.RetryAttemptRecord, error) {
	rows, err := b.pool.Query(ctx,
		`SELECT doc FROM retry_attempts WHERE task_id = $1 ORDER BY attempt`, taskID)
	if err != nil {
		b.logger.Warn("retry attempt listing failed", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	defer rows.Close()

	var recs []types.RetryAttemptRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var rec types.RetryAttemptRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			b.logger.Warn("skipping corrupt retry attempt row", "task_id", taskID, "error", err.Error())
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (b *PostgresBackend) PurgeTaskHistory(ctx context.Context, taskID string) error {
	if _, err := b.pool.Exec(ctx,
		`DELETE FROM retry_attempts WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("postgres backend: purge retry attempts: %w", err)
	}
	if _, err := b.pool.Exec(ctx,
		`DELETE FROM revoked_tasks WHERE task_id = $1`, taskID); err != nil {
		return fmt.Errorf("postgres backend: purge revoked marker: %w", err)
	}
	return nil
}

func (b *PostgresBackend) CleanupOldRetryAttempts(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := b.pool.Exec(ctx,
		`DELETE FROM retry_attempts WHERE created_at < $1`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("postgres backend: cleanup retry attempts: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *PostgresBackend) AppendDelivered(ctx context.Context, rec *types.DeliveredRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("postgres backend: marshal delivered record: %w", err)
	}
	_, err = b.pool.Exec(ctx,
		`INSERT INTO delivered_notifications (task_id, created_at, doc) VALUES ($1, $2, $3)`,
		rec.TaskID, rec.Timestamp.UnixNano(), data)
	if err != nil {
		return fmt.Errorf("postgres backend: append delivered: %w", err)
	}
	return nil
}

func (b *PostgresBackend) ListDelivered(ctx context.Context, limit int) ([]types.DeliveredRecord, error) {
	query := `SELECT doc FROM delivered_notifications ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		b.logger.Warn("delivered listing failed", "error", err.Error())
		return nil, nil
	}
	defer rows.Close()

	var recs []types.DeliveredRecord
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var rec types.DeliveredRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			b.logger.Warn("skipping corrupt delivered row", "error", err.Error())
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (b *PostgresBackend) ClearAll(ctx context.Context) (types.ClearCounts, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return types.ClearCounts{}, fmt.Errorf("postgres backend: begin clear: %w", err)
	}
	defer tx.Rollback(ctx)

	clear := func(table string) (int, error) {
		tag, err := tx.Exec(ctx, `DELETE FROM `+table)
		if err != nil {
			return 0, err
		}
		return int(tag.RowsAffected()), nil
	}

	var counts types.ClearCounts
	if counts.Queued, err = clear("notification_queue"); err != nil {
		return counts, fmt.Errorf("postgres backend: clear queue: %w", err)
	}
	if counts.Scheduled, err = clear("notification_schedule"); err != nil {
		return counts, fmt.Errorf("postgres backend: clear schedule: %w", err)
	}
	if counts.Results, err = clear("notification_results"); err != nil {
		return counts, fmt.Errorf("postgres backend: clear results: %w", err)
	}
	if counts.Metadata, err = clear("task_metadata"); err != nil {
		return counts, fmt.Errorf("postgres backend: clear metadata: %w", err)
	}
	if counts.RetryAttempts, err = clear("retry_attempts"); err != nil {
		return counts, fmt.Errorf("postgres backend: clear retry attempts: %w", err)
	}
	if _, err = clear("revoked_tasks"); err != nil {
		return counts, fmt.Errorf("postgres backend: clear revoked: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return counts, fmt.Errorf("postgres backend: clear commit: %w", err)
	}
	return counts, nil
}

func (b *PostgresBackend) Close() error {
	b.pool.Close()
	return nil
}
