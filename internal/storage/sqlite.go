package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"changewatch/internal/types"
)

// Compile-time assertion that SQLiteBackend implements Backend.
var _ Backend = (*SQLiteBackend)(nil)

// SQLiteBackend stores queue state in an embedded SQLite database (pure-Go
// driver, no CGO). It is intended for single-process deployments on local
// disk: SQLite over a shared network file is unsafe, and multiple processes
// sharing one database file require a single-writer discipline this backend
// does not provide.
type SQLiteBackend struct {
	db     *sql.DB
	logger types.Logger

	// task_metadata is created lazily on first metadata use.
	metaOnce sync.Once
	metaErr  error
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id  TEXT NOT NULL,
	envelope TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS schedule (
	task_id  TEXT PRIMARY KEY,
	eta      INTEGER NOT NULL,
	envelope TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedule_eta ON schedule (eta);
CREATE TABLE IF NOT EXISTS results (
	task_id      TEXT PRIMARY KEY,
	completed_at INTEGER NOT NULL,
	doc          TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS retry_attempts (
	task_id    TEXT NOT NULL,
	attempt    INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	doc        TEXT NOT NULL,
	PRIMARY KEY (task_id, attempt)
);
CREATE TABLE IF NOT EXISTS delivered (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	doc        TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS revoked (
	task_id TEXT PRIMARY KEY
);`

// NewSQLiteBackend opens (or creates) the database at path and applies the
// schema. WAL mode keeps concurrent readers from blocking the writer within
// the process.
func NewSQLiteBackend(path string, logger types.Logger) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite backend: open %s: %w", path, err)
	}
	// A single connection sidesteps SQLITE_BUSY churn between pool conns.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite backend: apply schema: %w", err)
	}
	return &SQLiteBackend{db: db, logger: logger}, nil
}

// ensureMetadataTable creates the task_metadata table on first use.
func (b *SQLiteBackend) ensureMetadataTable(ctx context.Context) error {
	b.metaOnce.Do(func() {
		_, b.metaErr = b.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS task_metadata (
				task_id    TEXT PRIMARY KEY,
				created_at INTEGER NOT NULL,
				doc        TEXT NOT NULL
			)`)
	})
	return b.metaErr
}

func (b *SQLiteBackend) Push(ctx context.Context, env *types.JobEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("sqlite backend: marshal envelope: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO queue (task_id, envelope) VALUES (?, ?)`, env.TaskID, string(data))
	if err != nil {
		return fmt.Errorf("sqlite backend: push: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Pop(ctx context.Context) (*types.JobEnvelope, error) {
	for {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("sqlite backend: begin pop: %w", err)
		}

		var seq int64
		var taskID, raw string
		err = tx.QueryRowContext(ctx,
			`SELECT seq, task_id, envelope FROM queue ORDER BY seq LIMIT 1`).
			Scan(&seq, &taskID, &raw)
		if errors.Is(err, sql.ErrNoRows) {
			tx.Rollback()
			return nil, nil
		}
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("sqlite backend: pop select: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE seq = ?`, seq); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("sqlite backend: pop delete: %w", err)
		}

		var revoked int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM revoked WHERE task_id = ?`, taskID).Scan(&revoked); err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("sqlite backend: pop revocation check: %w", err)
		}
		if revoked > 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM revoked WHERE task_id = ?`, taskID); err != nil {
				tx.Rollback()
				return nil, fmt.Errorf("sqlite backend: pop revocation clear: %w", err)
			}
			if err := tx.Commit(); err != nil {
				return nil, fmt.Errorf("sqlite backend: pop commit: %w", err)
			}
			continue
		}

		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("sqlite backend: pop commit: %w", err)
		}

		var env types.JobEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			b.logger.Warn("discarding corrupt queue row", "task_id", taskID, "error", err.Error())
			continue
		}
		return &env, nil
	}
}

func (b *SQLiteBackend) Schedule(ctx context.Context, env *types.JobEnvelope) error {
	if env.ETA == nil {
		return fmt.Errorf("sqlite backend: schedule requires an ETA")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("sqlite backend: marshal envelope: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO schedule (task_id, eta, envelope) VALUES (?, ?, ?)
		 ON CONFLICT (task_id) DO UPDATE SET eta = excluded.eta, envelope = excluded.envelope`,
		env.TaskID, env.ETA.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("sqlite backend: schedule: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite backend: begin promote: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT task_id, envelope FROM schedule WHERE eta <= ? ORDER BY eta`, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite backend: promote select: %w", err)
	}

	type due struct{ taskID, envelope string }
	var dues []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.taskID, &d.envelope); err != nil {
			rows.Close()
			return 0, fmt.Errorf("sqlite backend: promote scan: %w", err)
		}
		dues = append(dues, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("sqlite backend: promote rows: %w", err)
	}

	for _, d := range dues {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue (task_id, envelope) VALUES (?, ?)`, d.taskID, d.envelope); err != nil {
			return 0, fmt.Errorf("sqlite backend: promote push: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM schedule WHERE task_id = ?`, d.taskID); err != nil {
			return 0, fmt.Errorf("sqlite backend: promote delete: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite backend: promote commit: %w", err)
	}
	return len(dues), nil
}

func (b *SQLiteBackend) ScheduledTask(ctx context.Context, taskID string) (*types.JobEnvelope, error) {
	var raw string
	err := b.db.QueryRowContext(ctx,
		`SELECT envelope FROM schedule WHERE task_id = ?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		b.logger.Warn("scheduled task lookup failed", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	var env types.JobEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Warn("corrupt schedule row", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	return &env, nil
}

func (b *SQLiteBackend) RemoveScheduled(ctx context.Context, taskID string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM schedule WHERE task_id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("sqlite backend: remove scheduled: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (b *SQLiteBackend) listEnvelopes(ctx context.Context, query string) ([]*types.JobEnvelope, error) {
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		b.logger.Warn("envelope listing failed", "error", err.Error())
		return nil, nil
	}
	defer rows.Close()

	var envs []*types.JobEnvelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var env types.JobEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			b.logger.Warn("skipping corrupt envelope row", "error", err.Error())
			continue
		}
		envs = append(envs, &env)
	}
	return envs, nil
}

func (b *SQLiteBackend) ListQueued(ctx context.Context) ([]*types.JobEnvelope, error) {
	return b.listEnvelopes(ctx, `SELECT envelope FROM queue ORDER BY seq`)
}

func (b *SQLiteBackend) ListScheduled(ctx context.Context) ([]*types.JobEnvelope, error) {
	return b.listEnvelopes(ctx, `SELECT envelope FROM schedule ORDER BY eta`)
}

func (b *SQLiteBackend) Revoke(ctx context.Context, taskID string) error {
	if _, err := b.RemoveScheduled(ctx, taskID); err != nil {
		return err
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO revoked (task_id) VALUES (?) ON CONFLICT (task_id) DO NOTHING`, taskID)
	if err != nil {
		return fmt.Errorf("sqlite backend: revoke: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) CountItems(ctx context.Context) (int, int, error) {
	var queued, scheduled int
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&queued); err != nil {
		return 0, 0, fmt.Errorf("sqlite backend: count queue: %w", err)
	}
	if err := b.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schedule`).Scan(&scheduled); err != nil {
		return 0, 0, fmt.Errorf("sqlite backend: count schedule: %w", err)
	}
	return queued, scheduled, nil
}

func (b *SQLiteBackend) StoreResult(ctx context.Context, res *types.TaskResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("sqlite backend: marshal result: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO results (task_id, completed_at, doc) VALUES (?, ?, ?)
		 ON CONFLICT (task_id) DO UPDATE SET completed_at = excluded.completed_at, doc = excluded.doc`,
		res.TaskID, res.CompletedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("sqlite backend: store result: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) EnumerateResults(ctx context.Context) (map[string]*types.TaskResult, error) {
	out := make(map[string]*types.TaskResult)
	rows, err := b.db.QueryContext(ctx, `SELECT task_id, doc FROM results`)
	if err != nil {
		b.logger.Warn("results enumeration failed", "error", err.Error())
		return out, nil
	}
	defer rows.Close()

	for rows.Next() {
		var taskID, raw string
		if err := rows.Scan(&taskID, &raw); err != nil {
			continue
		}
		var res types.TaskResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			b.logger.Warn("skipping corrupt result row", "task_id", taskID, "error", err.Error())
			continue
		}
		out[taskID] = &res
	}
	return out, nil
}

func (b *SQLiteBackend) DeleteResult(ctx context.Context, taskID string) (bool, error) {
	res, err := b.db.ExecContext(ctx, `DELETE FROM results WHERE task_id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("sqlite backend: delete result: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (b *SQLiteBackend) StoreTaskMetadata(ctx context.Context, md *types.TaskMetadata) error {
	if err := b.ensureMetadataTable(ctx); err != nil {
		return fmt.Errorf("sqlite backend: metadata table: %w", err)
	}
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("sqlite backend: marshal metadata: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO task_metadata (task_id, created_at, doc) VALUES (?, ?, ?)
		 ON CONFLICT (task_id) DO UPDATE SET doc = excluded.doc`,
		md.TaskID, md.Timestamp.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("sqlite backend: store metadata: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) GetTaskMetadata(ctx context.Context, taskID string) (*types.TaskMetadata, error) {
	if err := b.ensureMetadataTable(ctx); err != nil {
		return nil, nil
	}
	var raw string
	err := b.db.QueryRowContext(ctx,
		`SELECT doc FROM task_metadata WHERE task_id = ?`, taskID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		b.logger.Warn("metadata lookup failed", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	var md types.TaskMetadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		b.logger.Warn("corrupt metadata row", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	return &md, nil
}

func (b *SQLiteBackend) DeleteTaskMetadata(ctx context.Context, taskID string) (bool, error) {
	if err := b.ensureMetadataTable(ctx); err != nil {
		return false, nil
	}
	res, err := b.db.ExecContext(ctx, `DELETE FROM task_metadata WHERE task_id = ?`, taskID)
	if err != nil {
		return false, fmt.Errorf("sqlite backend: delete metadata: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (b *SQLiteBackend) AppendRetryAttempt(ctx context.Context, rec *types.RetryAttemptRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqlite backend: marshal retry attempt: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO retry_attempts (task_id, attempt, created_at, doc) VALUES (?, ?, ?, ?)
		 ON CONFLICT (task_id, attempt) DO NOTHING`,
		rec.TaskID, rec.Attempt, rec.Timestamp.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("sqlite backend: append retry attempt: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ListRetryAttempts(ctx context.Context, taskID string) ([]types.RetryAttemptRecord, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT doc FROM retry_attempts WHERE task_id = ? ORDER BY attempt`, taskID)
	if err != nil {
		b.logger.Warn("retry attempt listing failed", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	defer rows.Close()

	var recs []types.RetryAttemptRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var rec types.RetryAttemptRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			b.logger.Warn("skipping corrupt retry attempt row", "task_id", taskID, "error", err.Error())
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (b *SQLiteBackend) PurgeTaskHistory(ctx context.Context, taskID string) error {
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM retry_attempts WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("sqlite backend: purge retry attempts: %w", err)
	}
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM revoked WHERE task_id = ?`, taskID); err != nil {
		return fmt.Errorf("sqlite backend: purge revoked marker: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) CleanupOldRetryAttempts(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM retry_attempts WHERE created_at < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite backend: cleanup retry attempts: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *SQLiteBackend) AppendDelivered(ctx context.Context, rec *types.DeliveredRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("sqlite backend: marshal delivered record: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO delivered (task_id, created_at, doc) VALUES (?, ?, ?)`,
		rec.TaskID, rec.Timestamp.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("sqlite backend: append delivered: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) ListDelivered(ctx context.Context, limit int) ([]types.DeliveredRecord, error) {
	query := `SELECT doc FROM delivered ORDER BY seq DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		b.logger.Warn("delivered listing failed", "error", err.Error())
		return nil, nil
	}
	defer rows.Close()

	var recs []types.DeliveredRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			continue
		}
		var rec types.DeliveredRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			b.logger.Warn("skipping corrupt delivered row", "error", err.Error())
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (b *SQLiteBackend) ClearAll(ctx context.Context) (types.ClearCounts, error) {
	if err := b.ensureMetadataTable(ctx); err != nil {
		return types.ClearCounts{}, fmt.Errorf("sqlite backend: metadata table: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return types.ClearCounts{}, fmt.Errorf("sqlite backend: begin clear: %w", err)
	}
	defer tx.Rollback()

	clear := func(table string) (int, error) {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	}

	var counts types.ClearCounts
	if counts.Queued, err = clear("queue"); err != nil {
		return counts, fmt.Errorf("sqlite backend: clear queue: %w", err)
	}
	if counts.Scheduled, err = clear("schedule"); err != nil {
		return counts, fmt.Errorf("sqlite backend: clear schedule: %w", err)
	}
	if counts.Results, err = clear("results"); err != nil {
		return counts, fmt.Errorf("sqlite backend: clear results: %w", err)
	}
	if counts.Metadata, err = clear("task_metadata"); err != nil {
		return counts, fmt.Errorf("sqlite backend: clear metadata: %w", err)
	}
	if counts.RetryAttempts, err = clear("retry_attempts"); err != nil {
		return counts, fmt.Errorf("sqlite backend: clear retry attempts: %w", err)
	}
	if _, err = clear("revoked"); err != nil {
		return counts, fmt.Errorf("sqlite backend: clear revoked: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return counts, fmt.Errorf("sqlite backend: clear commit: %w", err)
	}
	return counts, nil
}

func (b *SQLiteBackend) Close() error { return b.db.Close() }
