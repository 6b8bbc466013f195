package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"changewatch/internal/types"
)

// Compile-time assertion that RedisBackend implements Backend.
var _ Backend = (*RedisBackend)(nil)

// Key layout. The immediate queue is a list (LPUSH head, RPOP tail = FIFO),
// the delayed schedule is a sorted set scored by ETA with envelope bodies in
// companion keys, and results/metadata/attempt histories are namespaced keys
// enumerated via SCAN, never a blocking full-keyspace dump.
const (
	redisKeyQueue        = "changewatch:queue"
	redisKeySchedule     = "changewatch:schedule"
	redisKeyScheduleTask = "changewatch:schedule:task:" // + task_id
	redisKeyResult       = "changewatch:result:"        // + task_id
	redisKeyMetadata     = "changewatch:meta:"          // + task_id
	redisKeyAttempts     = "changewatch:attempts:"      // + task_id
	redisKeyDelivered    = "changewatch:delivered"
	redisKeyRevoked      = "changewatch:revoked"

	redisScanPageSize = 200
)

// RedisBackend stores queue state in a Redis instance, suitable for
// distributing workers across multiple hosts.
type RedisBackend struct {
	client *redis.Client
	logger types.Logger
}

// NewRedisBackend connects to the Redis instance described by url
// (redis://host:port/db form) and verifies the connection.
func NewRedisBackend(ctx context.Context, url string, logger types.Logger) (*RedisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis backend: parse url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis backend: ping: %w", err)
	}
	return &RedisBackend{client: client, logger: logger}, nil
}

func (b *RedisBackend) Push(ctx context.Context, env *types.JobEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis backend: marshal envelope: %w", err)
	}
	if err := b.client.LPush(ctx, redisKeyQueue, data).Err(); err != nil {
		return fmt.Errorf("redis backend: push: %w", err)
	}
	return nil
}

func (b *RedisBackend) Pop(ctx context.Context) (*types.JobEnvelope, error) {
	for {
		raw, err := b.client.RPop(ctx, redisKeyQueue).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("redis backend: pop: %w", err)
		}

		var env types.JobEnvelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			b.logger.Warn("discarding corrupt queue entry", "error", err.Error())
			continue
		}

		// SREM returns 1 when the task was marked revoked; the entry is
		// discarded and the marker consumed in the same call.
		revoked, err := b.client.SRem(ctx, redisKeyRevoked, env.TaskID).Result()
		if err != nil {
			return nil, fmt.Errorf("redis backend: pop revocation check: %w", err)
		}
		if revoked > 0 {
			continue
		}
		return &env, nil
	}
}

func (b *RedisBackend) Schedule(ctx context.Context, env *types.JobEnvelope) error {
	if env.ETA == nil {
		return fmt.Errorf("redis backend: schedule requires an ETA")
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("redis backend: marshal envelope: %w", err)
	}

	pipe := b.client.TxPipeline()
	pipe.Set(ctx, redisKeyScheduleTask+env.TaskID, data, 0)
	pipe.ZAdd(ctx, redisKeySchedule, redis.Z{
		Score:  float64(env.ETA.UnixNano()),
		Member: env.TaskID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis backend: schedule: %w", err)
	}
	return nil
}

func (b *RedisBackend) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := b.client.ZRangeByScore(ctx, redisKeySchedule, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixNano()),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis backend: promote range: %w", err)
	}

	promoted := 0
	for _, taskID := range due {
		// ZREM first: only the caller that removes the member promotes it,
		// so concurrent promoters never duplicate a job.
		removed, err := b.client.ZRem(ctx, redisKeySchedule, taskID).Result()
		if err != nil || removed == 0 {
			continue
		}
		raw, err := b.client.GetDel(ctx, redisKeyScheduleTask+taskID).Result()
		if err != nil {
			b.logger.Warn("scheduled envelope missing during promotion", "task_id", taskID)
			continue
		}
		if err := b.client.LPush(ctx, redisKeyQueue, raw).Err(); err != nil {
			return promoted, fmt.Errorf("redis backend: promote push: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

func (b *RedisBackend) ScheduledTask(ctx context.Context, taskID string) (*types.JobEnvelope, error) {
	// Membership in the sorted set is authoritative; the companion key alone
	// is not enough once promotion has begun.
	if err := b.client.ZScore(ctx, redisKeySchedule, taskID).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		b.logger.Warn("scheduled task lookup failed", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	raw, err := b.client.Get(ctx, redisKeyScheduleTask+taskID).Result()
	if err != nil {
		return nil, nil
	}
	var env types.JobEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		b.logger.Warn("corrupt schedule entry", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	return &env, nil
}

func (b *RedisBackend) RemoveScheduled(ctx context.Context, taskID string) (bool, error) {
	removed, err := b.client.ZRem(ctx, redisKeySchedule, taskID).Result()
	if err != nil {
		return false, fmt.Errorf("redis backend: remove scheduled: %w", err)
	}
	b.client.Del(ctx, redisKeyScheduleTask+taskID)
	return removed > 0, nil
}

func (b *RedisBackend) ListQueued(ctx context.Context) ([]*types.JobEnvelope, error) {
	raws, err := b.client.LRange(ctx, redisKeyQueue, 0, -1).Result()
	if err != nil {
		b.logger.Warn("queue listing failed", "error", err.Error())
		return nil, nil
	}

	// LPUSH puts newest at index 0; walk backwards for FIFO order.
	envs := make([]*types.JobEnvelope, 0, len(raws))
	for i := len(raws) - 1; i >= 0; i-- {
		var env types.JobEnvelope
		if err := json.Unmarshal([]byte(raws[i]), &env); err != nil {
			b.logger.Warn("skipping corrupt queue entry", "error", err.Error())
			continue
		}
		envs = append(envs, &env)
	}
	return envs, nil
}

func (b *RedisBackend) ListScheduled(ctx context.Context) ([]*types.JobEnvelope, error) {
	taskIDs, err := b.client.ZRange(ctx, redisKeySchedule, 0, -1).Result()
	if err != nil {
		b.logger.Warn("schedule listing failed", "error", err.Error())
		return nil, nil
	}

	var envs []*types.JobEnvelope
	for _, taskID := range taskIDs {
		env, err := b.ScheduledTask(ctx, taskID)
		if err != nil || env == nil {
			continue
		}
		envs = append(envs, env)
	}
	return envs, nil
}

func (b *RedisBackend) Revoke(ctx context.Context, taskID string) error {
	if _, err := b.RemoveScheduled(ctx, taskID); err != nil {
		return err
	}
	if err := b.client.SAdd(ctx, redisKeyRevoked, taskID).Err(); err != nil {
		return fmt.Errorf("redis backend: revoke: %w", err)
	}
	return nil
}

func (b *RedisBackend) CountItems(ctx context.Context) (int, int, error) {
	queued, err := b.client.LLen(ctx, redisKeyQueue).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis backend: count queue: %w", err)
	}
	scheduled, err := b.client.ZCard(ctx, redisKeySchedule).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("redis backend: count schedule: %w", err)
	}
	return int(queued), int(scheduled), nil
}

func (b *RedisBackend) StoreResult(ctx context.Context, res *types.TaskResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("redis backend: marshal result: %w", err)
	}
	if err := b.client.Set(ctx, redisKeyResult+res.TaskID, data, 0).Err(); err != nil {
		return fmt.Errorf("redis backend: store result: %w", err)
	}
	return nil
}

func (b *RedisBackend) EnumerateResults(ctx context.Context) (map[string]*types.TaskResult, error) {
	out := make(map[string]*types.TaskResult)

	iter := b.client.Scan(ctx, 0, redisKeyResult+"*", redisScanPageSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := b.client.Get(ctx, key).Result()
		if err != nil {
			continue
		}
		var res types.TaskResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			b.logger.Warn("skipping corrupt result record", "key", key, "error", err.Error())
			continue
		}
		out[res.TaskID] = &res
	}
	if err := iter.Err(); err != nil {
		b.logger.Warn("results enumeration failed", "error", err.Error())
	}
	return out, nil
}

func (b *RedisBackend) DeleteResult(ctx context.Context, taskID string) (bool, error) {
	removed, err := b.client.Del(ctx, redisKeyResult+taskID).Result()
	if err != nil {
		return false, fmt.Errorf("redis backend: delete result: %w", err)
	}
	return removed > 0, nil
}

func (b *RedisBackend) StoreTaskMetadata(ctx context.Context, md *types.TaskMetadata) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("redis backend: marshal metadata: %w", err)
	}
	if err := b.client.Set(ctx, redisKeyMetadata+md.TaskID, data, 0).Err(); err != nil {
		return fmt.Errorf("redis backend: store metadata: %w", err)
	}
	return nil
}

func (b *RedisBackend) GetTaskMetadata(ctx context.Context, taskID string) (*types.TaskMetadata, error) {
	raw, err := b.client.Get(ctx, redisKeyMetadata+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		b.logger.Warn("metadata lookup failed", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	var md types.TaskMetadata
	if err := json.Unmarshal([]byte(raw), &md); err != nil {
		b.logger.Warn("corrupt metadata record", "task_id", taskID, "error", err.Error())
		return nil, nil
	}
	return &md, nil
}

func (b *RedisBackend) DeleteTaskMetadata(ctx context.Context, taskID string) (bool, error) {
	removed, err := b.client.Del(ctx, redisKeyMetadata+taskID).Result()
	if err != nil {
		return false, fmt.Errorf("redis backend: delete metadata: %w", err)
	}
	return removed > 0, nil
}

// Attempt histories are per-task sorted sets scored by record timestamp so
// that age-based cleanup is a single ZREMRANGEBYSCORE per task.
func (b *RedisBackend) AppendRetryAttempt(ctx context.Context, rec *types.RetryAttemptRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis backend: marshal retry attempt: %w", err)
	}
	err = b.client.ZAdd(ctx, redisKeyAttempts+rec.TaskID, redis.Z{
		Score:  float64(rec.Timestamp.UnixNano()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("redis backend: append retry attempt: %w", err)
	}
	return nil
}

func (b *RedisBackend) ListRetryAttempts(ctx context.Context, taskID string) ([]types.RetryAttemptRecord, error) {
	raws, err := b.client.ZRange(ctx, redisKeyAttempts+taskID, 0, -1).Result()
	if err != nil {
		b.logger.Warn("retry attempt listing failed", "task_id", taskID, "error", err.Error())
		return nil, nil
	}

	var recs []types.RetryAttemptRecord
	for _, raw := range raws {
		var rec types.RetryAttemptRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			b.logger.Warn("skipping corrupt retry attempt", "task_id", taskID, "error", err.Error())
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (b *RedisBackend) PurgeTaskHistory(ctx context.Context, taskID string) error {
	if err := b.client.Del(ctx, redisKeyAttempts+taskID).Err(); err != nil {
		return fmt.Errorf("redis backend: purge retry attempts: %w", err)
	}
	if err := b.client.SRem(ctx, redisKeyRevoked, taskID).Err(); err != nil {
		return fmt.Errorf("redis backend: purge revoked marker: %w", err)
	}
	return nil
}

func (b *RedisBackend) CleanupOldRetryAttempts(ctx context.Context, cutoff time.Time) (int, error) {
	deleted := 0
	max := fmt.Sprintf("(%d", cutoff.UnixNano())

	iter := b.client.Scan(ctx, 0, redisKeyAttempts+"*", redisScanPageSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		removed, err := b.client.ZRemRangeByScore(ctx, key, "-inf", max).Result()
		if err != nil {
			continue
		}
		deleted += int(removed)
	}
	if err := iter.Err(); err != nil {
		return deleted, fmt.Errorf("redis backend: cleanup retry attempts: %w", err)
	}
	return deleted, nil
}

func (b *RedisBackend) AppendDelivered(ctx context.Context, rec *types.DeliveredRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis backend: marshal delivered record: %w", err)
	}
	if err := b.client.LPush(ctx, redisKeyDelivered, data).Err(); err != nil {
		return fmt.Errorf("redis backend: append delivered: %w", err)
	}
	return nil
}

func (b *RedisBackend) ListDelivered(ctx context.Context, limit int) ([]types.DeliveredRecord, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raws, err := b.client.LRange(ctx, redisKeyDelivered, 0, stop).Result()
	if err != nil {
		b.logger.Warn("delivered listing failed", "error", err.Error())
		return nil, nil
	}

	var recs []types.DeliveredRecord
	for _, raw := range raws {
		var rec types.DeliveredRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			b.logger.Warn("skipping corrupt delivered record", "error", err.Error())
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// deleteByPattern removes every key matching pattern and returns the count.
func (b *RedisBackend) deleteByPattern(ctx context.Context, pattern string) int {
	deleted := 0
	iter := b.client.Scan(ctx, 0, pattern, redisScanPageSize).Iterator()
	for iter.Next(ctx) {
		if removed, err := b.client.Del(ctx, iter.Val()).Result(); err == nil {
			deleted += int(removed)
		}
	}
	return deleted
}

func (b *RedisBackend) ClearAll(ctx context.Context) (types.ClearCounts, error) {
	var counts types.ClearCounts

	queued, _ := b.client.LLen(ctx, redisKeyQueue).Result()
	scheduled, _ := b.client.ZCard(ctx, redisKeySchedule).Result()
	counts.Queued = int(queued)
	counts.Scheduled = int(scheduled)

	if err := b.client.Del(ctx, redisKeyQueue, redisKeySchedule, redisKeyRevoked).Err(); err != nil {
		return counts, fmt.Errorf("redis backend: clear queue: %w", err)
	}
	b.deleteByPattern(ctx, redisKeyScheduleTask+"*")
	counts.Results = b.deleteByPattern(ctx, redisKeyResult+"*")
	counts.Metadata = b.deleteByPattern(ctx, redisKeyMetadata+"*")

	// Attempt keys are per-task sorted sets; count members, not keys, so the
	// per-category counts line up with the other backends.
	iter := b.client.Scan(ctx, 0, redisKeyAttempts+"*", redisScanPageSize).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		n, err := b.client.ZCard(ctx, key).Result()
		if err != nil {
			continue
		}
		if err := b.client.Del(ctx, key).Err(); err == nil {
			counts.RetryAttempts += int(n)
		}
	}
	return counts, nil
}

func (b *RedisBackend) Close() error { return b.client.Close() }
