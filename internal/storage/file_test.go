package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changewatch/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Error(msg string, args ...any) {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) With(args ...any) types.Logger { return nopLogger{} }

func newFileBackend(t *testing.T) *FileBackend {
	t.Helper()
	b, err := NewFileBackend(t.TempDir(), nopLogger{})
	require.NoError(t, err)
	return b
}

func envelope(taskID string) *types.JobEnvelope {
	return &types.JobEnvelope{
		Version:    types.EnvelopeVersion,
		TaskID:     taskID,
		EnqueuedAt: time.Now().UTC(),
		Payload: types.NotificationPayload{
			WatchUUID:        "watch-1",
			NotificationURLs: []string{"https://hooks.example.com/x"},
			Title:            "t",
			Body:             "b",
		},
	}
}

func TestFilePushPopFIFO(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, b.Push(ctx, envelope(id)))
		time.Sleep(time.Millisecond) // distinct filename timestamps
	}

	var got []string
	for {
		env, err := b.Pop(ctx)
		require.NoError(t, err)
		if env == nil {
			break
		}
		got = append(got, env.TaskID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestFilePopEmpty(t *testing.T) {
	b := newFileBackend(t)
	env, err := b.Pop(context.Background())
	require.NoError(t, err)
	assert.Nil(t, env)
}

func TestFileOpenRecoversCrashedClaims(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, envelope("stranded")))

	// Simulate a worker that claimed the entry and died before processing.
	names, err := b.listEntries(dirQueue)
	require.NoError(t, err)
	require.Len(t, names, 1)
	src := filepath.Join(b.root, dirQueue, names[0])
	require.NoError(t, os.Rename(src, filepath.Join(b.root, dirQueue, ".claim-"+names[0])))

	env, err := b.Pop(ctx)
	require.NoError(t, err)
	require.Nil(t, env)

	// Reopening the backend returns the claim to the queue.
	reopened, err := NewFileBackend(b.root, nopLogger{})
	require.NoError(t, err)
	env, err = reopened.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "stranded", env.TaskID)
}

func TestFileScheduleAndPromote(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := envelope("due")
	dueETA := now.Add(-time.Minute)
	due.ETA = &dueETA
	require.NoError(t, b.Schedule(ctx, due))

	future := envelope("future")
	futureETA := now.Add(time.Hour)
	future.ETA = &futureETA
	require.NoError(t, b.Schedule(ctx, future))

	promoted, err := b.PromoteDue(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	env, err := b.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "due", env.TaskID)

	queued, scheduled, err := b.CountItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, queued)
	assert.Equal(t, 1, scheduled)
}

func TestFileScheduleRequiresETA(t *testing.T) {
	b := newFileBackend(t)
	err := b.Schedule(context.Background(), envelope("no-eta"))
	assert.Error(t, err)
}

func TestFileScheduledTaskLookup(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	env := envelope("x")
	eta := time.Now().UTC().Add(time.Hour)
	env.ETA = &eta
	env.Attempt = 2
	require.NoError(t, b.Schedule(ctx, env))

	got, err := b.ScheduledTask(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Attempt)

	missing, err := b.ScheduledTask(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestFileRemoveScheduledIdempotent(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	env := envelope("x")
	eta := time.Now().UTC().Add(time.Hour)
	env.ETA = &eta
	require.NoError(t, b.Schedule(ctx, env))

	removed, err := b.RemoveScheduled(ctx, "x")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = b.RemoveScheduled(ctx, "x")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestFileRevokeQueuedEntrySkippedAtPop(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, envelope("revoked")))
	time.Sleep(time.Millisecond)
	require.NoError(t, b.Push(ctx, envelope("kept")))
	require.NoError(t, b.Revoke(ctx, "revoked"))

	env, err := b.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "kept", env.TaskID)
}

func TestFileRevokeRemovesScheduleEntry(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	env := envelope("x")
	eta := time.Now().UTC().Add(time.Hour)
	env.ETA = &eta
	require.NoError(t, b.Schedule(ctx, env))
	require.NoError(t, b.Revoke(ctx, "x"))

	got, err := b.ScheduledTask(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileResultRoundTripAndIdempotentDelete(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	res := &types.TaskResult{
		TaskID:      "r1",
		Status:      types.StatusFailed,
		Error:       "boom",
		CompletedAt: time.Now().UTC(),
	}
	require.NoError(t, b.StoreResult(ctx, res))

	all, err := b.EnumerateResults(ctx)
	require.NoError(t, err)
	require.Contains(t, all, "r1")
	assert.Equal(t, "boom", all["r1"].Error)

	deleted, err := b.DeleteResult(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = b.DeleteResult(ctx, "r1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestFileCorruptResultQuarantined(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	shardDir := filepath.Join(b.root, dirResults, "ab")
	require.NoError(t, os.MkdirAll(shardDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(shardDir, "bad.json"), []byte("{truncated"), 0o644))

	all, err := b.EnumerateResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)

	// The corrupt file is moved aside, not deleted.
	_, err = os.Stat(filepath.Join(b.root, dirLostFound, "bad.json.corrupted"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(shardDir, "bad.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestFileMetadataRoundTrip(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	md := &types.TaskMetadata{
		TaskID:    "m1",
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, b.StoreTaskMetadata(ctx, md))

	got, err := b.GetTaskMetadata(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, md.Timestamp, got.Timestamp)

	deleted, err := b.DeleteTaskMetadata(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = b.DeleteTaskMetadata(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, deleted)

	got, err = b.GetTaskMetadata(ctx, "m1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileRetryAttemptsOrderedByAttempt(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	for _, n := range []int{2, 1, 3} {
		require.NoError(t, b.AppendRetryAttempt(ctx, &types.RetryAttemptRecord{
			TaskID:    "t1",
			Attempt:   n,
			Timestamp: time.Now().UTC(),
		}))
	}
	require.NoError(t, b.AppendRetryAttempt(ctx, &types.RetryAttemptRecord{
		TaskID: "other", Attempt: 1, Timestamp: time.Now().UTC(),
	}))

	recs, err := b.ListRetryAttempts(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, 1, recs[0].Attempt)
	assert.Equal(t, 2, recs[1].Attempt)
	assert.Equal(t, 3, recs[2].Attempt)
}

func TestFilePurgeTaskHistory(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	for _, n := range []int{1, 2} {
		require.NoError(t, b.AppendRetryAttempt(ctx, &types.RetryAttemptRecord{
			TaskID: "t1", Attempt: n, Timestamp: time.Now().UTC(),
		}))
	}
	require.NoError(t, b.AppendRetryAttempt(ctx, &types.RetryAttemptRecord{
		TaskID: "other", Attempt: 1, Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, b.Revoke(ctx, "t1"))

	require.NoError(t, b.PurgeTaskHistory(ctx, "t1"))

	recs, err := b.ListRetryAttempts(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, recs)
	recs, err = b.ListRetryAttempts(ctx, "other")
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	// The stale revocation marker is gone too: a re-queued task with the
	// same ID must not be discarded at Pop.
	require.NoError(t, b.Push(ctx, envelope("t1")))
	env, err := b.Pop(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, "t1", env.TaskID)
}

func TestFileCleanupOldRetryAttemptsArchives(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	require.NoError(t, b.AppendRetryAttempt(ctx, &types.RetryAttemptRecord{
		TaskID: "old", Attempt: 1, Timestamp: time.Now().UTC(),
	}))
	require.NoError(t, b.AppendRetryAttempt(ctx, &types.RetryAttemptRecord{
		TaskID: "fresh", Attempt: 1, Timestamp: time.Now().UTC(),
	}))

	// Age the first record's file.
	past := time.Now().Add(-48 * time.Hour)
	oldPath := filepath.Join(b.root, dirRetryAttempts, "old-001.json")
	require.NoError(t, os.Chtimes(oldPath, past, past))

	deleted, err := b.CleanupOldRetryAttempts(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	recs, err := b.ListRetryAttempts(ctx, "fresh")
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	recs, err = b.ListRetryAttempts(ctx, "old")
	require.NoError(t, err)
	assert.Empty(t, recs)

	// The pruned records were archived before deletion.
	archives, err := os.ReadDir(filepath.Join(b.root, dirAttemptArch))
	require.NoError(t, err)
	assert.NotEmpty(t, archives)
}

func TestFileDeliveredNewestFirstWithLimit(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"first", "second", "third"} {
		require.NoError(t, b.AppendDelivered(ctx, &types.DeliveredRecord{
			TaskID:    id,
			Timestamp: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	recs, err := b.ListDelivered(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "third", recs[0].TaskID)
	assert.Equal(t, "second", recs[1].TaskID)
}

func TestFileClearAllCounts(t *testing.T) {
	b := newFileBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Push(ctx, envelope("q1")))
	sched := envelope("s1")
	eta := time.Now().UTC().Add(time.Hour)
	sched.ETA = &eta
	require.NoError(t, b.Schedule(ctx, sched))
	require.NoError(t, b.StoreResult(ctx, &types.TaskResult{TaskID: "r1", Status: types.StatusFailed, CompletedAt: time.Now().UTC()}))
	require.NoError(t, b.StoreTaskMetadata(ctx, &types.TaskMetadata{TaskID: "m1", Timestamp: time.Now().UTC()}))
	require.NoError(t, b.AppendRetryAttempt(ctx, &types.RetryAttemptRecord{TaskID: "a1", Attempt: 1, Timestamp: time.Now().UTC()}))

	counts, err := b.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Queued)
	assert.Equal(t, 1, counts.Scheduled)
	assert.Equal(t, 1, counts.Results)
	assert.Equal(t, 1, counts.Metadata)
	assert.Equal(t, 1, counts.RetryAttempts)
	assert.Equal(t, 5, counts.Total())

	queued, scheduled, err := b.CountItems(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)
	assert.Zero(t, scheduled)

	results, err := b.EnumerateResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}
