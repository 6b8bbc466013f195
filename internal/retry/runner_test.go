package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changewatch/internal/queue"
	"changewatch/internal/storage"
	"changewatch/internal/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

// stubDeliverer fails a fixed number of times, then succeeds.
type stubDeliverer struct {
	failures int
	calls    int
}

func (d *stubDeliverer) Deliver(ctx context.Context, p types.NotificationPayload) (types.DeliveryResult, error) {
	d.calls++
	if d.calls <= d.failures {
		return types.DeliveryResult{Log: []string{"attempt log"}}, errors.New("connection refused")
	}
	return types.DeliveryResult{Log: []string{"delivered log"}}, nil
}

func newRunnerFixture(t *testing.T, deliverer types.Deliverer, policy Policy, clock types.Clock) (*Runner, storage.Backend, *queue.TaskQueue) {
	t.Helper()
	backend, err := storage.NewFileBackend(t.TempDir(), nopLogger{})
	require.NoError(t, err)

	q := queue.New(backend, nopLogger{}, queue.WithClock(clock))
	r := NewRunner(q, backend, deliverer, func() Policy { return policy }, nopLogger{}, clock)
	return r, backend, q
}

func testEnvelope(attempt int) *types.JobEnvelope {
	return &types.JobEnvelope{
		Version:    types.EnvelopeVersion,
		TaskID:     "task-1",
		EnqueuedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Attempt:    attempt,
		Payload: types.NotificationPayload{
			WatchUUID:        "watch-1",
			WatchURL:         "https://example.com",
			NotificationURLs: []string{"https://hooks.example.com/x"},
			Title:            "Change detected",
			Body:             "The page changed",
		},
	}
}

func TestExecuteSuccessRecordsDelivery(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r, backend, _ := newRunnerFixture(t, &stubDeliverer{}, Policy{MaxRetries: 3, BaseDelay: time.Minute}, clock)

	ctx := context.Background()
	env := testEnvelope(0)

	// Simulate a stale failure result and metadata from an earlier attempt.
	require.NoError(t, backend.StoreResult(ctx, &types.TaskResult{
		TaskID: env.TaskID, Status: types.StatusFailed, CompletedAt: clock.t,
	}))
	require.NoError(t, backend.StoreTaskMetadata(ctx, &types.TaskMetadata{
		TaskID: env.TaskID, Timestamp: env.EnqueuedAt,
	}))

	delivered, err := r.Execute(ctx, env)
	require.NoError(t, err)
	assert.True(t, delivered)

	recs, err := backend.ListDelivered(ctx, 0)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, env.TaskID, recs[0].TaskID)
	assert.Equal(t, clock.t, recs[0].Timestamp)
	assert.Equal(t, []string{"delivered log"}, recs[0].DeliveryLog)

	results, err := backend.EnumerateResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	md, err := backend.GetTaskMetadata(ctx, env.TaskID)
	require.NoError(t, err)
	assert.Nil(t, md)
}

func TestExecuteFailureSchedulesRetry(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r, backend, _ := newRunnerFixture(t, &stubDeliverer{failures: 10}, Policy{MaxRetries: 3, BaseDelay: time.Minute}, clock)

	ctx := context.Background()
	env := testEnvelope(0)

	delivered, err := r.Execute(ctx, env)
	require.NoError(t, err)
	assert.False(t, delivered)

	// Retry of attempt 1 scheduled at now + 60s.
	next, err := backend.ScheduledTask(ctx, env.TaskID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 1, next.Attempt)
	require.NotNil(t, next.ETA)
	assert.Equal(t, clock.t.Add(time.Minute), next.ETA.UTC())

	// The failure result is stored even while the retry is pending.
	results, err := backend.EnumerateResults(ctx)
	require.NoError(t, err)
	require.Contains(t, results, env.TaskID)
	assert.Equal(t, types.StatusFailed, results[env.TaskID].Status)
	assert.Equal(t, "connection refused", results[env.TaskID].Error)

	attempts, err := backend.ListRetryAttempts(ctx, env.TaskID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, attempts[0].Attempt)
	assert.Equal(t, "connection refused", attempts[0].Error)
}

func TestExecuteBackoffDoublesPerAttempt(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r, backend, _ := newRunnerFixture(t, &stubDeliverer{failures: 10}, Policy{MaxRetries: 5, BaseDelay: time.Minute}, clock)

	ctx := context.Background()

	_, err := r.Execute(ctx, testEnvelope(2))
	require.NoError(t, err)

	next, err := backend.ScheduledTask(ctx, "task-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, 3, next.Attempt)
	assert.Equal(t, clock.t.Add(4*time.Minute), next.ETA.UTC())
}

func TestExecuteExhaustedBudgetLeavesDeadLetter(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r, backend, _ := newRunnerFixture(t, &stubDeliverer{failures: 10}, Policy{MaxRetries: 3, BaseDelay: time.Minute}, clock)

	ctx := context.Background()

	// Attempt 3 failing with MaxRetries=3 exhausts the budget.
	delivered, err := r.Execute(ctx, testEnvelope(3))
	require.NoError(t, err)
	assert.False(t, delivered)

	next, err := backend.ScheduledTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Nil(t, next)

	results, err := backend.EnumerateResults(ctx)
	require.NoError(t, err)
	require.Contains(t, results, "task-1")
	assert.Equal(t, types.StatusFailed, results["task-1"].Status)
}

func TestExecuteZeroRetryBudget(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	r, backend, _ := newRunnerFixture(t, &stubDeliverer{failures: 10}, Policy{MaxRetries: 0, BaseDelay: time.Minute}, clock)

	ctx := context.Background()
	delivered, err := r.Execute(ctx, testEnvelope(0))
	require.NoError(t, err)
	assert.False(t, delivered)

	next, err := backend.ScheduledTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Nil(t, next)

	attempts, err := backend.ListRetryAttempts(ctx, "task-1")
	require.NoError(t, err)
	assert.Empty(t, attempts)
}
