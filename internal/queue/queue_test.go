package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changewatch/internal/storage"
	"changewatch/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Error(msg string, args ...any) {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) With(args ...any) types.Logger { return nopLogger{} }

type recordingListener struct {
	enqueued []string
	dequeued []string
}

func (l *recordingListener) JobEnqueued(env *types.JobEnvelope) {
	l.enqueued = append(l.enqueued, env.TaskID)
}

func (l *recordingListener) JobDequeued(env *types.JobEnvelope) {
	l.dequeued = append(l.dequeued, env.TaskID)
}

type panickingListener struct{}

func (panickingListener) JobEnqueued(env *types.JobEnvelope) { panic("listener bug") }
func (panickingListener) JobDequeued(env *types.JobEnvelope) { panic("listener bug") }

func newQueue(t *testing.T, opts ...Option) (*TaskQueue, storage.Backend) {
	t.Helper()
	backend, err := storage.NewFileBackend(t.TempDir(), nopLogger{})
	require.NoError(t, err)
	opts = append(opts, WithPollInterval(10*time.Millisecond))
	return New(backend, nopLogger{}, opts...), backend
}

func payload() types.NotificationPayload {
	return types.NotificationPayload{
		WatchUUID:        "watch-1",
		WatchURL:         "https://example.com",
		NotificationURLs: []string{"https://hooks.example.com/x"},
		Title:            "Change detected",
		Body:             "body",
	}
}

func TestEnqueueAssignsTaskIDAndStoresMetadata(t *testing.T) {
	q, backend := newQueue(t)
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, payload())
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	md, err := backend.GetTaskMetadata(ctx, taskID)
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, taskID, md.TaskID)
	assert.False(t, md.Timestamp.IsZero())

	env, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, env)
	assert.Equal(t, taskID, env.TaskID)
	assert.Equal(t, 0, env.Attempt)
	assert.Equal(t, types.EnvelopeVersion, env.Version)
	assert.Equal(t, "watch-1", env.Payload.WatchUUID)
}

func TestDequeueFIFOAcrossEnqueues(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := q.Enqueue(ctx, payload())
		require.NoError(t, err)
		ids = append(ids, id)
		time.Sleep(time.Millisecond)
	}

	for _, want := range ids {
		env, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, env.TaskID)
	}
}

func TestDequeueBlocksUntilCancelled(t *testing.T) {
	q, _ := newQueue(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	env, err := q.Dequeue(ctx)
	assert.Nil(t, env)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

// flakyBackend fails every Pop, standing in for a backend that is down.
type flakyBackend struct {
	storage.Backend
	pops int
}

func (b *flakyBackend) Pop(ctx context.Context) (*types.JobEnvelope, error) {
	b.pops++
	return nil, errors.New("connection reset")
}

func TestDequeuePacesPollingWhenBackendIsDown(t *testing.T) {
	inner, err := storage.NewFileBackend(t.TempDir(), nopLogger{})
	require.NoError(t, err)
	backend := &flakyBackend{Backend: inner}
	q := New(backend, nopLogger{}, WithPollInterval(20*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	env, err := q.Dequeue(ctx)
	assert.Nil(t, env)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// Each failed pop waits out the poll interval, so only a handful of
	// polls fit into the deadline rather than a zero-delay busy loop.
	assert.LessOrEqual(t, backend.pops, 10)
}

func TestEnqueueAtSchedulesForLater(t *testing.T) {
	q, backend := newQueue(t)
	ctx := context.Background()

	env := &types.JobEnvelope{
		Version: types.EnvelopeVersion,
		TaskID:  "t1",
		Attempt: 1,
		Payload: payload(),
	}
	eta := time.Now().UTC().Add(time.Hour)
	require.NoError(t, q.EnqueueAt(ctx, env, eta))

	queued, scheduled, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, queued)
	assert.Equal(t, 1, scheduled)

	got, err := backend.ScheduledTask(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.ETA)
	assert.Equal(t, eta.Truncate(0), got.ETA.UTC())
}

func TestEnqueueExistingClearsETA(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	eta := time.Now().UTC()
	env := &types.JobEnvelope{
		Version: types.EnvelopeVersion,
		TaskID:  "t1",
		ETA:     &eta,
		Payload: payload(),
	}
	require.NoError(t, q.EnqueueExisting(ctx, env))

	got, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.ETA)
}

func TestRevokedJobNotDequeued(t *testing.T) {
	q, _ := newQueue(t)
	ctx := context.Background()

	revoked, err := q.Enqueue(ctx, payload())
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	kept, err := q.Enqueue(ctx, payload())
	require.NoError(t, err)

	require.NoError(t, q.Revoke(ctx, revoked))

	env, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, kept, env.TaskID)
}

func TestListenersObserveActivity(t *testing.T) {
	listener := &recordingListener{}
	q, _ := newQueue(t, WithListener(listener))
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, payload())
	require.NoError(t, err)
	_, err = q.Dequeue(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{taskID}, listener.enqueued)
	assert.Equal(t, []string{taskID}, listener.dequeued)
}

func TestPanickingListenerDoesNotBreakQueue(t *testing.T) {
	q, _ := newQueue(t, WithListener(panickingListener{}))
	ctx := context.Background()

	taskID, err := q.Enqueue(ctx, payload())
	require.NoError(t, err)

	env, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, taskID, env.TaskID)
}
