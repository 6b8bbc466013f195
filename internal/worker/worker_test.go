package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changewatch/internal/queue"
	"changewatch/internal/retry"
	"changewatch/internal/storage"
	"changewatch/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Error(msg string, args ...any) {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) With(args ...any) types.Logger { return nopLogger{} }

// countingDeliverer records delivered task IDs.
type countingDeliverer struct {
	mu        sync.Mutex
	delivered []string
}

func (d *countingDeliverer) Deliver(ctx context.Context, p types.NotificationPayload) (types.DeliveryResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, p.WatchUUID)
	return types.DeliveryResult{Log: []string{"ok"}}, nil
}

func (d *countingDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

func TestPoolProcessesQueuedJobs(t *testing.T) {
	backend, err := storage.NewFileBackend(t.TempDir(), nopLogger{})
	require.NoError(t, err)

	q := queue.New(backend, nopLogger{}, queue.WithPollInterval(10*time.Millisecond))
	deliverer := &countingDeliverer{}
	runner := retry.NewRunner(q, backend, deliverer, func() retry.Policy {
		return retry.Policy{MaxRetries: 3, BaseDelay: time.Minute}
	}, nopLogger{}, types.RealClock{})
	pool := NewPool(q, runner, nopLogger{}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, types.NotificationPayload{
			WatchUUID:        "watch",
			NotificationURLs: []string{"https://hooks.example.com/x"},
		})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	require.Eventually(t, func() bool {
		return deliverer.count() == 3
	}, 3*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not shut down")
	}

	recs, err := backend.ListDelivered(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, recs, 3)
}

func TestPoolClampsWorkerCount(t *testing.T) {
	pool := NewPool(nil, nil, nopLogger{}, 0)
	assert.Equal(t, 1, pool.workers)
}
