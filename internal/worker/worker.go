// Package worker runs the notification worker pool: N goroutines that pull
// jobs from the queue and execute them through the retry runner, plus the
// single promoter loop that moves due scheduled retries back into the
// immediate queue.
package worker

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"changewatch/internal/queue"
	"changewatch/internal/retry"
	"changewatch/internal/types"
)

// Pool drives job execution until its context is cancelled.
type Pool struct {
	queue   *queue.TaskQueue
	runner  *retry.Runner
	logger  types.Logger
	workers int
}

// NewPool creates a worker pool of the given size.
func NewPool(q *queue.TaskQueue, runner *retry.Runner, logger types.Logger, workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:   q,
		runner:  runner,
		logger:  logger,
		workers: workers,
	}
}

// Run starts the workers and the promoter loop and blocks until ctx is
// cancelled. It returns nil on clean shutdown.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		id := i
		g.Go(func() error {
			return p.runWorker(ctx, id)
		})
	}
	g.Go(func() error {
		return p.queue.RunPromoter(ctx)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runWorker is one dequeue-and-execute loop. Execution errors are logged and
// the loop continues; a job that cannot even persist its outcome is not worth
// killing the worker over, the next poll carries on.
func (p *Pool) runWorker(ctx context.Context, id int) error {
	logger := p.logger.With("worker", id)
	logger.Info("worker started")

	for {
		// Dequeue absorbs backend failures into its polling loop, so an
		// error here means the context ended.
		env, err := p.queue.Dequeue(ctx)
		if err != nil {
			logger.Info("worker stopped")
			return err
		}

		if _, err := p.runner.Execute(ctx, env); err != nil {
			logger.Error("job execution error",
				"task_id", env.TaskID,
				"attempt", env.Attempt,
				"error", err.Error(),
			)
		}
	}
}
