package executor

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"go.climref.org/infra/ref/go/types"
)

// defaultPoolWorkers is used when a Pool is created with a worker count
// below 1.
const defaultPoolWorkers = 4

// Pool runs pending executions on a bounded pool of in-process workers.
// The store's compare-and-set claim keeps two workers off the same
// execution, and the one-running-per-group index keeps a group's
// executions serialized.
type Pool struct {
	runner  *Runner
	workers int
}

// NewPool returns a pool executor with the given parallelism.
func NewPool(runner *Runner, workers int) *Pool {
	if workers < 1 {
		workers = defaultPoolWorkers
	}
	return &Pool{runner: runner, workers: workers}
}

// Name implements Executor.
func (p *Pool) Name() string {
	return "local-pool"
}

// Run implements Executor.
func (p *Pool) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	for {
		pending, err := p.runner.store.PendingExecutions(ctx, 0)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			return summary, nil
		}
		round := &Summary{}
		mtx := sync.Mutex{}
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(p.workers)
		for i := range pending {
			id := pending[i].ID
			eg.Go(func() error {
				status, err := p.runner.Run(egCtx, id)
				if err != nil {
					return err
				}
				mtx.Lock()
				defer mtx.Unlock()
				switch status {
				case types.StatusSucceeded:
					round.Succeeded++
				case types.StatusFailed:
					round.Failed++
				default:
					round.Skipped++
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return summary, err
		}
		summary.Succeeded += round.Succeeded
		summary.Failed += round.Failed
		if round.Succeeded == 0 && round.Failed == 0 {
			summary.Skipped = round.Skipped
			return summary, nil
		}
	}
}
