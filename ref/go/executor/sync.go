package executor

import (
	"context"

	"go.climref.org/infra/ref/go/types"
)

// Sync runs pending executions one at a time in the calling process. The
// default executor; no external services required.
type Sync struct {
	runner *Runner
}

// NewSync returns a synchronous executor over the given runner.
func NewSync(runner *Runner) *Sync {
	return &Sync{runner: runner}
}

// Name implements Executor.
func (s *Sync) Name() string {
	return "synchronous"
}

// Run implements Executor. Executions skipped because their group was busy
// are retried in the next round; rounds continue until one makes no
// progress.
func (s *Sync) Run(ctx context.Context) (*Summary, error) {
	summary := &Summary{}
	for {
		pending, err := s.runner.store.PendingExecutions(ctx, 0)
		if err != nil {
			return nil, err
		}
		if len(pending) == 0 {
			return summary, nil
		}
		round := &Summary{}
		for i := range pending {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			status, err := s.runner.Run(ctx, pending[i].ID)
			if err != nil {
				return summary, err
			}
			switch status {
			case types.StatusSucceeded:
				round.Succeeded++
			case types.StatusFailed:
				round.Failed++
			default:
				round.Skipped++
			}
		}
		summary.Succeeded += round.Succeeded
		summary.Failed += round.Failed
		if round.Succeeded == 0 && round.Failed == 0 {
			// Nothing ran; the remaining pending executions are all blocked.
			summary.Skipped = round.Skipped
			return summary, nil
		}
	}
}
