// Package executor runs pending executions. All variants share one runner
// which drives a single execution through its lifecycle; they differ only in
// where and with how much parallelism the runner is invoked.
package executor

import (
	"context"
	"fmt"
)

// Summary reports what one executor pass did.
type Summary struct {
	Succeeded int
	Failed    int
	// Skipped executions were claimed by another worker or blocked behind a
	// running execution of the same group. They remain pending.
	Skipped int
	// Submitted counts batch jobs handed to an external scheduler whose
	// outcome is not yet known.
	Submitted int
}

func (s *Summary) String() string {
	return fmt.Sprintf("%d succeeded, %d failed, %d skipped, %d submitted",
		s.Succeeded, s.Failed, s.Skipped, s.Submitted)
}

func (s *Summary) add(other *Summary) {
	s.Succeeded += other.Succeeded
	s.Failed += other.Failed
	s.Skipped += other.Skipped
	s.Submitted += other.Submitted
}

// Executor drains the pending execution queue.
type Executor interface {
	// Name identifies the executor variant in logs and config.
	Name() string
	// Run executes pending executions until none remain, none can make
	// progress, or the context is done.
	Run(ctx context.Context) (*Summary, error)
}
