package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.climref.org/infra/go/metrics2"
	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/go/util"
	"go.climref.org/infra/ref/go/db"
	"go.climref.org/infra/ref/go/provider"
	"go.climref.org/infra/ref/go/types"
)

// maxReasonLen caps stored failure reasons.
const maxReasonLen = 1024

// Runner drives a single execution through its lifecycle: claim, run,
// collect, record, finish. Safe for concurrent use; the store's
// compare-and-set transitions arbitrate between concurrent runners.
type Runner struct {
	store    db.Store
	registry *provider.Registry
	// resultsRoot is where execution output fragments are rooted.
	resultsRoot string
	// scratchRoot holds per-execution working directories.
	scratchRoot string
	// retainScratchOnFailure keeps the scratch directory of failed
	// executions around for debugging.
	retainScratchOnFailure bool
}

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	ResultsRoot            string
	ScratchRoot            string
	RetainScratchOnFailure bool
}

// NewRunner returns a Runner writing results and scratch under the given
// roots.
func NewRunner(store db.Store, registry *provider.Registry, opts RunnerOptions) *Runner {
	return &Runner{
		store:                  store,
		registry:               registry,
		resultsRoot:            opts.ResultsRoot,
		scratchRoot:            opts.ScratchRoot,
		retainScratchOnFailure: opts.RetainScratchOnFailure,
	}
}

// Run executes one pending execution to a terminal state. The returned
// status is empty when the execution was skipped: either another worker
// claimed it first or another execution of the same group is running; in
// both cases the row stays pending and no error is returned.
func (r *Runner) Run(ctx context.Context, executionID int64) (types.ExecutionStatus, error) {
	execution, err := r.store.GetExecution(ctx, executionID)
	if err != nil {
		return "", err
	}
	err = r.store.UpdateExecutionStatus(ctx, executionID, types.StatusPending, types.StatusRunning, "")
	if errors.Is(err, db.ErrConflict) {
		sklog.Infof("Execution %d claimed elsewhere; skipping", executionID)
		return "", nil
	}
	if errors.Is(err, db.ErrConsistency) {
		sklog.Infof("Execution %d blocked behind a running execution of group %d; skipping", executionID, execution.GroupID)
		return "", nil
	}
	if err != nil {
		return "", err
	}

	status, runErr := r.runClaimed(ctx, execution)
	if runErr != nil {
		return "", runErr
	}
	metrics2.GetCounter("ref_executions_completed", map[string]string{
		"status": string(status),
	}).Inc(1)
	return status, nil
}

// runClaimed runs an execution already transitioned to running. Diagnostic
// failures become a failed terminal state, not a returned error; only store
// and infrastructure errors are returned.
func (r *Runner) runClaimed(ctx context.Context, execution *types.Execution) (types.ExecutionStatus, error) {
	group, err := r.store.GetExecutionGroup(ctx, execution.GroupID)
	if err != nil {
		return "", err
	}
	_, diagnostic, err := r.registry.Diagnostic(group.ProviderSlug + "/" + group.DiagnosticSlug)
	if err != nil {
		return types.StatusFailed, r.fail(ctx, execution, "", skerr.Wrap(err))
	}

	definition, err := r.buildDefinition(ctx, group, execution)
	if err != nil {
		return types.StatusFailed, r.fail(ctx, execution, "", skerr.Wrap(err))
	}
	scratch := definition.ScratchDirectory

	sklog.Infof("Running execution %d: %s/%s [%s]", execution.ID, group.ProviderSlug, group.DiagnosticSlug, group.Key)
	if err := diagnostic.Execute(ctx, definition); err != nil {
		return types.StatusFailed, r.fail(ctx, execution, scratch, skerr.Wrapf(err, "diagnostic failed"))
	}
	result, err := diagnostic.BuildExecutionResult(definition)
	if err != nil {
		return types.StatusFailed, r.fail(ctx, execution, scratch, skerr.Wrapf(err, "collecting results"))
	}
	// A malformed metric bundle fails the execution; nothing is recorded
	// from it.
	if err := result.MetricBundle.Validate(diagnostic.Facets()); err != nil {
		return types.StatusFailed, r.fail(ctx, execution, scratch, skerr.Wrapf(err, "invalid metric bundle"))
	}

	if err := r.record(ctx, execution, definition, result); err != nil {
		return "", err
	}
	if err := r.store.UpdateExecutionStatus(ctx, execution.ID, types.StatusRunning, types.StatusSucceeded, ""); err != nil {
		return "", err
	}
	if err := os.RemoveAll(scratch); err != nil {
		sklog.Warningf("Failed to remove scratch %s: %s", scratch, err)
	}
	sklog.Infof("Execution %d succeeded", execution.ID)
	return types.StatusSucceeded, nil
}

// buildDefinition reconstructs the execution's definition from its recorded
// input snapshot and creates its directories.
func (r *Runner) buildDefinition(ctx context.Context, group *types.ExecutionGroup, execution *types.Execution) (*provider.ExecutionDefinition, error) {
	entries, err := r.store.ExecutionInputEntries(ctx, execution.ID)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, skerr.Fmt("execution %d has no input files", execution.ID)
	}
	datasets := map[types.SourceType][]types.CatalogEntry{}
	for i := range entries {
		datasets[entries[i].SourceType] = append(datasets[entries[i].SourceType], entries[i])
	}
	outputDir := filepath.Join(r.resultsRoot, filepath.FromSlash(execution.OutputFragment))
	scratchDir := filepath.Join(r.scratchRoot, fmt.Sprintf("execution-%d", execution.ID))
	for _, dir := range []string{outputDir, scratchDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, skerr.Wrap(err)
		}
	}
	return &provider.ExecutionDefinition{
		Key:              group.Key,
		DatasetHash:      execution.DatasetHash,
		Datasets:         datasets,
		OutputDirectory:  outputDir,
		ScratchDirectory: scratchDir,
	}, nil
}

// record stores the outputs and metric values of a finished run.
func (r *Runner) record(ctx context.Context, execution *types.Execution, definition *provider.ExecutionDefinition, result *provider.ExecutionResult) error {
	outputs := result.OutputBundle.Outputs()
	if _, err := os.Stat(definition.LogPath()); err == nil {
		if err := r.store.SetExecutionLogPath(ctx, execution.ID, provider.LogFilename); err != nil {
			return err
		}
	}
	if len(outputs) > 0 {
		if err := r.store.RecordOutputs(ctx, execution.ID, outputs); err != nil {
			return err
		}
	}
	values := result.MetricBundle.ScalarValues()
	if len(values) > 0 {
		if err := r.store.RecordMetricValues(ctx, execution.ID, values); err != nil {
			return err
		}
	}
	return nil
}

// fail transitions the execution to failed with the error as reason. The
// returned error is any store error from the transition itself.
func (r *Runner) fail(ctx context.Context, execution *types.Execution, scratch string, cause error) error {
	sklog.Errorf("Execution %d failed: %s", execution.ID, cause)
	reason := util.Truncate(skerr.Unwrap(cause).Error(), maxReasonLen)
	if err := r.store.UpdateExecutionStatus(ctx, execution.ID, types.StatusRunning, types.StatusFailed, reason); err != nil {
		return err
	}
	if scratch != "" && !r.retainScratchOnFailure {
		if err := os.RemoveAll(scratch); err != nil {
			sklog.Warningf("Failed to remove scratch %s: %s", scratch, err)
		}
	}
	return nil
}

// CancelPending transitions every pending execution to cancelled. Used when
// a solve-and-execute run exceeds its wall-clock budget: work not yet
// started is abandoned rather than left queued.
func CancelPending(ctx context.Context, store db.Store) (int, error) {
	pending, err := store.PendingExecutions(ctx, 0)
	if err != nil {
		return 0, err
	}
	cancelled := 0
	for i := range pending {
		err := store.UpdateExecutionStatus(ctx, pending[i].ID, types.StatusPending, types.StatusCancelled, "timed out")
		if errors.Is(err, db.ErrConflict) {
			// Claimed by a worker between the list and the update.
			continue
		}
		if err != nil {
			return cancelled, err
		}
		cancelled++
	}
	return cancelled, nil
}

// RecoverLost marks all running executions failed with a lost-worker
// reason. Call on startup, before any workers claim executions, to reap
// runs orphaned by a crashed or killed worker; the executions can then be
// retried.
func RecoverLost(ctx context.Context, store db.Store) (int, error) {
	running, err := store.RunningExecutions(ctx)
	if err != nil {
		return 0, err
	}
	recovered := 0
	for i := range running {
		err := store.UpdateExecutionStatus(ctx, running[i].ID, types.StatusRunning, types.StatusFailed, "lost worker")
		if errors.Is(err, db.ErrConflict) {
			// The worker finished between the list and the update.
			continue
		}
		if err != nil {
			return recovered, err
		}
		sklog.Warningf("Recovered lost execution %d", running[i].ID)
		recovered++
	}
	return recovered, nil
}
