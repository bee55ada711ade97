package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"go.climref.org/infra/go/exec"
	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/go/util"
	"go.climref.org/infra/ref/go/db"
	"go.climref.org/infra/ref/go/types"
)

// Scheduler identifies a supported batch scheduler.
type Scheduler string

const (
	SchedulerSlurm Scheduler = "slurm"
	SchedulerPBS   Scheduler = "pbs"
)

// ParseScheduler validates a scheduler name.
func ParseScheduler(s string) (Scheduler, error) {
	switch Scheduler(s) {
	case SchedulerSlurm, SchedulerPBS:
		return Scheduler(s), nil
	}
	return "", skerr.Fmt("unknown scheduler %q", s)
}

// sbatchJobIDRe extracts the job id from sbatch's stdout, eg.
// "Submitted batch job 12345".
var sbatchJobIDRe = regexp.MustCompile(`Submitted batch job (\d+)`)

// HPCOptions configures an HPC executor.
type HPCOptions struct {
	Scheduler Scheduler
	// RefctlPath is the binary the batch job invokes on the compute node.
	RefctlPath string
	// ConfigPath is passed to refctl via --config.
	ConfigPath string
	// JobDir receives job scripts and scheduler logs. Must be on a
	// filesystem the compute nodes share.
	JobDir string
	// Account and Queue are passed through to the scheduler when set.
	Account string
	Queue   string
	// Walltime is the scheduler time limit, in the scheduler's own format,
	// eg. "02:00:00".
	Walltime string
}

// HPC submits each pending execution as a batch job which runs
// "refctl execute" on a compute node. Run only submits; job outcomes land
// in the store when the batch job runs, and Reconcile reaps executions
// whose jobs left the queue without finishing.
type HPC struct {
	store db.Store
	opts  HPCOptions

	mtx sync.Mutex
	// jobs maps execution ids to scheduler job ids for this process's
	// submissions.
	jobs map[int64]string
}

// NewHPC returns a batch scheduler executor.
func NewHPC(store db.Store, opts HPCOptions) (*HPC, error) {
	if _, err := ParseScheduler(string(opts.Scheduler)); err != nil {
		return nil, err
	}
	if opts.RefctlPath == "" || opts.JobDir == "" {
		return nil, skerr.Fmt("refctl path and job dir are required")
	}
	return &HPC{store: store, opts: opts, jobs: map[int64]string{}}, nil
}

// Name implements Executor.
func (h *HPC) Name() string {
	return "hpc-" + string(h.opts.Scheduler)
}

// Run implements Executor. It submits one job per pending execution and
// returns without waiting for them.
func (h *HPC) Run(ctx context.Context) (*Summary, error) {
	pending, err := h.store.PendingExecutions(ctx, 0)
	if err != nil {
		return nil, err
	}
	summary := &Summary{}
	for i := range pending {
		jobID, err := h.submit(ctx, &pending[i])
		if err != nil {
			return summary, skerr.Wrapf(err, "submitting execution %d", pending[i].ID)
		}
		h.mtx.Lock()
		h.jobs[pending[i].ID] = jobID
		h.mtx.Unlock()
		sklog.Infof("Submitted execution %d as %s job %s", pending[i].ID, h.opts.Scheduler, jobID)
		summary.Submitted++
	}
	return summary, nil
}

func (h *HPC) submit(ctx context.Context, execution *types.Execution) (string, error) {
	scriptPath := filepath.Join(h.opts.JobDir, fmt.Sprintf("execution-%d.sh", execution.ID))
	if err := util.WithWriteFile(scriptPath, func(w io.Writer) error {
		return h.writeJobScript(w, execution)
	}); err != nil {
		return "", err
	}

	output := bytes.Buffer{}
	submitCmd := "sbatch"
	if h.opts.Scheduler == SchedulerPBS {
		submitCmd = "qsub"
	}
	if err := exec.Run(ctx, &exec.Command{
		Name:           submitCmd,
		Args:           []string{scriptPath},
		Dir:            h.opts.JobDir,
		CombinedOutput: &output,
	}); err != nil {
		return "", skerr.Wrapf(err, "%s", output.String())
	}
	return parseJobID(h.opts.Scheduler, output.String())
}

func (h *HPC) writeJobScript(w io.Writer, execution *types.Execution) error {
	logPath := filepath.Join(h.opts.JobDir, fmt.Sprintf("execution-%d.log", execution.ID))
	lines := []string{"#!/bin/bash"}
	switch h.opts.Scheduler {
	case SchedulerSlurm:
		lines = append(lines,
			fmt.Sprintf("#SBATCH --job-name=ref-execution-%d", execution.ID),
			fmt.Sprintf("#SBATCH --output=%s", logPath))
		if h.opts.Account != "" {
			lines = append(lines, fmt.Sprintf("#SBATCH --account=%s", h.opts.Account))
		}
		if h.opts.Queue != "" {
			lines = append(lines, fmt.Sprintf("#SBATCH --partition=%s", h.opts.Queue))
		}
		if h.opts.Walltime != "" {
			lines = append(lines, fmt.Sprintf("#SBATCH --time=%s", h.opts.Walltime))
		}
	case SchedulerPBS:
		lines = append(lines,
			fmt.Sprintf("#PBS -N ref-execution-%d", execution.ID),
			fmt.Sprintf("#PBS -o %s", logPath),
			"#PBS -j oe")
		if h.opts.Account != "" {
			lines = append(lines, fmt.Sprintf("#PBS -P %s", h.opts.Account))
		}
		if h.opts.Queue != "" {
			lines = append(lines, fmt.Sprintf("#PBS -q %s", h.opts.Queue))
		}
		if h.opts.Walltime != "" {
			lines = append(lines, fmt.Sprintf("#PBS -l walltime=%s", h.opts.Walltime))
		}
	}
	lines = append(lines, "set -e")
	command := fmt.Sprintf("%s execute --execution %d", h.opts.RefctlPath, execution.ID)
	if h.opts.ConfigPath != "" {
		command += fmt.Sprintf(" --config %s", h.opts.ConfigPath)
	}
	lines = append(lines, command, "")
	_, err := io.WriteString(w, strings.Join(lines, "\n"))
	return skerr.Wrap(err)
}

func parseJobID(scheduler Scheduler, output string) (string, error) {
	switch scheduler {
	case SchedulerSlurm:
		m := sbatchJobIDRe.FindStringSubmatch(output)
		if m == nil {
			return "", skerr.Fmt("no job id in sbatch output %q", output)
		}
		return m[1], nil
	case SchedulerPBS:
		// qsub prints the job id alone on the first line.
		id := strings.TrimSpace(strings.SplitN(output, "\n", 2)[0])
		if id == "" {
			return "", skerr.Fmt("no job id in qsub output %q", output)
		}
		return id, nil
	}
	return "", skerr.Fmt("unknown scheduler %q", scheduler)
}

// Reconcile fails running executions whose batch jobs are no longer queued,
// so they can be retried. Executions submitted by other processes are left
// alone.
func (h *HPC) Reconcile(ctx context.Context) (int, error) {
	running, err := h.store.RunningExecutions(ctx)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for i := range running {
		h.mtx.Lock()
		jobID, ok := h.jobs[running[i].ID]
		h.mtx.Unlock()
		if !ok {
			continue
		}
		queued, err := h.jobQueued(ctx, jobID)
		if err != nil {
			return reaped, err
		}
		if queued {
			continue
		}
		reason := fmt.Sprintf("batch job %s left the queue without finishing", jobID)
		err = h.store.UpdateExecutionStatus(ctx, running[i].ID, types.StatusRunning, types.StatusFailed, reason)
		if errors.Is(err, db.ErrConflict) {
			// The job finished between the queue check and the update.
			continue
		}
		if err != nil {
			return reaped, err
		}
		sklog.Warningf("Reaped execution %d: %s", running[i].ID, reason)
		reaped++
	}
	return reaped, nil
}

// jobQueued reports whether the scheduler still knows the job, either
// queued or running.
func (h *HPC) jobQueued(ctx context.Context, jobID string) (bool, error) {
	switch h.opts.Scheduler {
	case SchedulerSlurm:
		output, err := exec.RunSimple(ctx, fmt.Sprintf("squeue --noheader --format=%%T --jobs=%s", jobID))
		if err != nil {
			// squeue fails for unknown job ids.
			return false, nil
		}
		return strings.TrimSpace(output) != "", nil
	case SchedulerPBS:
		if _, err := exec.RunSimple(ctx, fmt.Sprintf("qstat %s", jobID)); err != nil {
			return false, nil
		}
		return true, nil
	}
	return false, skerr.Fmt("unknown scheduler %q", h.opts.Scheduler)
}
