package executor

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.climref.org/infra/go/exec"
	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/ref/go/types"
)

func TestHPC_SubmitSlurm(t *testing.T) {
	h := newHarness(t)
	execution := h.addExecution(t, "example", "global-mean-timeseries", "ds1", "hash-1")
	jobDir := t.TempDir()
	hpc, err := NewHPC(h.store, HPCOptions{
		Scheduler:  SchedulerSlurm,
		RefctlPath: "/opt/ref/bin/refctl",
		ConfigPath: "/etc/ref/ref.toml",
		JobDir:     jobDir,
		Account:    "cm02",
		Queue:      "normal",
		Walltime:   "02:00:00",
	})
	require.NoError(t, err)

	submitted := []*exec.Command{}
	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		submitted = append(submitted, cmd)
		_, err := io.WriteString(cmd.CombinedOutput, "Submitted batch job 4242\n")
		return err
	})

	summary, err := hpc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Submitted)
	require.Len(t, submitted, 1)
	assert.Equal(t, "sbatch", submitted[0].Name)

	script, err := os.ReadFile(filepath.Join(jobDir, "execution-1.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "#SBATCH --account=cm02")
	assert.Contains(t, string(script), "#SBATCH --partition=normal")
	assert.Contains(t, string(script), "#SBATCH --time=02:00:00")
	assert.Contains(t, string(script), "/opt/ref/bin/refctl execute --execution 1 --config /etc/ref/ref.toml")

	// The execution stays pending; the batch job claims it when it runs.
	got, err := h.store.GetExecution(context.Background(), execution.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, got.Status)
}

func TestHPC_SubmitPBS(t *testing.T) {
	h := newHarness(t)
	h.addExecution(t, "example", "global-mean-timeseries", "ds1", "hash-1")
	jobDir := t.TempDir()
	hpc, err := NewHPC(h.store, HPCOptions{
		Scheduler:  SchedulerPBS,
		RefctlPath: "refctl",
		JobDir:     jobDir,
	})
	require.NoError(t, err)

	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		assert.Equal(t, "qsub", cmd.Name)
		_, err := io.WriteString(cmd.CombinedOutput, "98765.gadi-pbs\n")
		return err
	})

	summary, err := hpc.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Submitted)
	assert.Equal(t, "98765.gadi-pbs", hpc.jobs[1])

	script, err := os.ReadFile(filepath.Join(jobDir, "execution-1.sh"))
	require.NoError(t, err)
	assert.Contains(t, string(script), "#PBS -N ref-execution-1")
}

func TestHPC_ReconcileReapsVanishedJob(t *testing.T) {
	h := newHarness(t)
	execution := h.addExecution(t, "example", "global-mean-timeseries", "ds1", "hash-1")
	hpc, err := NewHPC(h.store, HPCOptions{
		Scheduler:  SchedulerSlurm,
		RefctlPath: "refctl",
		JobDir:     t.TempDir(),
	})
	require.NoError(t, err)

	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		switch cmd.Name {
		case "sbatch":
			_, err := io.WriteString(cmd.CombinedOutput, "Submitted batch job 4242\n")
			return err
		case "squeue":
			// The job is gone.
			return skerr.Fmt("slurm_load_jobs error: Invalid job id specified")
		}
		return skerr.Fmt("unexpected command %q", cmd.Name)
	})

	_, err = hpc.Run(ctx)
	require.NoError(t, err)
	// The batch job claimed the execution and then died.
	require.NoError(t, h.store.UpdateExecutionStatus(ctx, execution.ID, types.StatusPending, types.StatusRunning, ""))

	reaped, err := hpc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := h.store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, got.Status)
	assert.Contains(t, got.Reason, "4242")
}

func TestHPC_ReconcileLeavesQueuedJobs(t *testing.T) {
	h := newHarness(t)
	execution := h.addExecution(t, "example", "global-mean-timeseries", "ds1", "hash-1")
	hpc, err := NewHPC(h.store, HPCOptions{
		Scheduler:  SchedulerSlurm,
		RefctlPath: "refctl",
		JobDir:     t.TempDir(),
	})
	require.NoError(t, err)

	ctx := exec.NewContext(context.Background(), func(ctx context.Context, cmd *exec.Command) error {
		switch cmd.Name {
		case "sbatch":
			_, err := io.WriteString(cmd.CombinedOutput, "Submitted batch job 4242\n")
			return err
		case "squeue":
			_, err := io.WriteString(cmd.CombinedOutput, "RUNNING\n")
			return err
		}
		return skerr.Fmt("unexpected command %q", cmd.Name)
	})

	_, err = hpc.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, h.store.UpdateExecutionStatus(ctx, execution.ID, types.StatusPending, types.StatusRunning, ""))

	reaped, err := hpc.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, reaped)

	got, err := h.store.GetExecution(ctx, execution.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestParseScheduler(t *testing.T) {
	s, err := ParseScheduler("slurm")
	require.NoError(t, err)
	assert.Equal(t, SchedulerSlurm, s)
	_, err = ParseScheduler("lsf")
	require.Error(t, err)
}
