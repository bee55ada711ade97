// refctl is the command line interface to the evaluation engine: ingest
// datasets, solve for outstanding executions, run them and inspect the
// results.
package main

import (
	"context"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/ref/go/config"
	"go.climref.org/infra/ref/go/db"
	"go.climref.org/infra/ref/go/executor"
	"go.climref.org/infra/ref/go/provider"
	"go.climref.org/infra/ref/go/provider/example"
	"go.climref.org/infra/ref/go/solver"
)

// providerFactories maps configurable provider slugs to constructors.
var providerFactories = map[string]func() provider.Provider{
	example.Slug: example.New,
}

// app carries the state shared by all subcommands.
type app struct {
	configFlag string

	cfg      *config.Config
	cfgPath  string
	store    db.Store
	registry *provider.Registry
}

// setup loads configuration and opens the store. Called from each
// subcommand's RunE, not PersistentPreRunE, so that --help never touches
// the database.
func (a *app) setup(ctx context.Context) error {
	cfg, path, err := config.Discover(a.configFlag)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.cfgPath = path
	sklog.SetLogLevel(cfg.LogLevel)
	sklog.Debugf("Using configuration %s", path)

	providers := make([]provider.Provider, 0, len(cfg.DiagnosticProviders))
	for _, pc := range cfg.DiagnosticProviders {
		factory, ok := providerFactories[pc.Slug]
		if !ok {
			sklog.Fatalf("Unknown diagnostic provider %q in %s", pc.Slug, path)
		}
		providers = append(providers, factory())
	}
	a.registry, err = provider.NewRegistry(providers...)
	if err != nil {
		return err
	}

	a.store, err = db.New(ctx, cfg.DB.URL, db.Options{
		MaxBackups:     cfg.DB.MaxBackups,
		SkipMigrations: !cfg.DB.RunMigrations,
	})
	if err != nil {
		return err
	}
	return nil
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			sklog.Errorf("Closing store: %s", err)
		}
	}
}

// newSolver returns a solver over the app's store and registry.
func (a *app) newSolver() *solver.Solver {
	return solver.New(a.store, a.registry)
}

// newRunner returns an execution runner using the configured paths.
func (a *app) newRunner() *executor.Runner {
	return executor.NewRunner(a.store, a.registry, executor.RunnerOptions{
		ResultsRoot:            a.cfg.Paths.Results,
		ScratchRoot:            a.cfg.Paths.Scratch,
		RetainScratchOnFailure: a.cfg.Executor.RetainScratchOnFailure,
	})
}

// redisClient returns a client for the configured Redis.
func (a *app) redisClient() redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr: a.cfg.Executor.Redis.Address,
		DB:   a.cfg.Executor.Redis.DB,
	})
}

// newExecutor builds the configured executor variant.
func (a *app) newExecutor() (executor.Executor, error) {
	runner := a.newRunner()
	switch a.cfg.Executor.Kind {
	case "synchronous":
		return executor.NewSync(runner), nil
	case "local-pool":
		return executor.NewPool(runner, a.cfg.Executor.Workers), nil
	case "redis-queue":
		return executor.NewRedisQueue(a.redisClient(), runner), nil
	case "hpc-slurm", "hpc-pbs":
		scheduler := executor.SchedulerSlurm
		if a.cfg.Executor.Kind == "hpc-pbs" {
			scheduler = executor.SchedulerPBS
		}
		refctlPath := a.cfg.Executor.HPC.RefctlPath
		if refctlPath == "" {
			self, err := os.Executable()
			if err != nil {
				return nil, err
			}
			refctlPath = self
		}
		return executor.NewHPC(a.store, executor.HPCOptions{
			Scheduler:  scheduler,
			RefctlPath: refctlPath,
			ConfigPath: a.cfgPath,
			JobDir:     a.cfg.Executor.HPC.JobDir,
			Account:    a.cfg.Executor.HPC.Account,
			Queue:      a.cfg.Executor.HPC.Queue,
			Walltime:   a.cfg.Executor.HPC.Walltime,
		})
	}
	// Unreachable; config.Validate rejects unknown kinds.
	sklog.Fatalf("Unknown executor kind %q", a.cfg.Executor.Kind)
	return nil, nil
}

// newRootCmd assembles the command tree.
func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "refctl",
		Short:         "Climate model evaluation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.configFlag, "config", "", "Path to the configuration file. Discovered if unset.")

	root.AddCommand(
		a.ingestCmd(),
		a.datasetsCmd(),
		a.solveCmd(),
		a.groupsCmd(),
		a.executionsCmd(),
		a.executeCmd(),
		a.workerCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		sklog.Fatal(err)
	}
}
