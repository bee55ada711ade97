package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/ref/go/executor"
	"go.climref.org/infra/ref/go/solver"
)

func (a *app) solveCmd() *cobra.Command {
	var providerFilter, diagnosticFilter string
	var dryRun, onePerProvider, execute bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Resolve diagnostics against the catalog and enqueue outstanding executions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			summary, err := a.newSolver().Solve(ctx, solver.Options{
				ProviderFilter:   providerFilter,
				DiagnosticFilter: diagnosticFilter,
				OnePerProvider:   onePerProvider,
				DryRun:           dryRun,
			})
			if err != nil {
				return err
			}
			fmt.Printf("%d diagnostic(s): %d new execution(s), %d group(s) up to date\n",
				summary.DiagnosticsSolved, summary.ExecutionsCreated, summary.GroupsUpToDate)
			// Run even when this pass enqueued nothing: earlier interrupted
			// runs may have left executions pending.
			if dryRun || !execute {
				return nil
			}
			ex, err := a.newExecutor()
			if err != nil {
				return err
			}
			runSummary, runErr := ex.Run(ctx)
			if ctx.Err() != nil {
				// Out of budget: abandon work not yet started.
				cancelled, err := executor.CancelPending(context.WithoutCancel(ctx), a.store)
				if err != nil {
					return err
				}
				return skerr.Fmt("timed out after %s; cancelled %d pending execution(s)", timeout, cancelled)
			}
			if runErr != nil {
				return runErr
			}
			fmt.Printf("Executor %s: %s\n", ex.Name(), runSummary)
			if runSummary.Failed > 0 {
				return skerr.Fmt("%d execution(s) failed", runSummary.Failed)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&providerFilter, "provider", "", "Only solve providers whose slug contains this substring.")
	cmd.Flags().StringVar(&diagnosticFilter, "diagnostic", "", "Only solve diagnostics whose slug contains this substring.")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be enqueued without writing.")
	cmd.Flags().BoolVar(&onePerProvider, "one-per-provider", false, "Solve only the first diagnostic of each provider.")
	cmd.Flags().BoolVar(&execute, "execute", false, "Run the enqueued executions with the configured executor.")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Abort the solve after this long, eg. 10m.")
	return cmd
}
