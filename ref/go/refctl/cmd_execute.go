package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/ref/go/executor"
)

func (a *app) executeCmd() *cobra.Command {
	var executionID int64
	var recoverLost bool
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run pending executions, or a single one with --execution",
		Long: `Run pending executions with the configured executor.

With --execution, runs exactly that execution in-process regardless of the
configured executor; this is what batch scheduler jobs invoke on compute
nodes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			if executionID > 0 {
				status, err := a.newRunner().Run(ctx, executionID)
				if err != nil {
					return err
				}
				fmt.Printf("Execution %d: %s\n", executionID, status)
				return nil
			}

			if recoverLost {
				recovered, err := executor.RecoverLost(ctx, a.store)
				if err != nil {
					return err
				}
				if recovered > 0 {
					sklog.Infof("Recovered %d lost execution(s)", recovered)
				}
			}
			ex, err := a.newExecutor()
			if err != nil {
				return err
			}
			summary, err := ex.Run(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Executor %s: %s\n", ex.Name(), summary)
			if summary.Failed > 0 {
				return skerr.Fmt("%d execution(s) failed", summary.Failed)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&executionID, "execution", 0, "Run a single execution by id.")
	cmd.Flags().BoolVar(&recoverLost, "recover-lost", false, "First fail any executions left running by a dead worker.")
	return cmd
}
