package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"go.climref.org/infra/ref/go/types"
)

func (a *app) executionsCmd() *cobra.Command {
	var groupID int64
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "List the executions of a group",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			executions, err := a.store.ListExecutions(ctx, groupID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tHASH\tCREATED\tRETRIES\tREASON")
			for i := range executions {
				e := &executions[i]
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\n",
					e.ID, e.Status, e.DatasetHash[:12], humanize.Time(e.CreatedAt), e.RetryCount, e.Reason)
			}
			return w.Flush()
		},
	}
	cmd.Flags().Int64Var(&groupID, "group", 0, "Execution group id.")
	_ = cmd.MarkFlagRequired("group")

	cmd.AddCommand(a.retryCmd())
	return cmd
}

func (a *app) retryCmd() *cobra.Command {
	var executionID int64
	cmd := &cobra.Command{
		Use:   "retry",
		Short: "Move a failed execution back to pending",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			if err := a.store.RetryExecution(ctx, executionID); err != nil {
				return err
			}
			execution, err := a.store.GetExecution(ctx, executionID)
			if err != nil {
				return err
			}
			fmt.Printf("Execution %d is %s (retry %d)\n", execution.ID, types.StatusPending, execution.RetryCount)
			return nil
		},
	}
	cmd.Flags().Int64Var(&executionID, "execution", 0, "Execution id.")
	_ = cmd.MarkFlagRequired("execution")
	return cmd
}
