package main

import (
	"github.com/spf13/cobra"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/ref/go/executor"
)

func (a *app) workerCmd() *cobra.Command {
	var recoverLost bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume the Redis work queue until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			if a.cfg.Executor.Kind != "redis-queue" {
				return skerr.Fmt("worker requires executor.kind = \"redis-queue\", not %q", a.cfg.Executor.Kind)
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
			q := executor.NewRedisQueue(a.redisClient(), a.newRunner())
			return q.Worker(ctx)
		},
	}
	cmd.Flags().BoolVar(&recoverLost, "recover-lost", false, "First fail any executions left running by a dead worker.")
	return cmd
}
