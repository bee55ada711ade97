package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"go.climref.org/infra/ref/go/types"
)

func (a *app) datasetsCmd() *cobra.Command {
	var sourceType string
	var limit int
	cmd := &cobra.Command{
		Use:   "datasets",
		Short: "List active datasets in the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			st, err := types.ParseSourceType(sourceType)
			if err != nil {
				return err
			}
			datasets, err := a.store.ListDatasets(ctx, st, limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "INSTANCE ID\tVERSION\tINGESTED")
			for i := range datasets {
				fmt.Fprintf(w, "%s\t%s\t%s\n",
					datasets[i].InstanceID, datasets[i].Version, humanize.Time(datasets[i].CreatedAt))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&sourceType, "source-type", string(types.CMIP6), "Source type to list.")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum rows; 0 for no limit.")
	return cmd
}
