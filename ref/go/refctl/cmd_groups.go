package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"go.climref.org/infra/ref/go/db"
)

func (a *app) groupsCmd() *cobra.Command {
	var providerFilter, diagnosticFilter, keyFilter string
	var dirtyOnly bool
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List execution groups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := a.setup(ctx); err != nil {
				return err
			}
			defer a.close()

			groups, err := a.store.ListExecutionGroups(ctx, db.GroupFilter{
				ProviderSlug:   providerFilter,
				DiagnosticSlug: diagnosticFilter,
				KeySubstring:   keyFilter,
				DirtyOnly:      dirtyOnly,
			})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tDIAGNOSTIC\tKEY\tDIRTY\tSTALE")
			for i := range groups {
				g := &groups[i]
				fmt.Fprintf(w, "%d\t%s/%s\t%s\t%t\t%t\n",
					g.ID, g.ProviderSlug, g.DiagnosticSlug, g.Key, g.Dirty, g.Stale)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&providerFilter, "provider", "", "Only groups of providers whose slug contains this substring.")
	cmd.Flags().StringVar(&diagnosticFilter, "diagnostic", "", "Only groups of diagnostics whose slug contains this substring.")
	cmd.Flags().StringVar(&keyFilter, "key", "", "Only groups whose key contains this substring, e.g. source_id=ACCESS.")
	cmd.Flags().BoolVar(&dirtyOnly, "dirty", false, "Only groups needing a run.")
	return cmd
}
