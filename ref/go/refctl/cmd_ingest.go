package main

import (
	"github.com/spf13/cobra"

	"go.climref.org/infra/go/skerr"
	"go.climref.org/infra/go/sklog"
	"go.climref.org/infra/ref/go/catalog"
	"go.climref.org/infra/ref/go/types"
)

func (a *app) ingestCmd() *cobra.Command {
	var sourceType string
	var parser string
	var skipInvalid bool
	var jobs int
	cmd := &cobra.Command{
		Use:   "ingest [flags] PATH...",
		Short: "Parse dataset files under the given paths into the catalog",
		Args:  cobra.MinimumNArgs(1),
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
			adapter, err := catalog.AdapterFor(st, catalog.AdapterOptions{
				CMIP6Parser: catalog.CMIP6ParserName(parser),
			})
			if err != nil {
				return err
			}
			summary, err := catalog.NewIngester(a.store).Ingest(ctx, adapter, args, catalog.IngestOptions{
				SkipInvalid: skipInvalid,
				NJobs:       jobs,
			})
			if err != nil {
				return err
			}
			sklog.Infof("Ingested %d file(s): %d dataset(s) created, %d seen, %d skipped",
				summary.FilesParsed, summary.DatasetsCreated, summary.DatasetsSeen, summary.FilesSkipped)
			if summary.FilesFound == 0 {
				return skerr.Fmt("no files matched under %v", args)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&sourceType, "source-type", string(types.CMIP6), "Source type of the files: cmip6, obs4mips or pmp-climatology.")
	cmd.Flags().StringVar(&parser, "parser", string(catalog.ParserDRS), "CMIP6 metadata parser: drs (paths only) or complete (opens each file).")
	cmd.Flags().BoolVar(&skipInvalid, "skip-invalid", false, "Skip files which fail to parse instead of aborting.")
	cmd.Flags().IntVar(&jobs, "jobs", 4, "Parsing parallelism.")
	return cmd
}
