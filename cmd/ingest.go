package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/cost-attribution/internal/ingest"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/source"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest raw source files",
}

var ingestCostsCmd = &cobra.Command{
	Use:   "costs <path-or-url>...",
	Short: "Append raw cost lines from CSV or XLSX files",
	Long:  "Reads cost and usage report exports and appends every line whose line item id is not yet stored. Re-ingesting a file is a no-op. Locations are local paths or http(s) or ftp URLs.",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "load")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		loader := ingest.NewLoader(st, newSourceReader(), cfg.Load)
		for _, location := range args {
			err := trackRun(ctx, st, model.LoadCostLines, func(ctx context.Context) (loadResult, error) {
				sum, err := loader.Ingest(ctx, location)
				if err != nil {
					return loadResult{}, err
				}
				printSummary(cmd.OutOrStdout(), "ingest "+location, sum.Metadata())
				return loadResult{Rows: sum.Inserted, Metadata: sum.Metadata()}, nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	},
}

func newSourceReader() *source.Reader {
	return source.NewReader(source.NewHTTPClient(source.HTTPOptionsFromConfig(cfg.Source))).
		WithFTP(source.NewFTPClient(source.FTPOptionsFromConfig(cfg.Source)))
}

func init() {
	ingestCmd.AddCommand(ingestCostsCmd)
	rootCmd.AddCommand(ingestCmd)
}
