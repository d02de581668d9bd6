package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/sells-group/cost-attribution/internal/attribution"
	"github.com/sells-group/cost-attribution/internal/model"
)

var attributeCmd = &cobra.Command{
	Use:   "attribute",
	Short: "Attribute raw costs to customer versions",
	Long:  "Recomputes customer cost facts and daily service totals for the window. Omitted bounds are open, so no flags recomputes everything.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		window, err := parseWindow(from, to)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, "load")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		loader := attribution.NewLoader(st, cfg.Load)
		return trackRun(ctx, st, model.LoadFacts, func(ctx context.Context) (loadResult, error) {
			res, err := loader.Run(ctx, window)
			if err != nil {
				return loadResult{}, err
			}
			meta := res.Summary.Metadata()
			meta["window"] = window.String()
			printSummary(cmd.OutOrStdout(), "attribution "+window.String(), meta)
			return loadResult{Rows: int64(len(res.Facts) + len(res.Daily)), Metadata: meta}, nil
		})
	},
}

func init() {
	attributeCmd.Flags().String("from", "", "first usage date to recompute (YYYY-MM-DD)")
	attributeCmd.Flags().String("to", "", "last usage date to recompute (YYYY-MM-DD)")
	rootCmd.AddCommand(attributeCmd)
}
