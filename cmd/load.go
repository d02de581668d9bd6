package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cost-attribution/internal/mask"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/scd"
	"github.com/sells-group/cost-attribution/internal/servicedim"
)

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load warehouse dimensions",
}

// -- load services --

var loadServicesCmd = &cobra.Command{
	Use:   "services",
	Short: "Rebuild the service dimension from raw cost lines",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "load")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		loader := servicedim.NewLoader(st, cfg.Load)
		return trackRun(ctx, st, model.LoadServices, func(ctx context.Context) (loadResult, error) {
			sum, err := loader.Load(ctx)
			if err != nil {
				return loadResult{}, err
			}
			printSummary(cmd.OutOrStdout(), "service dimension", sum.Metadata())
			return loadResult{Rows: int64(sum.Inserted + sum.Updated), Metadata: sum.Metadata()}, nil
		})
	},
}

// -- load customers --

var loadCustomersCmd = &cobra.Command{
	Use:   "customers <path-or-url>",
	Short: "Apply a customer snapshot to the versioned customer dimension",
	Long:  "Masks the snapshot's identifiers and versions every customer as of the given date. Snapshots must be applied in date order.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		asOf, err := asOfDate(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, "load")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		masker, err := mask.New(cfg.Masking.Salt)
		if err != nil {
			return err
		}

		records, src, err := newSourceReader().ReadCustomers(ctx, args[0])
		if err != nil {
			return err
		}

		loader := scd.NewLoader(st, masker, cfg.Load)
		return trackRun(ctx, st, model.LoadCustomers, func(ctx context.Context) (loadResult, error) {
			sum, err := loader.LoadSnapshot(ctx, records, asOf)
			if err != nil {
				return loadResult{}, err
			}
			meta := sum.Metadata()
			meta["location"] = src.Location
			meta["source_skipped"] = src.Skipped
			printSummary(cmd.OutOrStdout(), "customer dimension", meta)
			return loadResult{Rows: sum.RowsWritten(), Metadata: meta}, nil
		})
	},
}

// asOfDate reads --as-of, defaulting to today in UTC.
func asOfDate(cmd *cobra.Command) (model.Date, error) {
	raw, _ := cmd.Flags().GetString("as-of")
	if raw == "" {
		return model.DateOf(time.Now().UTC()), nil
	}
	d, err := model.ParseDate(raw)
	if err != nil {
		return model.Date{}, eris.Wrap(err, "parse --as-of")
	}
	return d, nil
}

func init() {
	loadCustomersCmd.Flags().String("as-of", "", "snapshot date (YYYY-MM-DD, default today)")

	loadCmd.AddCommand(loadServicesCmd)
	loadCmd.AddCommand(loadCustomersCmd)
	rootCmd.AddCommand(loadCmd)
}
