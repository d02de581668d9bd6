package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/cost-attribution/internal/model"
)

var historyCmd = &cobra.Command{
	Use:   "history <customer-id>",
	Short: "Show every version of a customer",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		versions, err := st.CustomerHistory(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "history")
		}
		if len(versions) == 0 {
			fmt.Fprintf(os.Stderr, "No versions found for customer %s.\n", args[0])
			return nil
		}

		formatHistory(cmd.OutOrStdout(), versions)
		return nil
	},
}

// formatHistory writes a tabular version history to out.
func formatHistory(out io.Writer, versions []model.CustomerVersion) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "KEY\tSEGMENT\tEFFECTIVE_FROM\tEFFECTIVE_TO\tCURRENT\tEMAIL_TOKEN")
	_, _ = fmt.Fprintln(w, "---\t-------\t--------------\t------------\t-------\t-----------")

	for _, v := range versions {
		to := "-"
		if v.EffectiveTo != nil {
			to = v.EffectiveTo.String()
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\t%s\n",
			v.CustomerKey,
			v.Segment,
			v.EffectiveFrom,
			to,
			v.IsCurrent,
			truncateID(v.EmailToken),
		)
	}
	_ = w.Flush()
}

func init() {
	rootCmd.AddCommand(historyCmd)
}
