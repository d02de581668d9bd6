package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/cost-attribution/internal/analytics"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Report top services, monthly change, anomalies and trend",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		window, err := parseWindow(from, to)
		if err != nil {
			return err
		}

		opts := cfg.Report
		if cmd.Flags().Changed("top") {
			opts.TopN, _ = cmd.Flags().GetInt("top")
		}
		if cmd.Flags().Changed("threshold") {
			opts.AnomalyThreshold, _ = cmd.Flags().GetFloat64("threshold")
		}
		if cmd.Flags().Changed("window") {
			opts.TrendWindow, _ = cmd.Flags().GetInt("window")
		}
		withTrend, _ := cmd.Flags().GetBool("trend")
		format, _ := cmd.Flags().GetString("format")

		st, err := initStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		daily, err := st.DailyCosts(ctx, window)
		if err != nil {
			return eris.Wrap(err, "report: daily costs")
		}
		services, err := st.Services(ctx)
		if err != nil {
			return eris.Wrap(err, "report: services")
		}

		return writeReport(cmd.OutOrStdout(), analytics.Build(daily, services, window, opts, withTrend), format)
	},
}

// writeReport renders r as table, json or yaml.
func writeReport(out io.Writer, r *analytics.Report, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return eris.Wrap(err, "report: encode yaml")
		}
		return enc.Close()
	case "table", "":
		formatReport(out, r)
		return nil
	default:
		return eris.Errorf("report: unknown format %q (table, json, yaml)", format)
	}
}

func formatReport(out io.Writer, r *analytics.Report) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%s\n", r.Window)
	_, _ = fmt.Fprintf(w, "Total cost:\t%s\n\n", r.TotalCost.Fixed())

	_, _ = fmt.Fprintln(w, "TOP SERVICES")
	_, _ = fmt.Fprintln(w, "SERVICE\tTOTAL\tRECORDS")
	for _, s := range r.Top {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\n", s.Service, s.TotalCost.Fixed(), s.RecordCount)
	}

	_, _ = fmt.Fprintln(w, "\nMONTH OVER MONTH")
	_, _ = fmt.Fprintln(w, "SERVICE\tMONTH\tCOST\tCHANGE")
	for _, m := range r.Monthly {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", m.Service, m.Month, m.MonthlyCost.Fixed(), pct(m.PctChange))
	}

	_, _ = fmt.Fprintln(w, "\nANOMALIES")
	if len(r.Anomalies) == 0 {
		_, _ = fmt.Fprintln(w, "none")
	} else {
		_, _ = fmt.Fprintln(w, "SERVICE\tWEEK\tCOST\tPREVIOUS\tCHANGE")
		for _, a := range r.Anomalies {
			change := a.PctChange
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				a.Service, a.Week, a.WeeklyCost.Fixed(), a.PrevWeeklyCost.Fixed(), pct(&change))
		}
	}

	if len(r.Trend) > 0 {
		_, _ = fmt.Fprintln(w, "\nTREND")
		_, _ = fmt.Fprintln(w, "DATE\tSERVICE\tCOST\tMOVING_AVG")
		for _, p := range r.Trend {
			avg := "-"
			if p.MovingAvg != nil {
				avg = p.MovingAvg.Fixed()
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.UsageDate, p.Service, p.DailyCost.Fixed(), avg)
		}
	}
	_ = w.Flush()
}

func pct(p *float64) string {
	if p == nil {
		return "-"
	}
	return fmt.Sprintf("%+.1f%%", *p*100)
}

// printSummary writes a load summary as sorted key/value lines.
func printSummary(out io.Writer, title string, meta map[string]any) {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "%s\n", title)
	for _, k := range keys {
		_, _ = fmt.Fprintf(w, "  %s:\t%v\n", k, meta[k])
	}
	_ = w.Flush()
}

func init() {
	reportCmd.Flags().String("from", "", "first usage date (YYYY-MM-DD)")
	reportCmd.Flags().String("to", "", "last usage date (YYYY-MM-DD)")
	reportCmd.Flags().Int("top", 0, "number of top services (default from config)")
	reportCmd.Flags().Float64("threshold", 0, "week over week increase flagged as an anomaly, e.g. 0.2")
	reportCmd.Flags().Int("window", 0, "rolling trend window in days (default from config)")
	reportCmd.Flags().Bool("trend", false, "include the rolling trend")
	reportCmd.Flags().String("format", "table", "output format: table, json, yaml")
	rootCmd.AddCommand(reportCmd)
}
