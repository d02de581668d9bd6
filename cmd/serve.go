package main

import (
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cost-attribution/internal/api"
	"github.com/sells-group/cost-attribution/internal/monitoring"
	"github.com/sells-group/cost-attribution/internal/warehouse"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the warehouse read API",
	Long:  "Serves the read API and, when monitoring is enabled, runs periodic load health and spend checks.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if servePort != 0 {
			cfg.Server.Port = servePort
		}

		st, err := initStore(ctx, "serve")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return api.New(st, cfg.Report).ListenAndServe(gctx, fmt.Sprintf(":%d", cfg.Server.Port))
		})
		if cfg.Monitoring.Enabled {
			checker := newChecker(st)
			g.Go(func() error {
				checker.Run(gctx)
				return nil
			})
		}
		return g.Wait()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one load health and spend check",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "read")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		alerts, err := newChecker(st).Check(ctx)
		if err != nil {
			return err
		}
		return printAlerts(cmd.OutOrStdout(), alerts)
	},
}

func newChecker(st warehouse.Store) *monitoring.Checker {
	collector := monitoring.NewCollector(st, cfg.Report.AnomalyThreshold)
	return monitoring.NewChecker(collector, monitoring.NewAlerter(cfg.Monitoring), cfg.Monitoring)
}

func printAlerts(out io.Writer, alerts []monitoring.Alert) error {
	if len(alerts) == 0 {
		_, err := fmt.Fprintln(out, "No alerts.")
		return err
	}
	for _, a := range alerts {
		if _, err := fmt.Fprintf(out, "[%s] %s: %s\n", a.Severity, a.Type, a.Message); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkCmd)
}
