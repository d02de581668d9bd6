package main

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-attribution/internal/config"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/warehouse"
)

// initStore validates the config for mode, opens the configured warehouse
// and applies pending migrations.
func initStore(ctx context.Context, mode string) (warehouse.Store, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg.Warehouse)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}
	return st, nil
}

func openStore(ctx context.Context, wc config.WarehouseConfig) (warehouse.Store, error) {
	switch wc.Driver {
	case "sqlite":
		return warehouse.NewSQLite(wc.SQLitePath)
	case "postgres":
		return warehouse.NewPostgres(ctx, wc.DatabaseURL, &warehouse.PoolConfig{
			MaxConns: wc.MaxConns,
			MinConns: wc.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported warehouse driver: %s", wc.Driver)
	}
}

// loadResult is what a tracked load reports to the run log.
type loadResult struct {
	Rows     int64
	Metadata map[string]any
}

// trackRun records a run log entry around fn. A failure to write the
// final status is logged but does not mask the load's own outcome.
func trackRun(ctx context.Context, runs warehouse.RunLog, load string, fn func(ctx context.Context) (loadResult, error)) error {
	log := zap.L().With(zap.String("component", "runlog"), zap.String("load", load))

	id, err := runs.StartRun(ctx, load)
	if err != nil {
		return eris.Wrapf(err, "start %s run", load)
	}
	log = log.With(zap.String("run_id", id))

	res, runErr := fn(ctx)
	if runErr != nil {
		if err := runs.FailRun(context.WithoutCancel(ctx), id, runErr.Error()); err != nil {
			log.Error("record failed run", zap.Error(err))
		}
		return runErr
	}

	if err := runs.CompleteRun(ctx, id, res.Rows, res.Metadata); err != nil {
		log.Error("record completed run", zap.Error(err))
		return err
	}
	return nil
}

// parseWindow turns optional --from/--to flag values into a date range.
func parseWindow(from, to string) (model.DateRange, error) {
	var w model.DateRange
	if from != "" {
		d, err := model.ParseDate(from)
		if err != nil {
			return w, eris.Wrap(err, "parse --from")
		}
		w.From = d
	}
	if to != "" {
		d, err := model.ParseDate(to)
		if err != nil {
			return w, eris.Wrap(err, "parse --to")
		}
		w.To = d
	}
	return w, w.Validate()
}
