package attribution

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/cost-attribution/internal/config"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/resilience"
	"github.com/sells-group/cost-attribution/internal/warehouse"
)

// Store is the slice of the warehouse the loader needs.
type Store interface {
	CustomerHistory(ctx context.Context, customerID string) ([]model.CustomerVersion, error)
	Services(ctx context.Context) ([]model.Service, error)
	WithTx(ctx context.Context, fn func(ctx context.Context, tx warehouse.Tx) error) error
}

// Loader recomputes attributed facts for a date window.
type Loader struct {
	store Store
	retry resilience.RetryConfig
}

// NewLoader creates a Loader.
func NewLoader(store Store, cfg config.LoadConfig) *Loader {
	return &Loader{
		store: store,
		retry: resilience.FromLoadConfig(cfg, "attribution.loader", "attribute costs"),
	}
}

// Run reads the full customer history and the service dimension, streams
// the raw cost lines inside window and replaces the window's facts and
// daily totals in one transaction. A zero window bound is open.
func (l *Loader) Run(ctx context.Context, window model.DateRange) (*Result, error) {
	log := zap.L().With(zap.String("component", "attribution.loader"), zap.Stringer("window", window))

	if err := window.Validate(); err != nil {
		return nil, eris.Wrap(err, "attribution: window")
	}

	var res *Result
	err := resilience.Do(ctx, l.retry, func(ctx context.Context) error {
		var (
			history  []model.CustomerVersion
			services []model.Service
		)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			history, err = l.store.CustomerHistory(gctx, "")
			return eris.Wrap(err, "attribution: read customer history")
		})
		g.Go(func() error {
			var err error
			services, err = l.store.Services(gctx)
			return eris.Wrap(err, "attribution: read services")
		})
		if err := g.Wait(); err != nil {
			return err
		}

		return l.store.WithTx(ctx, func(ctx context.Context, tx warehouse.Tx) error {
			a := New(history, services)
			if err := tx.StreamCostLines(ctx, window, a.Add); err != nil {
				return err
			}
			r, err := a.Result()
			if err != nil {
				return err
			}
			if err := tx.ReplaceFacts(ctx, window, r.Facts, r.Daily); err != nil {
				return eris.Wrap(err, "attribution: replace facts")
			}
			res = r
			return nil
		})
	})
	if err != nil {
		log.Error("attribution failed", zap.Error(err))
		return nil, err
	}

	s := res.Summary
	log.Info("attribution complete",
		zap.Int("lines", s.Lines),
		zap.Int("facts", s.Facts),
		zap.Int("daily_rows", s.DailyRows),
		zap.Int("orphans", s.Orphans()),
		zap.Int("unallocated_groups", s.UnallocatedGroups),
		zap.String("unallocated_cost", s.UnallocatedCost.Fixed()),
	)
	if s.Orphans() > 0 || s.UnallocatedGroups > 0 {
		log.Warn("cost excluded from attribution",
			zap.Int("orphan_customers", s.OrphanCustomers),
			zap.Int("orphan_services", s.OrphanServices),
			zap.Int("unallocated_groups", s.UnallocatedGroups),
		)
	}
	return res, nil
}
