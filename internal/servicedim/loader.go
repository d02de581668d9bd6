package servicedim

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-attribution/internal/config"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/resilience"
	"github.com/sells-group/cost-attribution/internal/warehouse"
)

// TxRunner opens warehouse transactions.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx warehouse.Tx) error) error
}

// Summary reports a service dimension load.
type Summary struct {
	Observed  int `json:"observed"`
	Inserted  int `json:"inserted"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	Total     int `json:"total"`
}

// Metadata flattens the summary for the run log.
func (s *Summary) Metadata() map[string]any {
	return map[string]any{
		"observed":  s.Observed,
		"inserted":  s.Inserted,
		"updated":   s.Updated,
		"unchanged": s.Unchanged,
		"total":     s.Total,
	}
}

// Loader rebuilds the service dimension from raw cost lines.
type Loader struct {
	store TxRunner
	retry resilience.RetryConfig
	now   func() time.Time
}

// NewLoader creates a Loader.
func NewLoader(store TxRunner, cfg config.LoadConfig) *Loader {
	return &Loader{
		store: store,
		retry: resilience.FromLoadConfig(cfg, "servicedim.loader", "load services"),
		now:   time.Now,
	}
}

// Load aggregates observed services from raw cost lines and upserts them.
func (l *Loader) Load(ctx context.Context) (*Summary, error) {
	log := zap.L().With(zap.String("component", "servicedim.loader"))

	var sum *Summary
	err := resilience.Do(ctx, l.retry, func(ctx context.Context) error {
		return l.store.WithTx(ctx, func(ctx context.Context, tx warehouse.Tx) error {
			existing, err := tx.Services(ctx)
			if err != nil {
				return err
			}
			observed, err := tx.ServiceObservations(ctx)
			if err != nil {
				return err
			}

			s := &Summary{Observed: len(observed)}
			var writes []model.Service
			for _, m := range Merge(existing, observed, l.now().UTC()) {
				switch m.Change {
				case ChangeInsert:
					s.Inserted++
					writes = append(writes, m.Service)
				case ChangeUpdate:
					s.Updated++
					writes = append(writes, m.Service)
				default:
					s.Unchanged++
				}
			}
			s.Total = len(existing) + s.Inserted

			if len(writes) > 0 {
				if _, err := tx.UpsertServices(ctx, writes); err != nil {
					return eris.Wrap(err, "servicedim: upsert services")
				}
			}
			sum = s
			return nil
		})
	})
	if err != nil {
		log.Error("service dimension load failed", zap.Error(err))
		return nil, eris.Wrap(err, "servicedim: load")
	}

	log.Info("service dimension loaded",
		zap.Int("observed", sum.Observed),
		zap.Int("inserted", sum.Inserted),
		zap.Int("updated", sum.Updated),
		zap.Int("total", sum.Total),
	)
	return sum, nil
}
