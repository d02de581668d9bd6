package scd

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-attribution/internal/config"
	"github.com/sells-group/cost-attribution/internal/mask"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/resilience"
	"github.com/sells-group/cost-attribution/internal/warehouse"
)

// TxRunner opens warehouse transactions.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx warehouse.Tx) error) error
}

// Summary reports the outcome of one snapshot load.
type Summary struct {
	AsOf      model.Date `json:"as_of"`
	Received  int        `json:"received"`
	New       int        `json:"new"`
	Changed   int        `json:"changed"`
	Unchanged int        `json:"unchanged"`
	Skipped   []Skip     `json:"skipped,omitempty"`
	Attempts  int        `json:"attempts"`
}

// RowsWritten is the number of dimension rows inserted or expired.
func (s *Summary) RowsWritten() int64 {
	return int64(s.New + 2*s.Changed)
}

// Metadata flattens the summary for the run log.
func (s *Summary) Metadata() map[string]any {
	reasons := map[string]int{}
	for _, sk := range s.Skipped {
		reasons[sk.Reason]++
	}
	return map[string]any{
		"as_of":     s.AsOf.String(),
		"received":  s.Received,
		"new":       s.New,
		"changed":   s.Changed,
		"unchanged": s.Unchanged,
		"skipped":   reasons,
		"attempts":  s.Attempts,
	}
}

// Loader applies customer snapshots to the warehouse.
type Loader struct {
	store  TxRunner
	masker *mask.Masker
	retry  resilience.RetryConfig
	now    func() time.Time
}

// NewLoader creates a Loader. Conflicted invocations are replayed
// according to cfg's retry policy.
func NewLoader(store TxRunner, masker *mask.Masker, cfg config.LoadConfig) *Loader {
	return &Loader{
		store:  store,
		masker: masker,
		retry:  resilience.FromLoadConfig(cfg, "scd.loader", "load snapshot"),
		now:    time.Now,
	}
}

// LoadSnapshot masks records, versions them against the current dimension
// as of asOf and writes the result in one transaction. The read of current
// state is repeated on every retry.
func (l *Loader) LoadSnapshot(ctx context.Context, records []model.CustomerRecord, asOf model.Date) (*Summary, error) {
	log := zap.L().With(zap.String("component", "scd.loader"), zap.String("as_of", asOf.String()))

	rows, origin, skipped := l.maskAll(records)
	sum := &Summary{AsOf: asOf, Received: len(records)}

	var plan *Plan
	err := resilience.Do(ctx, l.retry, func(ctx context.Context) error {
		sum.Attempts++
		return l.store.WithTx(ctx, func(ctx context.Context, tx warehouse.Tx) error {
			current, err := tx.CurrentCustomers(ctx)
			if err != nil {
				return err
			}
			maxKey, err := tx.MaxCustomerKey(ctx)
			if err != nil {
				return err
			}
			state, err := NewState(current, maxKey)
			if err != nil {
				return err
			}

			p, err := Apply(state, rows, asOf, l.now().UTC())
			if err != nil {
				return err
			}

			// Expire before insert so the one-current-row index never sees two.
			for _, e := range p.Expiries {
				if err := tx.ExpireCustomer(ctx, e); err != nil {
					return err
				}
			}
			if err := tx.InsertCustomers(ctx, p.Inserts); err != nil {
				return err
			}
			plan = p
			return nil
		})
	})
	if err != nil {
		log.Error("snapshot load failed", zap.Int("attempts", sum.Attempts), zap.Error(err))
		return sum, eris.Wrapf(err, "scd: load snapshot as of %s", asOf)
	}

	for _, sk := range plan.Skipped {
		sk.Row = origin[sk.Row]
		skipped = append(skipped, sk)
	}
	sortSkips(skipped)

	sum.New = plan.New
	sum.Changed = plan.Changed
	sum.Unchanged = plan.Unchanged
	sum.Skipped = skipped

	log.Info("snapshot loaded",
		zap.Int("received", sum.Received),
		zap.Int("new", sum.New),
		zap.Int("changed", sum.Changed),
		zap.Int("unchanged", sum.Unchanged),
		zap.Int("skipped", len(sum.Skipped)),
		zap.Int("attempts", sum.Attempts),
	)
	return sum, nil
}

// maskAll masks each record. Rows with no natural key are passed through
// for Apply to count; rows that fail masking are skipped here. origin maps
// each returned row back to its record index.
func (l *Loader) maskAll(records []model.CustomerRecord) ([]model.CustomerSnapshotRow, []int, []Skip) {
	rows := make([]model.CustomerSnapshotRow, 0, len(records))
	origin := make([]int, 0, len(records))
	var skipped []Skip
	for i, rec := range records {
		if isBlank(rec.CustomerID) {
			rows = append(rows, model.CustomerSnapshotRow{})
			origin = append(origin, i)
			continue
		}
		row, err := l.masker.MaskCustomer(rec)
		if err != nil {
			skipped = append(skipped, Skip{Row: i, CustomerID: rec.CustomerID, Reason: ReasonInvalid, Detail: err.Error()})
			continue
		}
		rows = append(rows, row)
		origin = append(origin, i)
	}
	return rows, origin, skipped
}
