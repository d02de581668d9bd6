// Package ingest appends raw cost lines from source files to the
// warehouse. Lines whose line item id is already stored are ignored, so
// re-ingesting a file is a no-op.
package ingest

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/cost-attribution/internal/config"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/resilience"
	"github.com/sells-group/cost-attribution/internal/source"
	"github.com/sells-group/cost-attribution/internal/warehouse"
)

const defaultBatchSize = 1000

// TxRunner opens warehouse transactions.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx warehouse.Tx) error) error
}

// CostStreamer yields the valid cost lines of a source file.
type CostStreamer interface {
	StreamCostLines(ctx context.Context, location string, fn func(model.CostLine) error) (*source.Summary, error)
}

// Summary reports one ingested file.
type Summary struct {
	Source     *source.Summary `json:"source"`
	Inserted   int64           `json:"inserted"`
	Duplicates int64           `json:"duplicates"`
}

// Metadata flattens the summary for the run log.
func (s *Summary) Metadata() map[string]any {
	m := map[string]any{
		"inserted":   s.Inserted,
		"duplicates": s.Duplicates,
	}
	if s.Source != nil {
		m["location"] = s.Source.Location
		m["format"] = string(s.Source.Format)
		m["rows"] = s.Source.Rows
		m["skipped"] = s.Source.Skipped
	}
	return m
}

// Loader ingests cost files.
type Loader struct {
	store  TxRunner
	reader CostStreamer
	batch  int
	retry  resilience.RetryConfig
}

// NewLoader creates a Loader.
func NewLoader(store TxRunner, reader CostStreamer, cfg config.LoadConfig) *Loader {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &Loader{
		store:  store,
		reader: reader,
		batch:  batch,
		retry:  resilience.FromLoadConfig(cfg, "ingest", "ingest costs"),
	}
}

// Ingest reads every valid line of the file at location and appends the
// new ones in batches inside a single transaction.
func (l *Loader) Ingest(ctx context.Context, location string) (*Summary, error) {
	log := zap.L().With(zap.String("component", "ingest"), zap.String("location", location))

	var sum *Summary
	err := resilience.Do(ctx, l.retry, func(ctx context.Context) error {
		s := &Summary{}
		err := l.store.WithTx(ctx, func(ctx context.Context, tx warehouse.Tx) error {
			buf := make([]model.CostLine, 0, l.batch)
			flush := func() error {
				if len(buf) == 0 {
					return nil
				}
				n, err := tx.InsertCostLines(ctx, buf)
				if err != nil {
					return eris.Wrap(err, "ingest: insert cost lines")
				}
				s.Inserted += n
				buf = buf[:0]
				return nil
			}

			src, err := l.reader.StreamCostLines(ctx, location, func(line model.CostLine) error {
				buf = append(buf, line)
				if len(buf) >= l.batch {
					return flush()
				}
				return nil
			})
			s.Source = src
			if err != nil {
				return err
			}
			return flush()
		})
		sum = s
		return err
	})
	if err != nil {
		log.Error("cost ingestion failed", zap.Error(err))
		return sum, err
	}

	if sum.Source != nil {
		sum.Duplicates = int64(sum.Source.Accepted) - sum.Inserted
	}
	log.Info("cost file ingested",
		zap.Int64("inserted", sum.Inserted),
		zap.Int64("duplicates", sum.Duplicates),
	)
	return sum, nil
}
