// Package warehouse persists the customer and service dimensions, raw cost
// lines, attributed facts and the load run log. Postgres and SQLite
// backends share one set of goqu statement builders.
package warehouse

import (
	"context"

	"github.com/sells-group/cost-attribution/internal/model"
)

// FactFilter narrows attributed fact reads.
type FactFilter struct {
	Window       model.DateRange
	CustomerKeys []int64
	ServiceKeys  []int64
}

// Reader is the read-only view of the warehouse.
type Reader interface {
	CustomerHistory(ctx context.Context, customerID string) ([]model.CustomerVersion, error)
	Services(ctx context.Context) ([]model.Service, error)
	CustomerCosts(ctx context.Context, filter FactFilter) ([]model.CustomerCostFact, error)
	DailyCosts(ctx context.Context, window model.DateRange) ([]model.DailyCost, error)
}

// Tx is the unit of work for one load invocation. All reads and writes
// of a dimension or fact load go through a single Tx.
type Tx interface {
	Reader

	CurrentCustomers(ctx context.Context) ([]model.CustomerVersion, error)
	MaxCustomerKey(ctx context.Context) (int64, error)
	// ExpireCustomer closes the current version only if it is still the
	// current row for that customer; otherwise it returns a conflict fault.
	ExpireCustomer(ctx context.Context, e model.Expiry) error
	InsertCustomers(ctx context.Context, versions []model.CustomerVersion) error

	ServiceObservations(ctx context.Context) ([]model.ServiceObservation, error)
	UpsertServices(ctx context.Context, services []model.Service) (int64, error)

	InsertCostLines(ctx context.Context, lines []model.CostLine) (int64, error)
	StreamCostLines(ctx context.Context, window model.DateRange, fn func(model.CostLine) error) error

	// ReplaceFacts deletes facts and daily totals inside window and writes the new set.
	ReplaceFacts(ctx context.Context, window model.DateRange, facts []model.CustomerCostFact, daily []model.DailyCost) error
}

// RunLog records load runs.
type RunLog interface {
	StartRun(ctx context.Context, load string) (string, error)
	CompleteRun(ctx context.Context, id string, rows int64, metadata map[string]any) error
	FailRun(ctx context.Context, id string, errMsg string) error
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
}

// Store is the full persistence interface.
type Store interface {
	Reader
	RunLog

	// WithTx runs fn in one transaction. It commits when fn returns nil
	// and rolls back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Migrate(ctx context.Context) error
	Close() error
}
