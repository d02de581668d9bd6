package warehouse

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-attribution/internal/db"
	"github.com/sells-group/cost-attribution/internal/fault"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/money"
)

// Schema is the Postgres schema that holds every warehouse table.
const Schema = "cost_data"

const pgUniqueViolation = "23505"

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// PostgresStore implements Store on a pgx pool.
type PostgresStore struct {
	pgQueries
	pool    db.Pool
	closeFn func()
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	s := NewPostgresFromPool(pool)
	s.closeFn = pool.Close
	return s, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns its lifetime.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{
		pgQueries: pgQueries{q: pool, b: newBuilder(dialectPostgres, Schema)},
		pool:      pool,
	}
}

// Migrate applies pending schema migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	return migratePostgres(ctx, s.pool, Schema)
}

// Close releases the pool when the store created it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// WithTx runs fn inside one database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, &pgQueries{q: tx, b: s.b}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit tx")
}

// StartRun records a new running load.
func (s *PostgresStore) StartRun(ctx context.Context, load string) (string, error) {
	id := uuid.New().String()
	st, err := s.b.insertRun(id, load, time.Now())
	if err != nil {
		return "", err
	}
	if _, err := s.pool.Exec(ctx, st.SQL, st.Args...); err != nil {
		return "", eris.Wrapf(err, "postgres: start run %s", load)
	}
	return id, nil
}

// CompleteRun marks a run complete.
func (s *PostgresStore) CompleteRun(ctx context.Context, id string, rows int64, metadata map[string]any) error {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	return s.finishRun(ctx, id, model.RunStatusComplete, rows, "", meta)
}

// FailRun marks a run failed with an error message.
func (s *PostgresStore) FailRun(ctx context.Context, id string, errMsg string) error {
	return s.finishRun(ctx, id, model.RunStatusFailed, 0, errMsg, nil)
}

func (s *PostgresStore) finishRun(ctx context.Context, id string, status model.RunStatus, rows int64, errMsg string, meta []byte) error {
	st, err := s.b.finishRun(id, status, rows, errMsg, meta, time.Now())
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, st.SQL, st.Args...)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish run %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("postgres: run not found: %s", id)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	st, err := s.b.listRuns(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: iterate runs")
}

// pgQueries implements Reader and Tx over either the pool or a pgx.Tx.
type pgQueries struct {
	q db.Pool
	b builder
}

func collect[T any](ctx context.Context, q db.Pool, st sqlStatement, what string) ([]T, error) {
	rows, err := q.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: query %s", what)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToStructByName[T])
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan %s", what)
	}
	return out, nil
}

func (p *pgQueries) CurrentCustomers(ctx context.Context) ([]model.CustomerVersion, error) {
	st, err := p.b.currentCustomers()
	if err != nil {
		return nil, err
	}
	return collect[model.CustomerVersion](ctx, p.q, st, "current customers")
}

func (p *pgQueries) CustomerHistory(ctx context.Context, customerID string) ([]model.CustomerVersion, error) {
	st, err := p.b.customerHistory(customerID)
	if err != nil {
		return nil, err
	}
	return collect[model.CustomerVersion](ctx, p.q, st, "customer history")
}

func (p *pgQueries) MaxCustomerKey(ctx context.Context) (int64, error) {
	st, err := p.b.maxCustomerKey()
	if err != nil {
		return 0, err
	}
	var key int64
	if err := p.q.QueryRow(ctx, st.SQL, st.Args...).Scan(&key); err != nil {
		return 0, eris.Wrap(err, "postgres: max customer key")
	}
	return key, nil
}

func (p *pgQueries) ExpireCustomer(ctx context.Context, e model.Expiry) error {
	st, err := p.b.expireCustomer(e)
	if err != nil {
		return err
	}
	tag, err := p.q.Exec(ctx, st.SQL, st.Args...)
	if err != nil {
		return classifyPg(err, e.EffectiveTo, "expire customer", e.CustomerID)
	}
	if n := tag.RowsAffected(); n != 1 {
		return fault.New(fault.Conflict, e.EffectiveTo,
			fmt.Sprintf("customer_key %d is no longer current (%d rows matched)", e.CustomerKey, n),
			e.CustomerID)
	}
	return nil
}

func (p *pgQueries) InsertCustomers(ctx context.Context, versions []model.CustomerVersion) error {
	if len(versions) == 0 {
		return nil
	}
	rows := make([][]any, len(versions))
	ids := make([]string, len(versions))
	for i, v := range versions {
		rows[i] = []any{
			v.CustomerKey, v.CustomerID, v.EmailToken, v.PhoneRedacted, v.FirstName, v.LastName,
			v.Segment, pgDate(v.CreatedAt), pgDate(v.EffectiveFrom), pgDatePtr(v.EffectiveTo),
			v.IsCurrent, v.LoadedAt.UTC(),
		}
		ids[i] = v.CustomerID
	}
	if _, err := db.CopyFrom(ctx, p.q, p.b.qualified(tableCustomer), customerCols, rows); err != nil {
		return classifyPg(err, versions[0].EffectiveFrom, "insert customer versions", ids...)
	}
	return nil
}

func (p *pgQueries) Services(ctx context.Context) ([]model.Service, error) {
	st, err := p.b.services()
	if err != nil {
		return nil, err
	}
	return collect[model.Service](ctx, p.q, st, "services")
}

func (p *pgQueries) ServiceObservations(ctx context.Context) ([]model.ServiceObservation, error) {
	st, err := p.b.serviceObservations()
	if err != nil {
		return nil, err
	}
	return collect[model.ServiceObservation](ctx, p.q, st, "service observations")
}

// UpsertServices writes services keyed on (product_code, usage_type).
func (p *pgQueries) UpsertServices(ctx context.Context, services []model.Service) (int64, error) {
	rows := make([][]any, len(services))
	for i, s := range services {
		rows[i] = []any{s.ProductCode, s.UsageType, s.ServiceCategory, pgDate(s.FirstSeenDate), pgDate(s.LastSeenDate), s.UpdatedAt.UTC()}
	}
	return db.BulkUpsert(ctx, p.q, db.UpsertConfig{
		Table:        p.b.qualified(tableService),
		Columns:      serviceUpsert,
		ConflictKeys: []string{"product_code", "usage_type"},
	}, rows)
}

// InsertCostLines appends lines whose line_item_id is new.
func (p *pgQueries) InsertCostLines(ctx context.Context, lines []model.CostLine) (int64, error) {
	rows := make([][]any, len(lines))
	for i, l := range lines {
		var cost any
		if l.UnblendedCost != nil {
			n, err := pgNumeric(*l.UnblendedCost)
			if err != nil {
				return 0, err
			}
			cost = n
		}
		rows[i] = []any{l.LineItemID, pgDate(l.UsageDate), l.ProductCode, l.UsageType, nullableString(l.CustomerID), cost}
	}
	return db.BulkUpsert(ctx, p.q, db.UpsertConfig{
		Table:        p.b.qualified(tableCostLine),
		Columns:      costLineCols,
		ConflictKeys: []string{"line_item_id"},
		DoNothing:    true,
	}, rows)
}

func (p *pgQueries) StreamCostLines(ctx context.Context, window model.DateRange, fn func(model.CostLine) error) error {
	st, err := p.b.streamCostLines(window)
	if err != nil {
		return err
	}
	rows, err := p.q.Query(ctx, st.SQL, st.Args...)
	if err != nil {
		return eris.Wrap(err, "postgres: query cost lines")
	}
	defer rows.Close()

	for rows.Next() {
		line, err := pgx.RowToStructByName[model.CostLine](rows)
		if err != nil {
			return eris.Wrap(err, "postgres: scan cost line")
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "postgres: iterate cost lines")
}

func (p *pgQueries) ReplaceFacts(ctx context.Context, window model.DateRange, facts []model.CustomerCostFact, daily []model.DailyCost) error {
	for _, table := range []string{tableFact, tableDaily} {
		st, err := p.b.deleteWindow(table, window)
		if err != nil {
			return err
		}
		if _, err := p.q.Exec(ctx, st.SQL, st.Args...); err != nil {
			return eris.Wrapf(err, "postgres: clear %s for %s", table, window)
		}
	}

	factRows := make([][]any, len(facts))
	for i, f := range facts {
		n, err := pgNumeric(f.AllocatedCost.Round(money.Places))
		if err != nil {
			return err
		}
		factRows[i] = []any{pgDate(f.UsageDate), f.CustomerKey, f.ServiceKey, n, f.RecordCount, f.NullCostCount}
	}
	if _, err := db.CopyFrom(ctx, p.q, p.b.qualified(tableFact), factCols, factRows); err != nil {
		return classifyPg(err, window.From, "write customer cost facts")
	}

	dailyRows := make([][]any, len(daily))
	for i, d := range daily {
		n, err := pgNumeric(d.TotalCost.Round(money.Places))
		if err != nil {
			return err
		}
		dailyRows[i] = []any{pgDate(d.UsageDate), d.ServiceKey, n, d.RecordCount, d.NullCostCount}
	}
	if _, err := db.CopyFrom(ctx, p.q, p.b.qualified(tableDaily), dailyCols, dailyRows); err != nil {
		return classifyPg(err, window.From, "write daily costs")
	}
	return nil
}

func (p *pgQueries) CustomerCosts(ctx context.Context, filter FactFilter) ([]model.CustomerCostFact, error) {
	st, err := p.b.customerCosts(filter)
	if err != nil {
		return nil, err
	}
	return collect[model.CustomerCostFact](ctx, p.q, st, "customer costs")
}

func (p *pgQueries) DailyCosts(ctx context.Context, window model.DateRange) ([]model.DailyCost, error) {
	st, err := p.b.dailyCosts(window)
	if err != nil {
		return nil, err
	}
	return collect[model.DailyCost](ctx, p.q, st, "daily costs")
}

// classifyPg turns unique violations into conflict faults and wraps the rest.
func classifyPg(err error, date model.Date, action string, keys ...string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fault.Wrap(err, fault.Conflict, date, action+": "+pgErr.ConstraintName, keys...)
	}
	return eris.Wrapf(err, "postgres: %s", action)
}

func pgDate(d model.Date) pgtype.Date {
	if d.IsZero() {
		return pgtype.Date{}
	}
	return pgtype.Date{Time: d.Time(), Valid: true}
}

func pgDatePtr(d *model.Date) pgtype.Date {
	if d == nil {
		return pgtype.Date{}
	}
	return pgDate(*d)
}

func pgNumeric(a money.Amount) (pgtype.Numeric, error) {
	var n pgtype.Numeric
	if err := n.Scan(a.String()); err != nil {
		return n, eris.Wrapf(err, "postgres: encode amount %s", a)
	}
	return n, nil
}
