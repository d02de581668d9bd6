package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite" // driver registration

	"github.com/sells-group/cost-attribution/internal/fault"
	"github.com/sells-group/cost-attribution/internal/model"
)

// sqliteChunk bounds rows per multi-row INSERT to stay under the
// SQLite host parameter limit.
const sqliteChunk = 200

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	sqliteQueries
	db *sqlx.DB
}

// NewSQLite opens a SQLite database at dsn and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer; also keeps ":memory:" databases on a single connection.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{
		sqliteQueries: sqliteQueries{q: db, b: newBuilder(dialectSQLite, "")},
		db:            db,
	}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS dim_customer (
	customer_key   INTEGER PRIMARY KEY,
	customer_id    TEXT NOT NULL,
	email_token    TEXT NOT NULL,
	phone_redacted TEXT NOT NULL,
	first_name     TEXT NOT NULL DEFAULT '',
	last_name      TEXT NOT NULL DEFAULT '',
	segment        TEXT NOT NULL,
	created_at     TEXT,
	effective_from TEXT NOT NULL,
	effective_to   TEXT,
	is_current     BOOLEAN NOT NULL,
	loaded_at      DATETIME NOT NULL,
	CHECK (is_current = (effective_to IS NULL)),
	CHECK (effective_to IS NULL OR effective_to >= effective_from)
);

CREATE UNIQUE INDEX IF NOT EXISTS dim_customer_one_current ON dim_customer(customer_id) WHERE is_current;
CREATE INDEX IF NOT EXISTS dim_customer_history ON dim_customer(customer_id, effective_from);

CREATE TABLE IF NOT EXISTS dim_service (
	service_key      INTEGER PRIMARY KEY AUTOINCREMENT,
	product_code     TEXT NOT NULL,
	usage_type       TEXT NOT NULL DEFAULT '',
	service_category TEXT NOT NULL,
	first_seen_date  TEXT NOT NULL,
	last_seen_date   TEXT NOT NULL,
	updated_at       DATETIME NOT NULL,
	UNIQUE (product_code, usage_type)
);

CREATE TABLE IF NOT EXISTS raw_cost_line (
	line_item_id   TEXT PRIMARY KEY,
	usage_date     TEXT NOT NULL,
	product_code   TEXT NOT NULL,
	usage_type     TEXT NOT NULL DEFAULT '',
	customer_id    TEXT,
	unblended_cost TEXT
);

CREATE INDEX IF NOT EXISTS raw_cost_line_usage_date ON raw_cost_line(usage_date);

CREATE TABLE IF NOT EXISTS fact_customer_cost (
	usage_date      TEXT NOT NULL,
	customer_key    INTEGER NOT NULL REFERENCES dim_customer(customer_key),
	service_key     INTEGER NOT NULL REFERENCES dim_service(service_key),
	allocated_cost  TEXT NOT NULL,
	record_count    INTEGER NOT NULL CHECK (record_count >= 1),
	null_cost_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (usage_date, customer_key, service_key)
);

CREATE TABLE IF NOT EXISTS fact_daily_cost (
	usage_date      TEXT NOT NULL,
	service_key     INTEGER NOT NULL REFERENCES dim_service(service_key),
	total_cost      TEXT NOT NULL,
	record_count    INTEGER NOT NULL CHECK (record_count >= 1),
	null_cost_count INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (usage_date, service_key)
);

CREATE TABLE IF NOT EXISTS load_run (
	id            TEXT PRIMARY KEY,
	load_name     TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'running',
	started_at    DATETIME NOT NULL,
	completed_at  DATETIME,
	rows_affected INTEGER NOT NULL DEFAULT 0,
	error         TEXT,
	metadata      TEXT
);

CREATE INDEX IF NOT EXISTS load_run_started_at ON load_run(started_at);
`

// Migrate creates all tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside one database transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(ctx, &sqliteQueries{q: tx, b: s.b}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func (s *SQLiteStore) StartRun(ctx context.Context, load string) (string, error) {
	id := uuid.New().String()
	st, err := s.b.insertRun(id, load, time.Now())
	if err != nil {
		return "", err
	}
	if _, err := s.db.ExecContext(ctx, st.SQL, st.Args...); err != nil {
		return "", eris.Wrapf(err, "sqlite: start run %s", load)
	}
	return id, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, id string, rows int64, metadata map[string]any) error {
	meta, err := encodeMetadata(metadata)
	if err != nil {
		return err
	}
	return s.finishRun(ctx, id, model.RunStatusComplete, rows, "", meta)
}

func (s *SQLiteStore) FailRun(ctx context.Context, id string, errMsg string) error {
	return s.finishRun(ctx, id, model.RunStatusFailed, 0, errMsg, nil)
}

func (s *SQLiteStore) finishRun(ctx context.Context, id string, status model.RunStatus, rows int64, errMsg string, meta []byte) error {
	st, err := s.b.finishRun(id, status, rows, errMsg, meta, time.Now())
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish run %s", id)
	}
	return checkRowsAffected(res, "run", id)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.Run, error) {
	st, err := s.b.listRuns(limit)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

// sqliteQueries implements Reader and Tx over either the database or a transaction.
type sqliteQueries struct {
	q sqlx.ExtContext
	b builder
}

func (s *sqliteQueries) selectAll(ctx context.Context, dest any, st sqlStatement, what string) error {
	if err := sqlx.SelectContext(ctx, s.q, dest, st.SQL, st.Args...); err != nil {
		return eris.Wrapf(err, "sqlite: query %s", what)
	}
	return nil
}

func (s *sqliteQueries) CurrentCustomers(ctx context.Context) ([]model.CustomerVersion, error) {
	st, err := s.b.currentCustomers()
	if err != nil {
		return nil, err
	}
	var out []model.CustomerVersion
	if err := s.selectAll(ctx, &out, st, "current customers"); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteQueries) CustomerHistory(ctx context.Context, customerID string) ([]model.CustomerVersion, error) {
	st, err := s.b.customerHistory(customerID)
	if err != nil {
		return nil, err
	}
	var out []model.CustomerVersion
	if err := s.selectAll(ctx, &out, st, "customer history"); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteQueries) MaxCustomerKey(ctx context.Context) (int64, error) {
	st, err := s.b.maxCustomerKey()
	if err != nil {
		return 0, err
	}
	var key int64
	if err := sqlx.GetContext(ctx, s.q, &key, st.SQL, st.Args...); err != nil {
		return 0, eris.Wrap(err, "sqlite: max customer key")
	}
	return key, nil
}

func (s *sqliteQueries) ExpireCustomer(ctx context.Context, e model.Expiry) error {
	st, err := s.b.expireCustomer(e)
	if err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return classifySQLite(err, e.EffectiveTo, "expire customer", e.CustomerID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n != 1 {
		return fault.New(fault.Conflict, e.EffectiveTo,
			fmt.Sprintf("customer_key %d is no longer current (%d rows matched)", e.CustomerKey, n),
			e.CustomerID)
	}
	return nil
}

func (s *sqliteQueries) InsertCustomers(ctx context.Context, versions []model.CustomerVersion) error {
	for start := 0; start < len(versions); start += sqliteChunk {
		chunk := versions[start:min(start+sqliteChunk, len(versions))]
		st, err := s.b.insertCustomers(chunk)
		if err != nil {
			return err
		}
		if _, err := s.q.ExecContext(ctx, st.SQL, st.Args...); err != nil {
			ids := make([]string, len(chunk))
			for i, v := range chunk {
				ids[i] = v.CustomerID
			}
			return classifySQLite(err, chunk[0].EffectiveFrom, "insert customer versions", ids...)
		}
	}
	return nil
}

func (s *sqliteQueries) Services(ctx context.Context) ([]model.Service, error) {
	st, err := s.b.services()
	if err != nil {
		return nil, err
	}
	var out []model.Service
	if err := s.selectAll(ctx, &out, st, "services"); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteQueries) ServiceObservations(ctx context.Context) ([]model.ServiceObservation, error) {
	st, err := s.b.serviceObservations()
	if err != nil {
		return nil, err
	}
	var out []model.ServiceObservation
	if err := s.selectAll(ctx, &out, st, "service observations"); err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertServices updates rows that carry a service key in place and
// inserts the rest.
func (s *sqliteQueries) UpsertServices(ctx context.Context, services []model.Service) (int64, error) {
	var (
		affected int64
		fresh    []model.Service
	)
	for _, svc := range services {
		if svc.ServiceKey == 0 {
			fresh = append(fresh, svc)
			continue
		}
		st, err := s.b.updateService(svc)
		if err != nil {
			return affected, err
		}
		res, err := s.q.ExecContext(ctx, st.SQL, st.Args...)
		if err != nil {
			return affected, eris.Wrapf(err, "sqlite: update service %s", svc.NaturalKey())
		}
		n, _ := res.RowsAffected()
		affected += n
	}
	for start := 0; start < len(fresh); start += sqliteChunk {
		chunk := fresh[start:min(start+sqliteChunk, len(fresh))]
		st, err := s.b.insertServices(chunk)
		if err != nil {
			return affected, err
		}
		res, err := s.q.ExecContext(ctx, st.SQL, st.Args...)
		if err != nil {
			return affected, classifySQLite(err, chunk[0].FirstSeenDate, "insert services", chunk[0].NaturalKey().String())
		}
		n, _ := res.RowsAffected()
		affected += n
	}
	return affected, nil
}

func (s *sqliteQueries) InsertCostLines(ctx context.Context, lines []model.CostLine) (int64, error) {
	var affected int64
	for start := 0; start < len(lines); start += sqliteChunk {
		chunk := lines[start:min(start+sqliteChunk, len(lines))]
		st, err := s.b.insertCostLines(chunk)
		if err != nil {
			return affected, err
		}
		res, err := s.q.ExecContext(ctx, st.SQL, st.Args...)
		if err != nil {
			return affected, eris.Wrap(err, "sqlite: insert cost lines")
		}
		n, _ := res.RowsAffected()
		affected += n
	}
	return affected, nil
}

func (s *sqliteQueries) StreamCostLines(ctx context.Context, window model.DateRange, fn func(model.CostLine) error) error {
	st, err := s.b.streamCostLines(window)
	if err != nil {
		return err
	}
	rows, err := s.q.QueryxContext(ctx, st.SQL, st.Args...)
	if err != nil {
		return eris.Wrap(err, "sqlite: query cost lines")
	}
	defer rows.Close() //nolint:errcheck

	for rows.Next() {
		var line model.CostLine
		if err := rows.StructScan(&line); err != nil {
			return eris.Wrap(err, "sqlite: scan cost line")
		}
		if err := fn(line); err != nil {
			return err
		}
	}
	return eris.Wrap(rows.Err(), "sqlite: iterate cost lines")
}

func (s *sqliteQueries) ReplaceFacts(ctx context.Context, window model.DateRange, facts []model.CustomerCostFact, daily []model.DailyCost) error {
	for _, table := range []string{tableFact, tableDaily} {
		st, err := s.b.deleteWindow(table, window)
		if err != nil {
			return err
		}
		if _, err := s.q.ExecContext(ctx, st.SQL, st.Args...); err != nil {
			return eris.Wrapf(err, "sqlite: clear %s for %s", table, window)
		}
	}

	factRows := make([][]any, len(facts))
	for i, f := range facts {
		factRows[i] = factRow(f)
	}
	if err := s.insertChunked(ctx, tableFact, factCols, factRows, window.From); err != nil {
		return err
	}

	dailyRows := make([][]any, len(daily))
	for i, d := range daily {
		dailyRows[i] = dailyRow(d)
	}
	return s.insertChunked(ctx, tableDaily, dailyCols, dailyRows, window.From)
}

func (s *sqliteQueries) insertChunked(ctx context.Context, table string, columns []string, rows [][]any, date model.Date) error {
	for start := 0; start < len(rows); start += sqliteChunk {
		st, err := s.b.insertRows(table, columns, rows[start:min(start+sqliteChunk, len(rows))])
		if err != nil {
			return err
		}
		if _, err := s.q.ExecContext(ctx, st.SQL, st.Args...); err != nil {
			return classifySQLite(err, date, "insert "+table)
		}
	}
	return nil
}

func (s *sqliteQueries) CustomerCosts(ctx context.Context, filter FactFilter) ([]model.CustomerCostFact, error) {
	st, err := s.b.customerCosts(filter)
	if err != nil {
		return nil, err
	}
	var out []model.CustomerCostFact
	if err := s.selectAll(ctx, &out, st, "customer costs"); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqliteQueries) DailyCosts(ctx context.Context, window model.DateRange) ([]model.DailyCost, error) {
	st, err := s.b.dailyCosts(window)
	if err != nil {
		return nil, err
	}
	var out []model.DailyCost
	if err := s.selectAll(ctx, &out, st, "daily costs"); err != nil {
		return nil, err
	}
	return out, nil
}

// classifySQLite turns uniqueness failures into conflict faults.
func classifySQLite(err error, date model.Date, action string, keys ...string) error {
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fault.Wrap(err, fault.Conflict, date, action, keys...)
	}
	return eris.Wrapf(err, "sqlite: %s", action)
}
