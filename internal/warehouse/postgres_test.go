package warehouse

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/cost-attribution/internal/fault"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/money"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresFromPool(mock), mock
}

func TestPostgres_MaxCustomerKey(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT COALESCE\(MAX\("customer_key"\),\s*\$1\)`).
		WithArgs(int64(0)).
		WillReturnRows(pgxmock.NewRows([]string{"max_key"}).AddRow(int64(41)))

	key, err := s.MaxCustomerKey(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(41), key)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ExpireCustomer_NoRowIsConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "cost_data"."dim_customer" SET .* "is_current" IS TRUE`).
		WithArgs("2025-03-01", false, int64(7), "C7").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectRollback()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.ExpireCustomer(ctx, model.Expiry{CustomerKey: 7, CustomerID: "C7", EffectiveTo: model.MustDate("2025-03-01")})
	})
	require.Error(t, err)
	f, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.Conflict, f.Kind)
	assert.Equal(t, []string{"C7"}, f.NaturalKeys)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ExpireCustomer_OneRow(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "cost_data"."dim_customer" SET .* "is_current" IS TRUE`).
		WithArgs("2025-03-01", false, int64(7), "C7").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.ExpireCustomer(ctx, model.Expiry{CustomerKey: 7, CustomerID: "C7", EffectiveTo: model.MustDate("2025-03-01")})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertCustomers_UniqueViolationIsConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"cost_data", "dim_customer"}, customerCols).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "dim_customer_one_current"})

	err := s.InsertCustomers(context.Background(), []model.CustomerVersion{{
		CustomerKey: 1, CustomerID: "C1", Segment: "SMB",
		EffectiveFrom: model.MustDate("2025-01-01"), IsCurrent: true, LoadedAt: time.Now(),
	}})
	require.Error(t, err)
	assert.True(t, fault.IsConflict(err))
	assert.Contains(t, err.Error(), "dim_customer_one_current")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_InsertCustomers_OtherErrorIsNotConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"cost_data", "dim_customer"}, customerCols).
		WillReturnError(errors.New("connection reset"))

	err := s.InsertCustomers(context.Background(), []model.CustomerVersion{{CustomerKey: 1, CustomerID: "C1"}})
	require.Error(t, err)
	assert.False(t, fault.IsConflict(err))
	assert.Contains(t, err.Error(), "postgres: insert customer versions")
}

func TestPostgres_ReplaceFacts(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	window := model.DateRange{From: model.MustDate("2025-01-01"), To: model.MustDate("2025-01-31")}

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM "cost_data"."fact_customer_cost" WHERE`).
		WithArgs("2025-01-01", "2025-01-31").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`DELETE FROM "cost_data"."fact_daily_cost" WHERE`).
		WithArgs("2025-01-01", "2025-01-31").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectCopyFrom(pgx.Identifier{"cost_data", "fact_customer_cost"}, factCols).WillReturnResult(1)
	mock.ExpectCopyFrom(pgx.Identifier{"cost_data", "fact_daily_cost"}, dailyCols).WillReturnResult(1)
	mock.ExpectCommit()

	err := s.WithTx(context.Background(), func(ctx context.Context, tx Tx) error {
		return tx.ReplaceFacts(ctx, window,
			[]model.CustomerCostFact{{UsageDate: model.MustDate("2025-01-05"), CustomerKey: 1, ServiceKey: 2,
				AllocatedCost: money.MustParse("3.335"), RecordCount: 1}},
			[]model.DailyCost{{UsageDate: model.MustDate("2025-01-05"), ServiceKey: 2,
				TotalCost: money.MustParse("3.335"), RecordCount: 1}})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_StartAndFailRun(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	// Record columns bind in sorted order: id, load_name, rows_affected, started_at, status.
	mock.ExpectExec(`INSERT INTO "cost_data"."load_run"`).
		WithArgs(pgxmock.AnyArg(), model.LoadFacts, int64(0), pgxmock.AnyArg(), "running").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	// completed_at, error, rows_affected, status, then the id in the WHERE clause.
	mock.ExpectExec(`UPDATE "cost_data"."load_run" SET`).
		WithArgs(pgxmock.AnyArg(), "boom", int64(0), "failed", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	id, err := s.StartRun(context.Background(), model.LoadFacts)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	require.NoError(t, s.FailRun(context.Background(), id, "boom"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_FinishRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE "cost_data"."load_run" SET`).
		WithArgs(pgxmock.AnyArg(), nil, pgxmock.AnyArg(), int64(1), "complete", "nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.CompleteRun(context.Background(), "nope", 1, map[string]any{"rows": 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListRuns(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	started := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	done := started.Add(time.Minute)
	errMsg := "out of order"

	mock.ExpectQuery(`SELECT "id", "load_name", "status", "started_at", "completed_at", "rows_affected", "error", "metadata" FROM "cost_data"."load_run" ORDER BY .* LIMIT \$1`).
		WithArgs(int64(10)).
		WillReturnRows(pgxmock.NewRows(runCols).
			AddRow("r2", model.LoadCustomers, "failed", started, &done, int64(0), &errMsg, []byte(nil)).
			AddRow("r1", model.LoadCostLines, "complete", started, &done, int64(5), (*string)(nil), []byte(`{"source":"cur.csv"}`)))

	runs, err := s.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, model.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "out of order", runs[0].Error)
	assert.Equal(t, "cur.csv", runs[1].Metadata["source"])
	assert.Equal(t, int64(5), runs[1].RowsAffected)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratePostgres_AppliesPending(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`SELECT pg_advisory_lock`).WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`CREATE SCHEMA IF NOT EXISTS cost_data`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectQuery(`SELECT filename FROM cost_data.schema_migrations`).
		WillReturnRows(pgxmock.NewRows([]string{"filename"}).AddRow("001_init.sql"))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS cost_data.fact_customer_cost`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(`INSERT INTO cost_data.schema_migrations`).WithArgs("002_facts.sql").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`SELECT pg_advisory_unlock`).WithArgs(migrationLockID).WillReturnResult(pgxmock.NewResult("SELECT", 1))

	require.NoError(t, migratePostgres(context.Background(), mock, Schema))
	assert.NoError(t, mock.ExpectationsWereMet())
}
