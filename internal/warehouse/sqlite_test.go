package warehouse

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cost-attribution/internal/fault"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/money"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func version(key int64, id, segment, from string) model.CustomerVersion {
	return model.CustomerVersion{
		CustomerKey:   key,
		CustomerID:    id,
		EmailToken:    "tok-" + id,
		PhoneRedacted: "XXX-XXX-1234",
		FirstName:     "Ada",
		LastName:      "Lovelace",
		Segment:       segment,
		CreatedAt:     model.MustDate("2024-06-01"),
		EffectiveFrom: model.MustDate(from),
		IsCurrent:     true,
		LoadedAt:      time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func amt(s string) *money.Amount {
	a := money.MustParse(s)
	return &a
}

func TestSQLite_MigrateIdempotent(t *testing.T) {
	st := newTestSQLiteStore(t)
	assert.NoError(t, st.Migrate(context.Background()))
}

func TestSQLite_CustomerVersioning(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertCustomers(ctx, []model.CustomerVersion{
			version(1, "C1", "SMB", "2025-01-01"),
			version(2, "C2", "Enterprise", "2025-01-01"),
		})
	})
	require.NoError(t, err)

	err = st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.CurrentCustomers(ctx)
		require.NoError(t, err)
		require.Len(t, cur, 2)
		assert.Equal(t, "C1", cur[0].CustomerID)
		assert.Nil(t, cur[0].EffectiveTo)
		assert.True(t, cur[0].IsCurrent)

		maxKey, err := tx.MaxCustomerKey(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), maxKey)

		asOf := model.MustDate("2025-02-01")
		require.NoError(t, tx.ExpireCustomer(ctx, model.Expiry{CustomerKey: 1, CustomerID: "C1", EffectiveTo: asOf}))
		return tx.InsertCustomers(ctx, []model.CustomerVersion{version(3, "C1", "Enterprise", "2025-02-01")})
	})
	require.NoError(t, err)

	hist, err := st.CustomerHistory(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, hist, 2)

	assert.Equal(t, int64(1), hist[0].CustomerKey)
	assert.Equal(t, "SMB", hist[0].Segment)
	assert.False(t, hist[0].IsCurrent)
	require.NotNil(t, hist[0].EffectiveTo)
	assert.Equal(t, "2025-02-01", hist[0].EffectiveTo.String())
	assert.Equal(t, "2024-06-01", hist[0].CreatedAt.String())

	assert.Equal(t, int64(3), hist[1].CustomerKey)
	assert.Equal(t, "Enterprise", hist[1].Segment)
	assert.True(t, hist[1].IsCurrent)
	assert.Nil(t, hist[1].EffectiveTo)

	all, err := st.CustomerHistory(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSQLite_ExpireCustomer_StaleIsConflict(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertCustomers(ctx, []model.CustomerVersion{version(1, "C1", "SMB", "2025-01-01")})
	}))

	err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.ExpireCustomer(ctx, model.Expiry{CustomerKey: 99, CustomerID: "C1", EffectiveTo: model.MustDate("2025-02-01")})
	})
	require.Error(t, err)
	assert.True(t, fault.IsConflict(err))

	// Nothing changed.
	hist, err := st.CustomerHistory(ctx, "C1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.True(t, hist[0].IsCurrent)
}

func TestSQLite_SecondCurrentVersionIsConflict(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertCustomers(ctx, []model.CustomerVersion{version(1, "C1", "SMB", "2025-01-01")})
	}))

	err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.InsertCustomers(ctx, []model.CustomerVersion{version(2, "C1", "Enterprise", "2025-02-01")})
	})
	require.Error(t, err)
	assert.True(t, fault.IsConflict(err))
}

func TestSQLite_RollbackOnError(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		require.NoError(t, tx.InsertCustomers(ctx, []model.CustomerVersion{version(1, "C1", "SMB", "2025-01-01")}))
		return fault.New(fault.InputValidation, model.MustDate("2025-01-01"), "boom")
	})
	require.Error(t, err)

	hist, err := st.CustomerHistory(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestSQLite_CostLinesAppendIfNew(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	first := []model.CostLine{
		{LineItemID: "L1", UsageDate: model.MustDate("2025-01-01"), ProductCode: "AmazonEC2", UsageType: "BoxUsage", UnblendedCost: amt("10.00")},
		{LineItemID: "L2", UsageDate: model.MustDate("2025-01-02"), ProductCode: "AmazonS3", UsageType: "TimedStorage", CustomerID: "C1"},
	}
	var n int64
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.InsertCostLines(ctx, first)
		return err
	}))
	assert.Equal(t, int64(2), n)

	second := []model.CostLine{
		{LineItemID: "L2", UsageDate: model.MustDate("2025-01-02"), ProductCode: "AmazonS3", UsageType: "TimedStorage", UnblendedCost: amt("99")},
		{LineItemID: "L3", UsageDate: model.MustDate("2025-01-03"), ProductCode: "AmazonEC2", UsageType: "BoxUsage", UnblendedCost: amt("0.333")},
	}
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		n, err = tx.InsertCostLines(ctx, second)
		return err
	}))
	assert.Equal(t, int64(1), n)

	var got []model.CostLine
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.StreamCostLines(ctx, model.DateRange{From: model.MustDate("2025-01-02")}, func(l model.CostLine) error {
			got = append(got, l)
			return nil
		})
	}))
	require.Len(t, got, 2)
	assert.Equal(t, "L2", got[0].LineItemID)
	assert.Equal(t, "C1", got[0].CustomerID)
	assert.Nil(t, got[0].UnblendedCost, "existing line must not be overwritten")
	assert.Equal(t, "L3", got[1].LineItemID)
	assert.Equal(t, "", got[1].CustomerID)
	require.NotNil(t, got[1].UnblendedCost)
	assert.Equal(t, "0.333", got[1].UnblendedCost.String())

	obs, err := func() ([]model.ServiceObservation, error) {
		var out []model.ServiceObservation
		err := st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			var err error
			out, err = tx.ServiceObservations(ctx)
			return err
		})
		return out, err
	}()
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, "AmazonEC2", obs[0].ProductCode)
	assert.Equal(t, "2025-01-01", obs[0].FirstSeen.String())
	assert.Equal(t, "2025-01-03", obs[0].LastSeen.String())
}

func TestSQLite_UpsertServices(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC)

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		n, err := tx.UpsertServices(ctx, []model.Service{
			{ProductCode: "AmazonEC2", UsageType: "BoxUsage", ServiceCategory: "Compute",
				FirstSeenDate: model.MustDate("2025-01-01"), LastSeenDate: model.MustDate("2025-01-02"), UpdatedAt: now},
			{ProductCode: "AmazonS3", UsageType: "", ServiceCategory: "Storage",
				FirstSeenDate: model.MustDate("2025-01-01"), LastSeenDate: model.MustDate("2025-01-01"), UpdatedAt: now},
		})
		assert.Equal(t, int64(2), n)
		return err
	}))

	svcs, err := st.Services(ctx)
	require.NoError(t, err)
	require.Len(t, svcs, 2)
	ec2 := svcs[0]
	assert.Equal(t, "AmazonEC2", ec2.ProductCode)
	assert.NotZero(t, ec2.ServiceKey)

	ec2.LastSeenDate = model.MustDate("2025-01-09")
	ec2.UpdatedAt = now.Add(time.Hour)
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		_, err := tx.UpsertServices(ctx, []model.Service{ec2})
		return err
	}))

	svcs, err = st.Services(ctx)
	require.NoError(t, err)
	require.Len(t, svcs, 2)
	assert.Equal(t, ec2.ServiceKey, svcs[0].ServiceKey, "surrogate key must be stable")
	assert.Equal(t, "2025-01-09", svcs[0].LastSeenDate.String())
}

func TestSQLite_ReplaceFactsWithinWindow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertCustomers(ctx, []model.CustomerVersion{
			version(1, "C1", "SMB", "2025-01-01"),
			version(2, "C2", "SMB", "2025-01-01"),
		}); err != nil {
			return err
		}
		_, err := tx.UpsertServices(ctx, []model.Service{{
			ProductCode: "AmazonEC2", UsageType: "BoxUsage", ServiceCategory: "Compute",
			FirstSeenDate: model.MustDate("2025-01-01"), LastSeenDate: model.MustDate("2025-01-02"), UpdatedAt: now,
		}})
		return err
	}))
	svcs, err := st.Services(ctx)
	require.NoError(t, err)
	sk := svcs[0].ServiceKey

	fact := func(date string, ck int64, cost string) model.CustomerCostFact {
		return model.CustomerCostFact{UsageDate: model.MustDate(date), CustomerKey: ck, ServiceKey: sk,
			AllocatedCost: money.MustParse(cost), RecordCount: 1}
	}
	daily := func(date, cost string) model.DailyCost {
		return model.DailyCost{UsageDate: model.MustDate(date), ServiceKey: sk, TotalCost: money.MustParse(cost), RecordCount: 1}
	}

	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.ReplaceFacts(ctx, model.DateRange{},
			[]model.CustomerCostFact{fact("2025-01-01", 1, "5"), fact("2025-01-01", 2, "5"), fact("2025-01-02", 1, "3.5")},
			[]model.DailyCost{daily("2025-01-01", "10"), daily("2025-01-02", "3.5")})
	}))

	// Re-run only 2025-01-02; 2025-01-01 must survive.
	window := model.DateRange{From: model.MustDate("2025-01-02"), To: model.MustDate("2025-01-02")}
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.ReplaceFacts(ctx, window,
			[]model.CustomerCostFact{fact("2025-01-02", 1, "2"), fact("2025-01-02", 2, "2")},
			[]model.DailyCost{daily("2025-01-02", "4")})
	}))

	facts, err := st.CustomerCosts(ctx, FactFilter{})
	require.NoError(t, err)
	require.Len(t, facts, 4)
	assert.Equal(t, "5.00", facts[0].AllocatedCost.String())
	assert.Equal(t, "2025-01-02", facts[2].UsageDate.String())
	assert.Equal(t, "2.00", facts[2].AllocatedCost.String())

	onlyC2, err := st.CustomerCosts(ctx, FactFilter{CustomerKeys: []int64{2}})
	require.NoError(t, err)
	assert.Len(t, onlyC2, 2)

	days, err := st.DailyCosts(ctx, window)
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, "4.00", days[0].TotalCost.String())
}

func TestSQLite_RunLog(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	id1, err := st.StartRun(ctx, model.LoadCustomers)
	require.NoError(t, err)
	require.NoError(t, st.CompleteRun(ctx, id1, 12, map[string]any{"as_of": "2025-01-01"}))

	id2, err := st.StartRun(ctx, model.LoadFacts)
	require.NoError(t, err)
	require.NoError(t, st.FailRun(ctx, id2, "consistency fault"))

	runs, err := st.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	byID := map[string]model.Run{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	assert.Equal(t, model.RunStatusComplete, byID[id1].Status)
	assert.Equal(t, int64(12), byID[id1].RowsAffected)
	assert.Equal(t, "2025-01-01", byID[id1].Metadata["as_of"])
	require.NotNil(t, byID[id1].CompletedAt)

	assert.Equal(t, model.RunStatusFailed, byID[id2].Status)
	assert.Equal(t, "consistency fault", byID[id2].Error)

	assert.Error(t, st.CompleteRun(ctx, "missing", 0, nil))
}

func tableColumns(t *testing.T, st *SQLiteStore, table string) []string {
	t.Helper()
	rows, err := st.db.Queryx("SELECT name FROM pragma_table_info(?) ORDER BY cid", table)
	require.NoError(t, err)
	defer rows.Close() //nolint:errcheck
	var out []string
	for rows.Next() {
		var name string
		require.NoError(t, rows.Scan(&name))
		out = append(out, name)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestSQLite_FactTablesCarrySurrogateKeysOnly(t *testing.T) {
	st := newTestSQLiteStore(t)

	assert.Equal(t, []string{
		"usage_date", "customer_key", "service_key", "allocated_cost", "record_count", "null_cost_count",
	}, tableColumns(t, st, tableFact))
	assert.Equal(t, []string{
		"usage_date", "service_key", "total_cost", "record_count", "null_cost_count",
	}, tableColumns(t, st, tableDaily))
}

func TestSQLite_FactRowsHoldNoCustomerAttributes(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	c1 := version(1, "CUST-ADA", "SMB", "2025-01-01")
	c2 := version(2, "CUST-BOB", "SMB", "2025-01-01")
	c2.FirstName, c2.LastName, c2.EmailToken = "Bob", "Builder", "tok-bob"
	require.NoError(t, st.WithTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertCustomers(ctx, []model.CustomerVersion{c1, c2}); err != nil {
			return err
		}
		if _, err := tx.UpsertServices(ctx, []model.Service{{
			ProductCode: "AmazonEC2", UsageType: "BoxUsage", ServiceCategory: "Compute",
			FirstSeenDate: model.MustDate("2025-01-01"), LastSeenDate: model.MustDate("2025-01-01"), UpdatedAt: now,
		}}); err != nil {
			return err
		}
		return tx.ReplaceFacts(ctx, model.DateRange{},
			[]model.CustomerCostFact{
				{UsageDate: model.MustDate("2025-01-01"), CustomerKey: 1, ServiceKey: 1, AllocatedCost: money.MustParse("5"), RecordCount: 1},
				{UsageDate: model.MustDate("2025-01-01"), CustomerKey: 2, ServiceKey: 1, AllocatedCost: money.MustParse("5"), RecordCount: 1},
			},
			[]model.DailyCost{{UsageDate: model.MustDate("2025-01-01"), ServiceKey: 1, TotalCost: money.MustParse("10"), RecordCount: 1}})
	}))

	attrs := map[string]bool{}
	for _, v := range []model.CustomerVersion{c1, c2} {
		for _, s := range []string{v.CustomerID, v.EmailToken, v.PhoneRedacted, v.FirstName, v.LastName} {
			attrs[s] = true
		}
	}

	for _, table := range []string{tableFact, tableDaily} {
		rows, err := st.db.Queryx("SELECT * FROM " + table)
		require.NoError(t, err)
		n := 0
		for rows.Next() {
			vals, err := rows.SliceScan()
			require.NoError(t, err)
			for _, v := range vals {
				if b, ok := v.([]byte); ok {
					v = string(b)
				}
				assert.False(t, attrs[fmt.Sprint(v)], "%s stores customer attribute %v", table, v)
			}
			n++
		}
		require.NoError(t, rows.Err())
		require.NoError(t, rows.Close())
		assert.NotZero(t, n, table)
	}
}
