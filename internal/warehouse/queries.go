package warehouse

import (
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-attribution/internal/model"
)

const (
	dialectPostgres = "postgres"
	dialectSQLite   = "sqlite3"

	tableCustomer = "dim_customer"
	tableService  = "dim_service"
	tableCostLine = "raw_cost_line"
	tableFact     = "fact_customer_cost"
	tableDaily    = "fact_daily_cost"
	tableRun      = "load_run"
)

var (
	customerCols = []string{
		"customer_key", "customer_id", "email_token", "phone_redacted", "first_name", "last_name",
		"segment", "created_at", "effective_from", "effective_to", "is_current", "loaded_at",
	}
	serviceCols    = []string{"service_key", "product_code", "usage_type", "service_category", "first_seen_date", "last_seen_date", "updated_at"}
	serviceUpsert  = []string{"product_code", "usage_type", "service_category", "first_seen_date", "last_seen_date", "updated_at"}
	costLineCols   = []string{"line_item_id", "usage_date", "product_code", "usage_type", "customer_id", "unblended_cost"}
	factCols       = []string{"usage_date", "customer_key", "service_key", "allocated_cost", "record_count", "null_cost_count"}
	dailyCols      = []string{"usage_date", "service_key", "total_cost", "record_count", "null_cost_count"}
	runCols        = []string{"id", "load_name", "status", "started_at", "completed_at", "rows_affected", "error", "metadata"}
)

// sqlStatement is a rendered statement with positional arguments.
type sqlStatement struct {
	SQL  string
	Args []any
}

// builder renders parameterized statements for one dialect. Values never
// reach the SQL text; goqu emits placeholders in prepared mode.
type builder struct {
	d      goqu.DialectWrapper
	schema string
}

func newBuilder(dialect, schema string) builder {
	return builder{d: goqu.Dialect(dialect), schema: schema}
}

func (b builder) table(name string) exp.IdentifierExpression {
	if b.schema == "" {
		return goqu.T(name)
	}
	return goqu.S(b.schema).Table(name)
}

// qualified returns "schema.table" for COPY and bulk upsert helpers.
func (b builder) qualified(name string) string {
	if b.schema == "" {
		return name
	}
	return b.schema + "." + name
}

type toSQLer interface {
	ToSQL() (string, []any, error)
}

func render(ds toSQLer, what string) (sqlStatement, error) {
	q, args, err := ds.ToSQL()
	if err != nil {
		return sqlStatement{}, eris.Wrapf(err, "warehouse: build %s", what)
	}
	return sqlStatement{SQL: q, Args: args}, nil
}

func cols(names []string) []any {
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = goqu.C(n)
	}
	return out
}

func colNames(names []string) []any {
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = n
	}
	return out
}

func windowWhere(col string, w model.DateRange) []exp.Expression {
	var where []exp.Expression
	if !w.From.IsZero() {
		where = append(where, goqu.C(col).Gte(w.From.String()))
	}
	if !w.To.IsZero() {
		where = append(where, goqu.C(col).Lte(w.To.String()))
	}
	return where
}

func nullableDate(d *model.Date) any {
	if d == nil || d.IsZero() {
		return nil
	}
	return d.String()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Customers

func (b builder) currentCustomers() (sqlStatement, error) {
	return render(b.d.From(b.table(tableCustomer)).
		Select(cols(customerCols)...).
		Where(goqu.C("is_current").Eq(true)).
		Order(goqu.C("customer_id").Asc()).
		Prepared(true), "current customers")
}

func (b builder) customerHistory(customerID string) (sqlStatement, error) {
	ds := b.d.From(b.table(tableCustomer)).Select(cols(customerCols)...)
	if customerID != "" {
		ds = ds.Where(goqu.C("customer_id").Eq(customerID))
	}
	return render(ds.Order(
		goqu.C("customer_id").Asc(),
		goqu.C("effective_from").Asc(),
		goqu.C("customer_key").Asc(),
	).Prepared(true), "customer history")
}

func (b builder) maxCustomerKey() (sqlStatement, error) {
	return render(b.d.From(b.table(tableCustomer)).
		Select(goqu.COALESCE(goqu.MAX("customer_key"), 0).As("max_key")).
		Prepared(true), "max customer key")
}

// expireCustomer matches on surrogate key, natural key and the current
// flag, so exactly one row is affected only if nothing changed since read.
func (b builder) expireCustomer(e model.Expiry) (sqlStatement, error) {
	return render(b.d.Update(b.table(tableCustomer)).
		Set(goqu.Record{"effective_to": e.EffectiveTo.String(), "is_current": false}).
		Where(
			goqu.C("customer_key").Eq(e.CustomerKey),
			goqu.C("customer_id").Eq(e.CustomerID),
			goqu.C("is_current").Eq(true),
		).Prepared(true), "expire customer")
}

func customerRow(v model.CustomerVersion) []any {
	return []any{
		v.CustomerKey, v.CustomerID, v.EmailToken, v.PhoneRedacted, v.FirstName, v.LastName,
		v.Segment, nullableDate(&v.CreatedAt), v.EffectiveFrom.String(), nullableDate(v.EffectiveTo),
		v.IsCurrent, v.LoadedAt.UTC(),
	}
}

func (b builder) insertCustomers(vs []model.CustomerVersion) (sqlStatement, error) {
	rows := make([][]any, len(vs))
	for i, v := range vs {
		rows[i] = customerRow(v)
	}
	return render(b.d.Insert(b.table(tableCustomer)).
		Cols(colNames(customerCols)...).
		Vals(rows...).
		Prepared(true), "insert customers")
}

// Services

func (b builder) services() (sqlStatement, error) {
	return render(b.d.From(b.table(tableService)).
		Select(cols(serviceCols)...).
		Order(goqu.C("service_key").Asc()).
		Prepared(true), "services")
}

func (b builder) serviceObservations() (sqlStatement, error) {
	return render(b.d.From(b.table(tableCostLine)).
		Select(
			goqu.C("product_code"),
			goqu.C("usage_type"),
			goqu.MIN("usage_date").As("first_seen"),
			goqu.MAX("usage_date").As("last_seen"),
		).
		GroupBy(goqu.C("product_code"), goqu.C("usage_type")).
		Order(goqu.C("product_code").Asc(), goqu.C("usage_type").Asc()).
		Prepared(true), "service observations")
}

func serviceRow(s model.Service) []any {
	return []any{s.ProductCode, s.UsageType, s.ServiceCategory, s.FirstSeenDate.String(), s.LastSeenDate.String(), s.UpdatedAt.UTC()}
}

func (b builder) insertServices(ss []model.Service) (sqlStatement, error) {
	rows := make([][]any, len(ss))
	for i, s := range ss {
		rows[i] = serviceRow(s)
	}
	return b.insertRows(tableService, serviceUpsert, rows)
}

// updateService overwrites a known service row in place (Type-1).
func (b builder) updateService(s model.Service) (sqlStatement, error) {
	return render(b.d.Update(b.table(tableService)).
		Set(goqu.Record{
			"service_category": s.ServiceCategory,
			"first_seen_date":  s.FirstSeenDate.String(),
			"last_seen_date":   s.LastSeenDate.String(),
			"updated_at":       s.UpdatedAt.UTC(),
		}).
		Where(goqu.C("service_key").Eq(s.ServiceKey)).
		Prepared(true), "update service")
}

// Raw cost lines

func costLineRow(c model.CostLine) []any {
	var cost any
	if c.UnblendedCost != nil {
		cost = c.UnblendedCost.String()
	}
	return []any{c.LineItemID, c.UsageDate.String(), c.ProductCode, c.UsageType, nullableString(c.CustomerID), cost}
}

func (b builder) insertCostLines(lines []model.CostLine) (sqlStatement, error) {
	rows := make([][]any, len(lines))
	for i, l := range lines {
		rows[i] = costLineRow(l)
	}
	return render(b.d.Insert(b.table(tableCostLine)).
		Cols(colNames(costLineCols)...).
		Vals(rows...).
		OnConflict(goqu.DoNothing()).
		Prepared(true), "insert cost lines")
}

func (b builder) streamCostLines(window model.DateRange) (sqlStatement, error) {
	ds := b.d.From(b.table(tableCostLine)).Select(
		goqu.C("line_item_id"),
		goqu.C("usage_date"),
		goqu.C("product_code"),
		goqu.C("usage_type"),
		goqu.COALESCE(goqu.C("customer_id"), "").As("customer_id"),
		goqu.C("unblended_cost"),
	)
	if where := windowWhere("usage_date", window); len(where) > 0 {
		ds = ds.Where(where...)
	}
	return render(ds.Order(goqu.C("usage_date").Asc(), goqu.C("line_item_id").Asc()).Prepared(true), "stream cost lines")
}

// Facts

func (b builder) deleteWindow(table string, window model.DateRange) (sqlStatement, error) {
	ds := b.d.Delete(b.table(table))
	if where := windowWhere("usage_date", window); len(where) > 0 {
		ds = ds.Where(where...)
	}
	return render(ds.Prepared(true), "delete "+table)
}

func factRow(f model.CustomerCostFact) []any {
	return []any{f.UsageDate.String(), f.CustomerKey, f.ServiceKey, f.AllocatedCost.Fixed(), f.RecordCount, f.NullCostCount}
}

func dailyRow(d model.DailyCost) []any {
	return []any{d.UsageDate.String(), d.ServiceKey, d.TotalCost.Fixed(), d.RecordCount, d.NullCostCount}
}

func (b builder) insertRows(table string, columns []string, rows [][]any) (sqlStatement, error) {
	return render(b.d.Insert(b.table(table)).
		Cols(colNames(columns)...).
		Vals(rows...).
		Prepared(true), "insert "+table)
}

func (b builder) customerCosts(f FactFilter) (sqlStatement, error) {
	ds := b.d.From(b.table(tableFact)).Select(cols(factCols)...)
	where := windowWhere("usage_date", f.Window)
	if len(f.CustomerKeys) > 0 {
		where = append(where, goqu.C("customer_key").In(f.CustomerKeys))
	}
	if len(f.ServiceKeys) > 0 {
		where = append(where, goqu.C("service_key").In(f.ServiceKeys))
	}
	if len(where) > 0 {
		ds = ds.Where(where...)
	}
	return render(ds.Order(
		goqu.C("usage_date").Asc(),
		goqu.C("customer_key").Asc(),
		goqu.C("service_key").Asc(),
	).Prepared(true), "customer costs")
}

func (b builder) dailyCosts(window model.DateRange) (sqlStatement, error) {
	ds := b.d.From(b.table(tableDaily)).Select(cols(dailyCols)...)
	if where := windowWhere("usage_date", window); len(where) > 0 {
		ds = ds.Where(where...)
	}
	return render(ds.Order(goqu.C("usage_date").Asc(), goqu.C("service_key").Asc()).Prepared(true), "daily costs")
}

// Run log

func (b builder) insertRun(id, load string, startedAt time.Time) (sqlStatement, error) {
	return render(b.d.Insert(b.table(tableRun)).
		Rows(goqu.Record{
			"id":            id,
			"load_name":     load,
			"status":        string(model.RunStatusRunning),
			"started_at":    startedAt.UTC(),
			"rows_affected": 0,
		}).Prepared(true), "insert run")
}

func (b builder) finishRun(id string, status model.RunStatus, rows int64, errMsg string, metadata []byte, at time.Time) (sqlStatement, error) {
	rec := goqu.Record{
		"status":        string(status),
		"completed_at":  at.UTC(),
		"rows_affected": rows,
		"error":         nullableString(errMsg),
	}
	if metadata != nil {
		rec["metadata"] = string(metadata)
	}
	return render(b.d.Update(b.table(tableRun)).
		Set(rec).
		Where(goqu.C("id").Eq(id)).
		Prepared(true), "finish run")
}

func (b builder) listRuns(limit int) (sqlStatement, error) {
	ds := b.d.From(b.table(tableRun)).
		Select(cols(runCols)...).
		Order(goqu.C("started_at").Desc(), goqu.C("id").Asc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	return render(ds.Prepared(true), "list runs")
}
