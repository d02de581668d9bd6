// Package analytics derives cost reports from daily service totals: top
// services, month over month change, week over week anomalies and a
// rolling trend.
package analytics

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/sells-group/cost-attribution/internal/config"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/money"
)

// Defaults used when a report option is unset.
const (
	DefaultTopN             = 10
	DefaultAnomalyThreshold = 0.20
	DefaultTrendWindow      = 7
)

// ServiceTotal is the total cost of one service over the report window.
type ServiceTotal struct {
	ServiceKey  int64        `json:"service_key" yaml:"service_key"`
	Service     string       `json:"service" yaml:"service"`
	TotalCost   money.Amount `json:"total_cost" yaml:"total_cost"`
	RecordCount int64        `json:"record_count" yaml:"record_count"`
}

// MonthlyChange is one service month. PctChange is nil for a service's
// first month and when the previous month cost nothing.
type MonthlyChange struct {
	ServiceKey  int64        `json:"service_key" yaml:"service_key"`
	Service     string       `json:"service" yaml:"service"`
	Month       string       `json:"month" yaml:"month"`
	MonthlyCost money.Amount `json:"monthly_cost" yaml:"monthly_cost"`
	PctChange   *float64     `json:"pct_change" yaml:"pct_change"`
}

// Anomaly is a service week whose cost rose above the threshold relative
// to the service's previous week with data.
type Anomaly struct {
	ServiceKey     int64        `json:"service_key" yaml:"service_key"`
	Service        string       `json:"service" yaml:"service"`
	Week           string       `json:"week" yaml:"week"`
	WeeklyCost     money.Amount `json:"weekly_cost" yaml:"weekly_cost"`
	PrevWeeklyCost money.Amount `json:"prev_weekly_cost" yaml:"prev_weekly_cost"`
	PctChange      float64      `json:"pct_change" yaml:"pct_change"`
}

// TrendPoint is a daily cost with its rolling mean. MovingAvg stays nil
// until the window has filled for that service.
type TrendPoint struct {
	UsageDate  model.Date    `json:"usage_date" yaml:"usage_date"`
	ServiceKey int64         `json:"service_key" yaml:"service_key"`
	Service    string        `json:"service" yaml:"service"`
	DailyCost  money.Amount  `json:"daily_cost" yaml:"daily_cost"`
	MovingAvg  *money.Amount `json:"moving_avg" yaml:"moving_avg"`
}

// Labels maps service keys to display names.
type Labels map[int64]string

// NewLabels builds labels from the service dimension.
func NewLabels(services []model.Service) Labels {
	out := make(Labels, len(services))
	for _, s := range services {
		out[s.ServiceKey] = s.NaturalKey().String()
	}
	return out
}

// Name returns the label for key, or a placeholder for unknown keys.
func (l Labels) Name(key int64) string {
	if n, ok := l[key]; ok {
		return n
	}
	return fmt.Sprintf("service#%d", key)
}

// TopServices ranks services by total cost, highest first. Ties are
// broken by service key. n <= 0 returns every service.
func TopServices(daily []model.DailyCost, labels Labels, n int) []ServiceTotal {
	byKey := make(map[int64]*ServiceTotal)
	for _, d := range daily {
		t, ok := byKey[d.ServiceKey]
		if !ok {
			t = &ServiceTotal{ServiceKey: d.ServiceKey, Service: labels.Name(d.ServiceKey)}
			byKey[d.ServiceKey] = t
		}
		t.TotalCost = t.TotalCost.Add(d.TotalCost)
		t.RecordCount += d.RecordCount
	}

	out := make([]ServiceTotal, 0, len(byKey))
	for _, t := range byKey {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].TotalCost.Cmp(out[j].TotalCost); c != 0 {
			return c > 0
		}
		return out[i].ServiceKey < out[j].ServiceKey
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// MonthOverMonth sums each service by calendar month and computes the
// fractional change from the service's previous month with data.
func MonthOverMonth(daily []model.DailyCost, labels Labels) []MonthlyChange {
	type bucket struct {
		key   int64
		month string
	}
	sums := make(map[bucket]money.Amount)
	for _, d := range daily {
		b := bucket{key: d.ServiceKey, month: d.UsageDate.Time().Format("2006-01")}
		sums[b] = sums[b].Add(d.TotalCost)
	}

	out := make([]MonthlyChange, 0, len(sums))
	for b, total := range sums {
		out = append(out, MonthlyChange{
			ServiceKey:  b.key,
			Service:     labels.Name(b.key),
			Month:       b.month,
			MonthlyCost: total.Round(money.Places),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ServiceKey != out[j].ServiceKey {
			return out[i].ServiceKey < out[j].ServiceKey
		}
		return out[i].Month < out[j].Month
	})

	for i := 1; i < len(out); i++ {
		if out[i].ServiceKey != out[i-1].ServiceKey {
			continue
		}
		out[i].PctChange = pctChange(out[i-1].MonthlyCost, out[i].MonthlyCost)
	}
	return out
}

// DetectAnomalies sums each service by ISO week and flags weeks whose cost
// rose by more than threshold (0.20 = 20%) over the previous week with data.
func DetectAnomalies(daily []model.DailyCost, labels Labels, threshold float64) []Anomaly {
	type bucket struct {
		key  int64
		week string
	}
	sums := make(map[bucket]money.Amount)
	for _, d := range daily {
		y, w := d.UsageDate.ISOWeek()
		b := bucket{key: d.ServiceKey, week: fmt.Sprintf("%04d-W%02d", y, w)}
		sums[b] = sums[b].Add(d.TotalCost)
	}

	buckets := make([]bucket, 0, len(sums))
	for b := range sums {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].key != buckets[j].key {
			return buckets[i].key < buckets[j].key
		}
		return buckets[i].week < buckets[j].week
	})

	var out []Anomaly
	for i := 1; i < len(buckets); i++ {
		prev, cur := buckets[i-1], buckets[i]
		if prev.key != cur.key {
			continue
		}
		pct := pctChange(sums[prev], sums[cur])
		if pct == nil || *pct <= threshold {
			continue
		}
		out = append(out, Anomaly{
			ServiceKey:     cur.key,
			Service:        labels.Name(cur.key),
			Week:           cur.week,
			WeeklyCost:     sums[cur].Round(money.Places),
			PrevWeeklyCost: sums[prev].Round(money.Places),
			PctChange:      *pct,
		})
	}

	zap.L().Debug("anomaly scan complete",
		zap.String("component", "analytics"),
		zap.Int("weeks", len(buckets)),
		zap.Int("anomalies", len(out)),
		zap.Float64("threshold", threshold),
	)
	return out
}

// Trend computes a rolling mean of daily cost per service over the last
// window rows for that service.
func Trend(daily []model.DailyCost, labels Labels, window int) []TrendPoint {
	if window <= 0 {
		window = DefaultTrendWindow
	}
	rows := append([]model.DailyCost(nil), daily...)
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].ServiceKey != rows[j].ServiceKey {
			return rows[i].ServiceKey < rows[j].ServiceKey
		}
		return rows[i].UsageDate.Before(rows[j].UsageDate)
	})

	out := make([]TrendPoint, len(rows))
	start := 0
	for i, r := range rows {
		if i > 0 && r.ServiceKey != rows[i-1].ServiceKey {
			start = i
		}
		out[i] = TrendPoint{
			UsageDate:  r.UsageDate,
			ServiceKey: r.ServiceKey,
			Service:    labels.Name(r.ServiceKey),
			DailyCost:  r.TotalCost,
		}
		if i-start+1 < window {
			continue
		}
		total := money.Zero()
		for _, w := range rows[i-window+1 : i+1] {
			total = total.Add(w.TotalCost)
		}
		avg := total.DivInt(int64(window)).Round(money.Places)
		out[i].MovingAvg = &avg
	}
	return out
}

// Report bundles every analysis over one set of daily totals.
type Report struct {
	Window    model.DateRange `json:"-" yaml:"-"`
	From      string          `json:"from,omitempty" yaml:"from,omitempty"`
	To        string          `json:"to,omitempty" yaml:"to,omitempty"`
	TotalCost money.Amount    `json:"total_cost" yaml:"total_cost"`
	Top       []ServiceTotal  `json:"top_services" yaml:"top_services"`
	Monthly   []MonthlyChange `json:"month_over_month" yaml:"month_over_month"`
	Anomalies []Anomaly       `json:"anomalies" yaml:"anomalies"`
	Trend     []TrendPoint    `json:"trend,omitempty" yaml:"trend,omitempty"`
}

// Build runs every analysis with the given options, falling back to the
// package defaults for unset values.
func Build(daily []model.DailyCost, services []model.Service, window model.DateRange, opts config.ReportConfig, withTrend bool) *Report {
	if opts.TopN <= 0 {
		opts.TopN = DefaultTopN
	}
	if opts.AnomalyThreshold <= 0 {
		opts.AnomalyThreshold = DefaultAnomalyThreshold
	}
	if opts.TrendWindow <= 0 {
		opts.TrendWindow = DefaultTrendWindow
	}

	labels := NewLabels(services)
	total := money.Zero()
	for _, d := range daily {
		total = total.Add(d.TotalCost)
	}

	r := &Report{
		Window:    window,
		From:      window.From.String(),
		To:        window.To.String(),
		TotalCost: total.Round(money.Places),
		Top:       TopServices(daily, labels, opts.TopN),
		Monthly:   MonthOverMonth(daily, labels),
		Anomalies: DetectAnomalies(daily, labels, opts.AnomalyThreshold),
	}
	if withTrend {
		r.Trend = Trend(daily, labels, opts.TrendWindow)
	}
	return r
}

// pctChange returns (cur-prev)/prev, or nil when prev is zero.
func pctChange(prev, cur money.Amount) *float64 {
	if prev.IsZero() {
		return nil
	}
	p := cur.Sub(prev).Float64() / prev.Float64()
	return &p
}
