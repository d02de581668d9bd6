package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/cost-attribution/internal/analytics"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/money"
)

// maxRuns bounds the run log scan per collection.
const maxRuns = 10000

// MetricsSnapshot holds a point-in-time view of load health and spend.
type MetricsSnapshot struct {
	// Load runs started within the lookback window.
	LoadTotal    int      `json:"load_total"`
	LoadComplete int      `json:"load_complete"`
	LoadFailed   int      `json:"load_failed"`
	LoadRunning  int      `json:"load_running"`
	LoadFailRate float64  `json:"load_fail_rate"`
	FailedLoads  []string `json:"failed_loads,omitempty"`

	// Daily service totals within the lookback window.
	Spend     money.Amount `json:"spend"`
	SpendDays int          `json:"spend_days"`

	// Week over week increases in the current and previous ISO week.
	Anomalies []analytics.Anomaly `json:"anomalies,omitempty"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Store is the slice of the warehouse the collector reads.
type Store interface {
	ListRuns(ctx context.Context, limit int) ([]model.Run, error)
	DailyCosts(ctx context.Context, window model.DateRange) ([]model.DailyCost, error)
	Services(ctx context.Context) ([]model.Service, error)
}

// Collector gathers metrics from the warehouse.
type Collector struct {
	store     Store
	threshold float64
	now       func() time.Time
}

// NewCollector creates a new metrics collector. anomalyThreshold is the
// week over week increase that counts as an anomaly.
func NewCollector(st Store, anomalyThreshold float64) *Collector {
	if anomalyThreshold <= 0 {
		anomalyThreshold = analytics.DefaultAnomalyThreshold
	}
	return &Collector{store: st, threshold: anomalyThreshold, now: time.Now}
}

// Collect gathers a snapshot of load and spend metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	if lookbackHours <= 0 {
		lookbackHours = 24
	}
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
		Spend:         money.Zero(),
	}

	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)
	runs, err := c.store.ListRuns(ctx, maxRuns)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list runs")
	}

	failed := map[string]bool{}
	for _, r := range runs {
		if r.StartedAt.Before(cutoff) {
			continue
		}
		snap.LoadTotal++
		switch r.Status {
		case model.RunStatusComplete:
			snap.LoadComplete++
		case model.RunStatusFailed:
			snap.LoadFailed++
			failed[r.Load] = true
		case model.RunStatusRunning:
			snap.LoadRunning++
		}
	}
	if finished := snap.LoadComplete + snap.LoadFailed; finished > 0 {
		snap.LoadFailRate = float64(snap.LoadFailed) / float64(finished)
	}
	for load := range failed {
		snap.FailedLoads = append(snap.FailedLoads, load)
	}
	sort.Strings(snap.FailedLoads)

	today := model.DateOf(now)
	days := (lookbackHours + 23) / 24
	spendFrom := today.AddDays(1 - days)

	// Start at the Monday of last week so both compared weeks are whole
	// except the current one.
	weekday := (int(now.Weekday()) + 6) % 7
	from := today.AddDays(-weekday - 7)
	if spendFrom.Before(from) {
		from = spendFrom
	}

	daily, err := c.store.DailyCosts(ctx, model.DateRange{From: from, To: today})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: daily costs")
	}

	seen := map[string]bool{}
	for _, d := range daily {
		if d.UsageDate.Before(spendFrom) {
			continue
		}
		snap.Spend = snap.Spend.Add(d.TotalCost)
		seen[d.UsageDate.String()] = true
	}
	snap.Spend = snap.Spend.Round(money.Places)
	snap.SpendDays = len(seen)

	if len(daily) > 0 {
		services, err := c.store.Services(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: services")
		}
		snap.Anomalies = analytics.DetectAnomalies(daily, analytics.NewLabels(services), c.threshold)
	}

	return snap, nil
}
