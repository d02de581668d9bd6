// Package attribution joins raw cost lines to the customer version active
// on each usage date and splits every (date, service) cost equally across
// the customers active that day. Output rows reference surrogate keys only.
package attribution

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sells-group/cost-attribution/internal/fault"
	"github.com/sells-group/cost-attribution/internal/model"
	"github.com/sells-group/cost-attribution/internal/money"
)

// Summary counts what an attribution pass did with its input.
type Summary struct {
	Lines             int          `json:"lines"`
	Facts             int          `json:"facts"`
	DailyRows         int          `json:"daily_rows"`
	NullCostLines     int          `json:"null_cost_lines"`
	Invalid           int          `json:"invalid"`
	OrphanCustomers   int          `json:"orphan_customers"`
	OrphanServices    int          `json:"orphan_services"`
	UnallocatedGroups int          `json:"unallocated_groups"`
	UnallocatedCost   money.Amount `json:"unallocated_cost"`
}

// Orphans returns the number of lines excluded for unknown references.
func (s Summary) Orphans() int {
	return s.OrphanCustomers + s.OrphanServices
}

// Metadata flattens the summary for the run log.
func (s Summary) Metadata() map[string]any {
	return map[string]any{
		"lines":              s.Lines,
		"facts":              s.Facts,
		"daily_rows":         s.DailyRows,
		"null_cost_lines":    s.NullCostLines,
		"invalid":            s.Invalid,
		"orphan_customers":   s.OrphanCustomers,
		"orphan_services":    s.OrphanServices,
		"unallocated_groups": s.UnallocatedGroups,
		"unallocated_cost":   s.UnallocatedCost.Fixed(),
	}
}

// Result is the output of one attribution pass.
type Result struct {
	Facts   []model.CustomerCostFact
	Daily   []model.DailyCost
	Summary Summary
}

type groupKey struct {
	date    model.Date
	service int64
}

type factKey struct {
	date     model.Date
	customer int64
	service  int64
}

// tally accumulates at full precision; rounding happens on emission.
type tally struct {
	total   money.Amount
	records int64
	nulls   int64
}

func (t *tally) add(cost *money.Amount) {
	t.records++
	if cost == nil {
		t.nulls++
		return
	}
	t.total = t.total.Add(*cost)
}

// Attributor consumes cost lines one at a time. Memory grows with the
// number of (date, service) groups, not with the number of lines.
type Attributor struct {
	versions map[string][]model.CustomerVersion
	ids      []string
	services map[model.ServiceKey]int64

	shared map[groupKey]*tally
	tagged map[factKey]*tally
	daily  map[groupKey]*tally
	active map[model.Date][]int64

	sum Summary
}

// New builds an Attributor over the full customer history and the service dimension.
func New(history []model.CustomerVersion, services []model.Service) *Attributor {
	a := &Attributor{
		versions: make(map[string][]model.CustomerVersion),
		services: make(map[model.ServiceKey]int64, len(services)),
		shared:   make(map[groupKey]*tally),
		tagged:   make(map[factKey]*tally),
		daily:    make(map[groupKey]*tally),
		active:   make(map[model.Date][]int64),
	}
	for _, v := range history {
		if _, ok := a.versions[v.CustomerID]; !ok {
			a.ids = append(a.ids, v.CustomerID)
		}
		a.versions[v.CustomerID] = append(a.versions[v.CustomerID], v)
	}
	sort.Strings(a.ids)
	for _, vs := range a.versions {
		sort.Slice(vs, func(i, j int) bool {
			if !vs[i].EffectiveFrom.Equal(vs[j].EffectiveFrom) {
				return vs[i].EffectiveFrom.Before(vs[j].EffectiveFrom)
			}
			return vs[i].CustomerKey < vs[j].CustomerKey
		})
	}
	for _, s := range services {
		a.services[s.NaturalKey()] = s.ServiceKey
	}
	return a
}

// Add folds one cost line into the running groups. Malformed lines and
// lines referencing unknown customers or services are counted and skipped.
// A tagged customer that resolves to zero or several versions on the
// usage date is a consistency fault.
func (a *Attributor) Add(line model.CostLine) error {
	a.sum.Lines++
	if line.UsageDate.IsZero() || strings.TrimSpace(line.ProductCode) == "" {
		a.sum.Invalid++
		return nil
	}
	if line.UnblendedCost == nil {
		a.sum.NullCostLines++
	}

	sk, ok := a.services[line.ServiceKey()]
	if !ok {
		a.sum.OrphanServices++
		return nil
	}
	gk := groupKey{date: line.UsageDate, service: sk}
	bump(a.daily, gk, line.UnblendedCost)

	id := strings.TrimSpace(line.CustomerID)
	if id == "" {
		bump(a.shared, gk, line.UnblendedCost)
		return nil
	}

	if _, ok := a.versions[id]; !ok {
		a.sum.OrphanCustomers++
		return nil
	}
	ck, err := a.resolve(id, line.UsageDate)
	if err != nil {
		return err
	}
	bump(a.tagged, factKey{date: line.UsageDate, customer: ck, service: sk}, line.UnblendedCost)
	return nil
}

// resolve returns the single version of id whose interval contains d.
func (a *Attributor) resolve(id string, d model.Date) (int64, error) {
	var keys []int64
	for _, v := range a.versions[id] {
		if v.ActiveOn(d) {
			keys = append(keys, v.CustomerKey)
		}
	}
	if len(keys) != 1 {
		return 0, fault.New(fault.Consistency, d,
			fmt.Sprintf("customer resolves to %d active versions %v", len(keys), keys), id)
	}
	return keys[0], nil
}

// activeOn returns the surrogate keys of every customer active on d, in
// natural key order.
func (a *Attributor) activeOn(d model.Date) ([]int64, error) {
	if keys, ok := a.active[d]; ok {
		return keys, nil
	}
	var keys []int64
	for _, id := range a.ids {
		var hit []int64
		for _, v := range a.versions[id] {
			if v.ActiveOn(d) {
				hit = append(hit, v.CustomerKey)
			}
		}
		switch len(hit) {
		case 0:
		case 1:
			keys = append(keys, hit[0])
		default:
			return nil, fault.New(fault.Consistency, d,
				fmt.Sprintf("customer has %d overlapping versions %v", len(hit), hit), id)
		}
	}
	a.active[d] = keys
	return keys, nil
}

// Result allocates the shared groups and emits facts sorted by
// (date, customer_key, service_key) and daily totals sorted by (date, service_key).
func (a *Attributor) Result() (*Result, error) {
	sum := a.sum
	facts := make(map[factKey]*tally, len(a.tagged)+len(a.shared))
	for k, t := range a.tagged {
		c := *t
		facts[k] = &c
	}

	for _, gk := range sortedGroups(a.shared) {
		t := a.shared[gk]
		customers, err := a.activeOn(gk.date)
		if err != nil {
			return nil, err
		}
		if len(customers) == 0 {
			sum.UnallocatedGroups++
			sum.UnallocatedCost = sum.UnallocatedCost.Add(t.total)
			continue
		}
		share := t.total.DivInt(int64(len(customers)))
		for _, ck := range customers {
			fk := factKey{date: gk.date, customer: ck, service: gk.service}
			f, ok := facts[fk]
			if !ok {
				f = &tally{}
				facts[fk] = f
			}
			f.total = f.total.Add(share)
			f.records += t.records
			f.nulls += t.nulls
		}
	}

	res := &Result{
		Facts: make([]model.CustomerCostFact, 0, len(facts)),
		Daily: make([]model.DailyCost, 0, len(a.daily)),
	}
	for k, t := range facts {
		res.Facts = append(res.Facts, model.CustomerCostFact{
			UsageDate:     k.date,
			CustomerKey:   k.customer,
			ServiceKey:    k.service,
			AllocatedCost: t.total.Round(money.Places),
			RecordCount:   t.records,
			NullCostCount: t.nulls,
		})
	}
	sort.Slice(res.Facts, func(i, j int) bool {
		x, y := res.Facts[i], res.Facts[j]
		if c := x.UsageDate.Compare(y.UsageDate); c != 0 {
			return c < 0
		}
		if x.CustomerKey != y.CustomerKey {
			return x.CustomerKey < y.CustomerKey
		}
		return x.ServiceKey < y.ServiceKey
	})

	for _, gk := range sortedGroups(a.daily) {
		t := a.daily[gk]
		res.Daily = append(res.Daily, model.DailyCost{
			UsageDate:     gk.date,
			ServiceKey:    gk.service,
			TotalCost:     t.total.Round(money.Places),
			RecordCount:   t.records,
			NullCostCount: t.nulls,
		})
	}

	sum.Facts = len(res.Facts)
	sum.DailyRows = len(res.Daily)
	sum.UnallocatedCost = sum.UnallocatedCost.Round(money.Places)
	res.Summary = sum
	return res, nil
}

// Attribute runs a full pass over an in-memory slice of cost lines.
func Attribute(lines []model.CostLine, history []model.CustomerVersion, services []model.Service) (*Result, error) {
	a := New(history, services)
	for _, l := range lines {
		if err := a.Add(l); err != nil {
			return nil, err
		}
	}
	return a.Result()
}

func bump[K comparable](m map[K]*tally, k K, cost *money.Amount) {
	t, ok := m[k]
	if !ok {
		t = &tally{}
		m[k] = t
	}
	t.add(cost)
}

func sortedGroups(m map[groupKey]*tally) []groupKey {
	keys := make([]groupKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c := keys[i].date.Compare(keys[j].date); c != 0 {
			return c < 0
		}
		return keys[i].service < keys[j].service
	})
	return keys
}
