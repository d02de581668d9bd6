// Package scd versions the customer dimension. Apply is the pure engine
// that turns one snapshot into transitions against the current state;
// Loader runs it against the warehouse inside one transaction.
package scd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sells-group/cost-attribution/internal/fault"
	"github.com/sells-group/cost-attribution/internal/model"
)

// Action classifies what a snapshot row does to the dimension.
type Action string

const (
	ActionNew       Action = "new"
	ActionChanged   Action = "changed"
	ActionUnchanged Action = "unchanged"
)

// Reasons a snapshot row is skipped.
const (
	ReasonMissingKey           = "missing_natural_key"
	ReasonInvalid              = "input_validation"
	ReasonConflictingDuplicate = "conflicting_duplicate"
)

// State is the current dimension state an invocation starts from.
type State struct {
	Current map[string]model.CustomerVersion
	// NextKey is max(customer_key)+1 as persisted, or 1 when empty.
	NextKey int64
}

// NewState indexes current versions by natural key. Two current rows for
// one customer break the single-current invariant and are fatal.
func NewState(current []model.CustomerVersion, maxKey int64) (State, error) {
	st := State{Current: make(map[string]model.CustomerVersion, len(current)), NextKey: maxKey + 1}
	for _, v := range current {
		if prev, dup := st.Current[v.CustomerID]; dup {
			return State{}, fault.New(fault.Consistency, v.EffectiveFrom,
				fmt.Sprintf("customer_keys %d and %d are both current", prev.CustomerKey, v.CustomerKey),
				v.CustomerID)
		}
		st.Current[v.CustomerID] = v
	}
	return st, nil
}

// Transition is the outcome for one natural key.
type Transition struct {
	Action     Action
	CustomerID string
	Expire     *model.Expiry
	Insert     *model.CustomerVersion
}

// Skip records a snapshot row that was not applied.
type Skip struct {
	Row        int    `json:"row"`
	CustomerID string `json:"customer_id,omitempty"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// Plan is the full set of writes for one snapshot.
type Plan struct {
	AsOf        model.Date
	Transitions []Transition
	Expiries    []model.Expiry
	Inserts     []model.CustomerVersion
	Skipped     []Skip

	New       int
	Changed   int
	Unchanged int
}

// Apply classifies every snapshot row as New, Changed or Unchanged against
// state. Rows are grouped by natural key and keys are processed in sorted
// order, so surrogate key allocation does not depend on row order.
//
// Only tracked attributes are compared. A Changed row dated before the
// current version's effective_from would overlap history and aborts the
// whole plan with an out_of_order fault. A Changed row dated the same day as
// the current version is a same-day correction: the old version is closed
// with effective_to == effective_from, an empty interval that no usage date
// falls into, and is kept as history.
func Apply(state State, rows []model.CustomerSnapshotRow, asOf model.Date, loadedAt time.Time) (*Plan, error) {
	if asOf.IsZero() {
		return nil, fault.New(fault.InputValidation, asOf, "as-of date is required")
	}
	nextKey := state.NextKey
	if nextKey < 1 {
		nextKey = 1
	}

	plan := &Plan{AsOf: asOf}
	byKey := make(map[string][]int)
	for i, row := range rows {
		if isBlank(row.CustomerID) {
			plan.Skipped = append(plan.Skipped, Skip{Row: i, Reason: ReasonMissingKey})
			continue
		}
		id := strings.TrimSpace(row.CustomerID)
		byKey[id] = append(byKey[id], i)
	}

	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var outOfOrder []string
	for _, id := range keys {
		idx := byKey[id]
		row := rows[idx[0]]
		row.CustomerID = id
		if conflicting(rows, idx) {
			for _, i := range idx {
				plan.Skipped = append(plan.Skipped, Skip{
					Row: i, CustomerID: id, Reason: ReasonConflictingDuplicate,
					Detail: fmt.Sprintf("%d rows disagree", len(idx)),
				})
			}
			continue
		}

		cur, known := state.Current[id]
		switch {
		case !known:
			v := model.NewVersion(nextKey, row, asOf, loadedAt)
			nextKey++
			plan.Inserts = append(plan.Inserts, v)
			plan.Transitions = append(plan.Transitions, Transition{Action: ActionNew, CustomerID: id, Insert: &v})
			plan.New++

		case cur.Tracked() == row.Tracked:
			plan.Transitions = append(plan.Transitions, Transition{Action: ActionUnchanged, CustomerID: id})
			plan.Unchanged++

		case asOf.Before(cur.EffectiveFrom):
			outOfOrder = append(outOfOrder, id)

		default:
			exp := model.Expiry{CustomerKey: cur.CustomerKey, CustomerID: id, EffectiveTo: asOf}
			v := model.NewVersion(nextKey, row, asOf, loadedAt)
			nextKey++
			plan.Expiries = append(plan.Expiries, exp)
			plan.Inserts = append(plan.Inserts, v)
			plan.Transitions = append(plan.Transitions, Transition{Action: ActionChanged, CustomerID: id, Expire: &exp, Insert: &v})
			plan.Changed++
		}
	}

	if len(outOfOrder) > 0 {
		return nil, fault.New(fault.OutOfOrder, asOf,
			"snapshot is dated before the current version it would expire", outOfOrder...)
	}
	sortSkips(plan.Skipped)
	return plan, nil
}

// conflicting reports whether duplicate rows for one key differ in any
// stored attribute. Identical duplicates collapse into one.
func conflicting(rows []model.CustomerSnapshotRow, idx []int) bool {
	first := normalized(rows[idx[0]])
	for _, i := range idx[1:] {
		if normalized(rows[i]) != first {
			return true
		}
	}
	return false
}

func normalized(r model.CustomerSnapshotRow) model.CustomerSnapshotRow {
	r.CustomerID = strings.TrimSpace(r.CustomerID)
	return r
}

func isBlank(s string) bool {
	return strings.TrimSpace(s) == ""
}

func sortSkips(skips []Skip) {
	sort.SliceStable(skips, func(i, j int) bool { return skips[i].Row < skips[j].Row })
}
