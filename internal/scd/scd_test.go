package scd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/cost-attribution/internal/fault"
	"github.com/sells-group/cost-attribution/internal/model"
)

var loadedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func snap(id, segment, email string) model.CustomerSnapshotRow {
	return model.CustomerSnapshotRow{
		CustomerID:    id,
		Tracked:       model.Tracked{Segment: segment},
		EmailToken:    "tok-" + email,
		PhoneRedacted: "XXX-XXX-0000",
		FirstName:     "First",
		LastName:      "Last",
	}
}

// stateAfter rebuilds the state an invocation would read after plan was written.
func stateAfter(t *testing.T, prev State, plan *Plan) State {
	t.Helper()
	current := make(map[string]model.CustomerVersion, len(prev.Current))
	var maxKey int64
	for id, v := range prev.Current {
		current[id] = v
		maxKey = max(maxKey, v.CustomerKey)
	}
	for _, e := range plan.Expiries {
		delete(current, e.CustomerID)
	}
	for _, v := range plan.Inserts {
		current[v.CustomerID] = v
		maxKey = max(maxKey, v.CustomerKey)
	}
	maxKey = max(maxKey, prev.NextKey-1)
	list := make([]model.CustomerVersion, 0, len(current))
	for _, v := range current {
		list = append(list, v)
	}
	st, err := NewState(list, maxKey)
	require.NoError(t, err)
	return st
}

func TestApply_NewCustomersGetKeysInNaturalKeyOrder(t *testing.T) {
	t.Parallel()

	rows := []model.CustomerSnapshotRow{snap("C3", "SMB", "c"), snap("C1", "SMB", "a"), snap("C2", "Enterprise", "b")}
	plan, err := Apply(State{NextKey: 1}, rows, model.MustDate("2025-01-01"), loadedAt)
	require.NoError(t, err)

	require.Len(t, plan.Inserts, 3)
	assert.Equal(t, 3, plan.New)
	for i, id := range []string{"C1", "C2", "C3"} {
		v := plan.Inserts[i]
		assert.Equal(t, id, v.CustomerID)
		assert.Equal(t, int64(i+1), v.CustomerKey)
		assert.True(t, v.IsCurrent)
		assert.Nil(t, v.EffectiveTo)
		assert.Equal(t, "2025-01-01", v.EffectiveFrom.String())
	}
	assert.Empty(t, plan.Expiries)
}

func TestApply_KeysContinueFromPersistedMax(t *testing.T) {
	t.Parallel()

	plan, err := Apply(State{NextKey: 42}, []model.CustomerSnapshotRow{snap("C1", "SMB", "a")}, model.MustDate("2025-01-01"), loadedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(42), plan.Inserts[0].CustomerKey)

	// A zero NextKey means an empty dimension.
	plan, err = Apply(State{}, []model.CustomerSnapshotRow{snap("C1", "SMB", "a")}, model.MustDate("2025-01-01"), loadedAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1), plan.Inserts[0].CustomerKey)
}

func TestApply_TrackedChangeExpiresAndInserts(t *testing.T) {
	t.Parallel()

	day1 := model.MustDate("2025-01-01")
	day10 := model.MustDate("2025-01-10")

	first, err := Apply(State{NextKey: 1}, []model.CustomerSnapshotRow{snap("X", "A", "x")}, day1, loadedAt)
	require.NoError(t, err)
	st := stateAfter(t, State{NextKey: 1}, first)

	second, err := Apply(st, []model.CustomerSnapshotRow{snap("X", "B", "x")}, day10, loadedAt)
	require.NoError(t, err)

	assert.Equal(t, 1, second.Changed)
	require.Len(t, second.Expiries, 1)
	assert.Equal(t, model.Expiry{CustomerKey: 1, CustomerID: "X", EffectiveTo: day10}, second.Expiries[0])
	require.Len(t, second.Inserts, 1)
	assert.Equal(t, int64(2), second.Inserts[0].CustomerKey)
	assert.Equal(t, "B", second.Inserts[0].Segment)
	assert.Equal(t, day10, second.Inserts[0].EffectiveFrom)

	require.Len(t, second.Transitions, 1)
	tr := second.Transitions[0]
	assert.Equal(t, ActionChanged, tr.Action)
	require.NotNil(t, tr.Expire)
	require.NotNil(t, tr.Insert)
}

func TestApply_MaskedOrPassthroughDriftIsUnchanged(t *testing.T) {
	t.Parallel()

	day1 := model.MustDate("2025-01-01")
	first, err := Apply(State{NextKey: 1}, []model.CustomerSnapshotRow{snap("X", "A", "old@example.com")}, day1, loadedAt)
	require.NoError(t, err)
	st := stateAfter(t, State{NextKey: 1}, first)

	drift := snap("X", "A", "new@example.com")
	drift.FirstName = "Renamed"
	drift.PhoneRedacted = "XXX-XXX-9999"
	plan, err := Apply(st, []model.CustomerSnapshotRow{drift}, model.MustDate("2025-02-01"), loadedAt)
	require.NoError(t, err)

	assert.Equal(t, 1, plan.Unchanged)
	assert.Empty(t, plan.Inserts)
	assert.Empty(t, plan.Expiries)
}

func TestApply_SameSnapshotTwiceIsNoOp(t *testing.T) {
	t.Parallel()

	rows := []model.CustomerSnapshotRow{snap("C1", "SMB", "a"), snap("C2", "Enterprise", "b")}
	day := model.MustDate("2025-03-01")

	first, err := Apply(State{NextKey: 1}, rows, day, loadedAt)
	require.NoError(t, err)
	st := stateAfter(t, State{NextKey: 1}, first)

	again, err := Apply(st, rows, day, loadedAt)
	require.NoError(t, err)
	assert.Equal(t, 2, again.Unchanged)
	assert.Empty(t, again.Inserts)
	assert.Empty(t, again.Expiries)
}

func TestApply_MissingNaturalKeySkipped(t *testing.T) {
	t.Parallel()

	rows := []model.CustomerSnapshotRow{snap("C1", "SMB", "a"), snap("  ", "SMB", "b"), snap("", "SMB", "c")}
	plan, err := Apply(State{NextKey: 1}, rows, model.MustDate("2025-01-01"), loadedAt)
	require.NoError(t, err)

	assert.Equal(t, 1, plan.New)
	require.Len(t, plan.Skipped, 2)
	assert.Equal(t, 1, plan.Skipped[0].Row)
	assert.Equal(t, ReasonMissingKey, plan.Skipped[0].Reason)
	assert.Equal(t, 2, plan.Skipped[1].Row)
}

func TestApply_Duplicates(t *testing.T) {
	t.Parallel()

	rows := []model.CustomerSnapshotRow{
		snap("C1", "SMB", "a"),
		snap("C2", "SMB", "b"),
		snap("C1", "SMB", "a"),        // identical, collapses
		snap("C2", "Enterprise", "b"), // conflicts
	}
	plan, err := Apply(State{NextKey: 1}, rows, model.MustDate("2025-01-01"), loadedAt)
	require.NoError(t, err)

	require.Len(t, plan.Inserts, 1)
	assert.Equal(t, "C1", plan.Inserts[0].CustomerID)

	require.Len(t, plan.Skipped, 2)
	for _, sk := range plan.Skipped {
		assert.Equal(t, "C2", sk.CustomerID)
		assert.Equal(t, ReasonConflictingDuplicate, sk.Reason)
	}
	assert.Equal(t, 1, plan.Skipped[0].Row)
	assert.Equal(t, 3, plan.Skipped[1].Row)
}

func TestApply_OutOfOrderRejected(t *testing.T) {
	t.Parallel()

	st, err := NewState([]model.CustomerVersion{{
		CustomerKey: 5, CustomerID: "X", Segment: "A",
		EffectiveFrom: model.MustDate("2025-02-01"), IsCurrent: true,
	}}, 5)
	require.NoError(t, err)

	_, err = Apply(st, []model.CustomerSnapshotRow{snap("X", "B", "x")}, model.MustDate("2025-01-15"), loadedAt)
	require.Error(t, err)
	f, ok := fault.As(err)
	require.True(t, ok)
	assert.Equal(t, fault.OutOfOrder, f.Kind)
	assert.Equal(t, []string{"X"}, f.NaturalKeys)
	assert.Equal(t, "2025-01-15", f.Date.String())
	assert.False(t, f.Retryable())

	// Same date is accepted.
	plan, err := Apply(st, []model.CustomerSnapshotRow{snap("X", "B", "x")}, model.MustDate("2025-02-01"), loadedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Changed)
	assert.Equal(t, int64(6), plan.Inserts[0].CustomerKey)

	// An earlier snapshot that changes nothing is harmless.
	plan, err = Apply(st, []model.CustomerSnapshotRow{snap("X", "A", "x")}, model.MustDate("2025-01-15"), loadedAt)
	require.NoError(t, err)
	assert.Equal(t, 1, plan.Unchanged)
}

func TestApply_RequiresAsOf(t *testing.T) {
	t.Parallel()

	_, err := Apply(State{}, nil, model.Date{}, loadedAt)
	assert.True(t, fault.IsKind(err, fault.InputValidation))
}

func TestNewState_TwoCurrentVersionsIsConsistencyFault(t *testing.T) {
	t.Parallel()

	_, err := NewState([]model.CustomerVersion{
		{CustomerKey: 1, CustomerID: "X", EffectiveFrom: model.MustDate("2025-01-01"), IsCurrent: true},
		{CustomerKey: 2, CustomerID: "X", EffectiveFrom: model.MustDate("2025-01-05"), IsCurrent: true},
	}, 2)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.Consistency))
	assert.Contains(t, err.Error(), "keys=[X]")
}
