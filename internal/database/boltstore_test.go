package database_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagewatch/internal/database"
)

func newStore(t *testing.T) *database.BoltStore {
	t.Helper()
	store, err := database.NewBoltStore(filepath.Join(t.TempDir(), "data", "pagewatch.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestBoltStore_Targets(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	target := &database.Target{
		Name:         "price",
		URL:          "https://example.com/item",
		Selector:     "#price",
		SelectorType: database.SelectorCSS,
		PollInterval: 30 * time.Second,
		Enabled:      true,
	}
	require.NoError(t, store.CreateTarget(ctx, target))
	assert.NotEmpty(t, target.ID, "id is generated when missing")
	assert.False(t, target.CreatedAt.IsZero())

	disabled := &database.Target{ID: "off", URL: "https://example.com", Selector: "x", Session: "shop"}
	require.NoError(t, store.CreateTarget(ctx, disabled))

	got, err := store.GetTarget(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, "price", got.Name)
	assert.Equal(t, 30*time.Second, got.PollInterval)

	enabled := true
	list, err := store.GetTargets(ctx, database.TargetFilters{Enabled: &enabled})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, target.ID, list[0].ID)

	list, err = store.GetTargets(ctx, database.TargetFilters{Session: "shop"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "off", list[0].ID)

	got.Enabled = false
	require.NoError(t, store.UpdateTarget(ctx, got))
	got, err = store.GetTarget(ctx, target.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)

	require.NoError(t, store.DeleteTarget(ctx, target.ID))
	_, err = store.GetTarget(ctx, target.ID)
	assert.True(t, errors.Is(err, database.ErrNotFound))
}

func TestBoltStore_RulesSortedAndFiltered(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	for _, id := range []string{"r3", "r1", "r2"} {
		require.NoError(t, store.CreateRule(ctx, &database.Rule{
			ID:        id,
			TargetID:  "t1",
			Condition: database.ConditionAnyChange,
			Enabled:   id != "r2",
		}))
	}
	require.NoError(t, store.CreateRule(ctx, &database.Rule{ID: "other", TargetID: "t2", Condition: database.ConditionAnyChange}))

	rules, err := store.GetRules(ctx, database.RuleFilters{TargetID: "t1"})
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, []string{"r1", "r2", "r3"}, []string{rules[0].ID, rules[1].ID, rules[2].ID})

	enabled := true
	rules, err = store.GetRules(ctx, database.RuleFilters{TargetID: "t1", Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, rules, 2)

	require.NoError(t, store.DeleteRule(ctx, "r1"))
	_, err = store.GetRule(ctx, "r1")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSortRules(t *testing.T) {
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{"plain ids", []string{"b", "c", "a"}, []string{"a", "b", "c"}},
		{"numbered ids", []string{"t-rule-10", "t-rule-2", "t-rule-1"}, []string{"t-rule-1", "t-rule-2", "t-rule-10"}},
		{"different prefixes", []string{"stock-rule-2", "price-rule-11"}, []string{"price-rule-11", "stock-rule-2"}},
		{"leading zeros", []string{"r10", "r010", "r9"}, []string{"r9", "r10", "r010"}},
		{"prefix before longer", []string{"rule-1a", "rule-1"}, []string{"rule-1", "rule-1a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := make([]database.Rule, len(tt.in))
			for i, id := range tt.in {
				rules[i].ID = id
			}
			database.SortRules(rules)

			got := make([]string, len(rules))
			for i, r := range rules {
				got[i] = r.ID
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestBoltStore_TargetStateKeepsOnlyLastValue(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.GetTargetState(ctx, "t1")
	assert.ErrorIs(t, err, database.ErrNotFound)

	for _, v := range []string{"1", "2", "3"} {
		value := v
		require.NoError(t, store.SaveTargetState(ctx, &database.TargetState{
			TargetID:      "t1",
			LastValue:     &value,
			LastCheckedAt: time.Now(),
		}))
	}

	state, err := store.GetTargetState(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, state.LastValue)
	assert.Equal(t, "3", *state.LastValue)

	states, err := store.GetTargetStates(ctx)
	require.NoError(t, err)
	assert.Len(t, states, 1)

	require.NoError(t, store.CreateTarget(ctx, &database.Target{ID: "t1"}))
	require.NoError(t, store.DeleteTarget(ctx, "t1"))
	_, err = store.GetTargetState(ctx, "t1")
	assert.ErrorIs(t, err, database.ErrNotFound, "deleting a target drops its state")
}

func TestBoltStore_Stats(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.CreateTarget(ctx, &database.Target{ID: "a"}))
	require.NoError(t, store.CreateRule(ctx, &database.Rule{ID: "r", TargetID: "a"}))

	stats, err := store.GetDatabaseStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalTargets)
	assert.Equal(t, 1, stats.TotalRules)
	assert.Equal(t, 0, stats.TotalStates)
	assert.Greater(t, stats.DatabaseSize, int64(0))
}

func TestBoltStore_ObserverSeesOperations(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	type op struct {
		name string
		err  error
	}
	var seen []op
	store.SetObserver(func(name string, err error) {
		seen = append(seen, op{name, err})
	})

	require.NoError(t, store.CreateTarget(ctx, &database.Target{ID: "t1", URL: "https://example.com", Selector: "#a"}))
	_, err := store.GetTarget(ctx, "missing")
	require.Error(t, err)
	require.NoError(t, store.DeleteTarget(ctx, "t1"))

	require.Len(t, seen, 3)
	assert.Equal(t, "create_target", seen[0].name)
	assert.NoError(t, seen[0].err)
	assert.Equal(t, "get_target", seen[1].name)
	assert.True(t, errors.Is(seen[1].err, database.ErrNotFound))
	assert.Equal(t, "delete_target", seen[2].name)
}

func TestModels(t *testing.T) {
	assert.True(t, database.SelectorXPath.Valid())
	assert.False(t, database.SelectorType("link").Valid())
	assert.True(t, database.ConditionLess.Numeric())
	assert.False(t, database.ConditionAnyChange.NeedsThreshold())
	assert.Equal(t, "greater than 3", database.ConditionGreater.Describe("3"))

	target := database.Target{ID: "t1"}
	assert.Equal(t, "target/t1", target.SessionName(), "unset session is private")
	target.Session = "shop"
	assert.Equal(t, "shop", target.SessionName())
	assert.Equal(t, "t1", target.DisplayName())

	rule := database.Rule{}
	assert.Equal(t, database.SelectorCSS, rule.ClickSelectorType())

	v := "x"
	state := database.TargetState{LastValue: &v}
	clone := state.Clone()
	*clone.LastValue = "y"
	assert.Equal(t, "x", *state.LastValue)
}
