package planner

import (
	"fmt"
	"testing"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numberedItems(n int) []any {
	items := make([]any, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, map[string]any{
			"id":       fmt.Sprintf("ticket-%d", i),
			"priority": float64(i % 5),
		})
	}
	return items
}

func TestPlan_EmptyInput(t *testing.T) {
	assignments := Plan(nil, Config{})
	assert.NotNil(t, assignments)
	assert.Empty(t, assignments)
}

func TestPlan_AssignsZeroBasedIDsAndWorkspaces(t *testing.T) {
	assignments := Plan(numberedItems(3), Config{IDField: "id"})
	require.Len(t, assignments, 3)

	for i, a := range assignments {
		assert.Equal(t, i, a.ID)
		assert.Equal(t, fmt.Sprintf("agent-%d", i), a.WorkspaceName)
		assert.Equal(t, types.ItemID(fmt.Sprintf("ticket-%d", i)), a.Item.ID)
		assert.Equal(t, 0, a.Attempt)
	}
}

func TestPlan_OffsetAndLimit(t *testing.T) {
	tests := []struct {
		name    string
		offset  int
		limit   int
		wantIDs []types.ItemID
	}{
		{"no limits", 0, 0, []types.ItemID{"item-0", "item-1", "item-2", "item-3"}},
		{"offset only", 2, 0, []types.ItemID{"item-2", "item-3"}},
		{"limit only", 0, 2, []types.ItemID{"item-0", "item-1"}},
		{"offset and limit", 1, 2, []types.ItemID{"item-1", "item-2"}},
		{"limit beyond available", 3, 10, []types.ItemID{"item-3"}},
		{"offset beyond available", 10, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assignments := Plan([]any{"a", "b", "c", "d"}, Config{Offset: tt.offset, Limit: tt.limit})
			var got []types.ItemID
			for _, a := range assignments {
				got = append(got, a.Item.ID)
			}
			assert.Equal(t, tt.wantIDs, got)
			for i, a := range assignments {
				assert.Equal(t, i, a.ID, "ids are renumbered after offset")
			}
		})
	}
}

func TestPlan_FilterKeepsRawPositionInID(t *testing.T) {
	filter, err := ParseFilter("priority >= 3")
	require.NoError(t, err)

	assignments := Plan(numberedItems(10), Config{Filter: filter})
	require.Len(t, assignments, 4)

	assert.Equal(t, types.ItemID("item-3"), assignments[0].Item.ID)
	assert.Equal(t, 3, assignments[0].Item.Index)
	assert.Equal(t, "agent-0", assignments[0].WorkspaceName)
}

func TestPlan_Deterministic(t *testing.T) {
	items := numberedItems(20)
	cfg := Config{Offset: 2, Limit: 7, IDField: "id"}
	assert.Equal(t, Plan(items, cfg), Plan(items, cfg))
}

func TestItemIDFor_FallsBackWhenFieldMissingOrComposite(t *testing.T) {
	assert.Equal(t, types.ItemID("42"), ItemIDFor(map[string]any{"n": float64(42)}, 0, "n"))
	assert.Equal(t, types.ItemID("item-5"), ItemIDFor(map[string]any{"n": []any{1}}, 5, "n"))
	assert.Equal(t, types.ItemID("item-1"), ItemIDFor("scalar", 1, "n"))
}
