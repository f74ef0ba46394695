package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilter(t *testing.T) {
	item := map[string]any{
		"priority": float64(4),
		"owner":    "ops",
		"title":    "fix flaky build",
		"labels":   []any{"bug", "ci"},
		"meta":     map[string]any{"team": "infra", "size": float64(2)},
		"archived": false,
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"priority == 4", true},
		{"priority != 4", false},
		{"priority > 3", true},
		{"priority >= 5", false},
		{"priority < 10", true},
		{"priority <= 3", false},
		{"owner == 'ops'", true},
		{`owner == "dev"`, false},
		{"title contains 'flaky'", true},
		{"labels contains 'bug'", true},
		{"labels contains 'docs'", false},
		{"meta.team == 'infra'", true},
		{"item.meta.size > 1", true},
		{"archived == false", true},
		{"missing == 1", false},
		{"priority > 3 && owner == 'dev'", false},
		{"priority > 3 && owner == 'ops'", true},
		{"owner == 'dev' || labels contains 'ci'", true},
		{"owner == 'dev' || priority < 1 && archived == false", false},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			pred, err := ParseFilter(tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, pred(item))
		})
	}
}

func TestParseFilter_Empty(t *testing.T) {
	pred, err := ParseFilter("   ")
	require.NoError(t, err)
	assert.Nil(t, pred)
}

func TestParseFilter_Invalid(t *testing.T) {
	for _, expr := range []string{"priority", "== 3", "priority >", "a == 1 && "} {
		_, err := ParseFilter(expr)
		assert.ErrorIs(t, err, ErrInvalidFilter, expr)
	}
}

func TestParseFilter_StringComparison(t *testing.T) {
	pred, err := ParseFilter("name > 'b'")
	require.NoError(t, err)
	assert.True(t, pred(map[string]any{"name": "c"}))
	assert.False(t, pred(map[string]any{"name": "a"}))
	assert.False(t, pred(map[string]any{"name": float64(3)}), "mixed kinds never match ordering")
}
