package dlq

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/storage/filestore"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newBackend(t *testing.T) *filestore.Store {
	t.Helper()
	s, err := filestore.New(t.TempDir(), filestore.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func workItem(i int) types.WorkItem {
	return types.WorkItem{Index: i, ID: types.ItemID(fmt.Sprintf("item-%d", i)), Data: map[string]any{"n": float64(i), "team": "core"}}
}

func failure(kind types.ErrorKind, at time.Time) types.FailureDetail {
	return types.FailureDetail{Error: "step failed after 30 seconds in /tmp/ws", Kind: kind, OccurredAt: at}
}

func TestAdd_RetryCountAndEligibility(t *testing.T) {
	q := New(newBackend(t), "job-1", Options{MaxRetries: 2})
	ctx := context.Background()

	var entry types.DLQItem
	var err error
	for i := 0; i < 4; i++ {
		entry, err = q.Add(ctx, workItem(1), failure(types.ErrorTimeout, t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)

		assert.Equal(t, i, entry.RetryCount)
		assert.Len(t, entry.FailureHistory, i+1)
		assert.Equal(t, i <= 2, entry.ReprocessEligible, "attempt %d", i)
	}

	assert.Equal(t, t0, entry.FirstFailure)
	assert.Equal(t, t0.Add(3*time.Minute), entry.LastFailure)
	assert.Equal(t, 1, entry.ItemIndex)

	stored, err := q.Get(ctx, "item-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, 3, stored.RetryCount)
	assert.False(t, stored.ReprocessEligible)

	missing, err := q.Get(ctx, "item-9")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ineligible, err := q.IneligibleIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[types.ItemID]bool{"item-1": true}, ineligible)
}

func TestAdd_Defaults(t *testing.T) {
	q := New(newBackend(t), "job-1", Options{Clock: func() time.Time { return t0 }})
	entry, err := q.Add(context.Background(), workItem(0), types.FailureDetail{Error: "boom"})
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxRetries, q.MaxRetries())
	assert.Equal(t, t0, entry.LastFailure)
	assert.Equal(t, types.ErrorUnknown, entry.LastError().Kind)
	assert.Equal(t, "unknown::boom", entry.ErrorSignature)
}

func TestQuery(t *testing.T) {
	q := New(newBackend(t), "job-1", Options{MaxRetries: 1})
	ctx := context.Background()

	// item-0: timeout, oldest; item-1: command failure; item-2: timeout twice, ineligible after 3 adds
	_, err := q.Add(ctx, workItem(0), failure(types.ErrorTimeout, t0))
	require.NoError(t, err)
	_, err = q.Add(ctx, workItem(1), failure(types.ErrorCommandFailed, t0.Add(time.Hour)))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = q.Add(ctx, workItem(2), failure(types.ErrorTimeout, t0.Add(2*time.Hour+time.Duration(i))))
		require.NoError(t, err)
	}

	yes, no := true, false
	tests := []struct {
		name   string
		filter Filter
		want   []types.ItemID
	}{
		{"all newest first", Filter{}, []types.ItemID{"item-2", "item-1", "item-0"}},
		{"kind", Filter{ErrorKind: types.ErrorTimeout}, []types.ItemID{"item-2", "item-0"}},
		{"after", Filter{After: t0.Add(30 * time.Minute)}, []types.ItemID{"item-2", "item-1"}},
		{"before", Filter{Before: t0.Add(90 * time.Minute)}, []types.ItemID{"item-1", "item-0"}},
		{"min failures", Filter{MinFailures: 2}, []types.ItemID{"item-2"}},
		{"eligible", Filter{Eligible: &yes}, []types.ItemID{"item-1", "item-0"}},
		{"ineligible", Filter{Eligible: &no}, []types.ItemID{"item-2"}},
		{"signature", Filter{Signature: "command_failed::"}, []types.ItemID{"item-1"}},
		{"expression", Filter{Expression: "n >= 1"}, []types.ItemID{"item-2", "item-1"}},
		{"ids", Filter{ItemIDs: []types.ItemID{"item-0"}}, []types.ItemID{"item-0"}},
		{"combined", Filter{ErrorKind: types.ErrorTimeout, Eligible: &yes}, []types.ItemID{"item-0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			items, err := q.Query(ctx, tt.filter)
			require.NoError(t, err)
			got := make([]types.ItemID, 0, len(items))
			for _, it := range items {
				got = append(got, it.ItemID)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	_, err = q.Query(ctx, Filter{Expression: "n >="})
	assert.Error(t, err)
}

func TestRemoveAndPurge(t *testing.T) {
	q := New(newBackend(t), "job-1", Options{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := q.Add(ctx, workItem(i), failure(types.ErrorTimeout, t0.Add(time.Duration(i)*time.Hour)))
		require.NoError(t, err)
	}

	require.NoError(t, q.Remove(ctx, "item-3"))
	require.NoError(t, q.Remove(ctx, "item-3"))

	n, err := q.Purge(ctx, t0.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := q.List(ctx)
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, types.ItemID("item-2"), left[0].ItemID)
}

func TestAnalyze(t *testing.T) {
	q := New(newBackend(t), "job-1", Options{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := q.Add(ctx, workItem(i), failure(types.ErrorTimeout, t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	_, err := q.Add(ctx, workItem(9), types.FailureDetail{Error: "merge rejected", Kind: types.ErrorMergeConflict, OccurredAt: t0})
	require.NoError(t, err)
	_, err = q.Add(ctx, workItem(9), types.FailureDetail{Error: "merge rejected", Kind: types.ErrorMergeConflict, OccurredAt: t0.Add(time.Hour)})
	require.NoError(t, err)

	a, err := q.Analyze(ctx)
	require.NoError(t, err)

	assert.Equal(t, 5, a.TotalItems)
	assert.Equal(t, 5, a.Eligible)
	assert.InDelta(t, 0.2, a.AverageRetryCount, 1e-9)
	assert.Equal(t, map[types.ErrorKind]int{types.ErrorTimeout: 4, types.ErrorMergeConflict: 2}, a.ErrorDistribution)
	assert.Equal(t, t0, a.OldestFailure)
	assert.Equal(t, t0.Add(time.Hour), a.NewestFailure)

	require.Len(t, a.PatternGroups, 2)
	top := a.PatternGroups[0]
	assert.Equal(t, "timeout::step failed after seconds in", top.Signature)
	assert.Equal(t, 4, top.Count)
	assert.Len(t, top.SampleItems, samplesPerPattern)
	assert.Equal(t, []types.ItemID{"item-3", "item-2", "item-1"}, top.SampleItems)
	assert.Equal(t, t0, top.FirstOccurrence)
	assert.Equal(t, t0.Add(3*time.Minute), top.LastOccurrence)
}

func TestSignature(t *testing.T) {
	tests := []struct {
		kind types.ErrorKind
		msg  string
		want string
	}{
		{types.ErrorTimeout, "", "timeout::"},
		{types.ErrorCommandFailed, "exit 127 running /usr/bin/make in ws", "command_failed::exit running in ws"},
		{types.ErrorUnknown, "a b c d e f g h i j k l", "unknown::a b c d e f g h i j"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Signature(tt.kind, tt.msg))
	}
}

func TestRetryPolicyDelay(t *testing.T) {
	tests := []struct {
		name   string
		policy RetryPolicy
		retry  int
		want   time.Duration
	}{
		{"immediate", RetryPolicy{Strategy: StrategyImmediate, InitialDelay: time.Second}, 5, 0},
		{"fixed", RetryPolicy{Strategy: StrategyFixed, InitialDelay: time.Second}, 5, time.Second},
		{"linear", RetryPolicy{Strategy: StrategyLinear, InitialDelay: time.Second}, 2, 3 * time.Second},
		{"exponential", RetryPolicy{Strategy: StrategyExponential, InitialDelay: time.Second}, 3, 8 * time.Second},
		{"exponential capped", RetryPolicy{Strategy: StrategyExponential, InitialDelay: time.Second, MaxDelay: 5 * time.Second}, 3, 5 * time.Second},
		{"exponential no overflow", RetryPolicy{Strategy: StrategyExponential, InitialDelay: time.Hour, MaxDelay: time.Minute}, 200, time.Minute},
		{"negative retry", RetryPolicy{Strategy: StrategyLinear, InitialDelay: time.Second}, -1, time.Second},
		{"default is exponential", RetryPolicy{InitialDelay: time.Second}, 1, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.policy.Delay(tt.retry))
		})
	}
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("")
	require.NoError(t, err)
	assert.Equal(t, StrategyExponential, s)

	s, err = ParseStrategy("linear")
	require.NoError(t, err)
	assert.Equal(t, StrategyLinear, s)

	_, err = ParseStrategy("fibonacci")
	assert.Error(t, err)
}
