package aggregate

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_MismatchAtIndexTwo(t *testing.T) {
	v := Aggregate([]Value{Count{N: 3}, Count{N: 4}, Sum{Total: 5.0}})

	require.False(t, v.OK())
	assert.Nil(t, v.Value, "nothing is combined when validation fails")
	require.Len(t, v.Errors, 1)
	assert.Equal(t, &TypeMismatch{Index: 2, Expected: KindCount, Got: KindSum}, v.Errors[0])
}

func TestAggregate_CollectsEveryMismatch(t *testing.T) {
	v := Aggregate([]Value{
		Sum{Total: 1},
		Count{N: 1},
		Sum{Total: 2},
		Average{Sum: 1, Count: 1},
		Collect{},
	})

	require.False(t, v.OK())
	require.Len(t, v.Errors, 3)
	assert.Equal(t, []int{1, 3, 4}, []int{v.Errors[0].Index, v.Errors[1].Index, v.Errors[2].Index})

	err := v.Err()
	assert.ErrorIs(t, err, ErrTypeMismatch)
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Mismatches, 3)
}

func TestAggregate_Empty(t *testing.T) {
	v := Aggregate(nil)
	assert.True(t, v.OK())
	assert.Nil(t, v.Value)
	assert.NoError(t, v.Err())
}

func TestAggregate_NilElement(t *testing.T) {
	v := Aggregate([]Value{Count{N: 1}, nil})
	require.Len(t, v.Errors, 1)
	assert.Equal(t, Kind(""), v.Errors[0].Got)
}

func TestCombine_Variants(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want any
	}{
		{"count", Count{N: 2}, Count{N: 5}, int64(7)},
		{"sum", Sum{Total: 1.5}, Sum{Total: 2}, 3.5},
		{"average", Average{Sum: 10, Count: 2}, Average{Sum: 2, Count: 2}, 3.0},
		{"min", Min{V: 4}, Min{V: -1}, -1.0},
		{"max", Max{V: 4}, Max{V: -1}, 4.0},
		{"median odd", Median{Values: []float64{9, 1}}, Median{Values: []float64{5}}, 5.0},
		{"median even", Median{Values: []float64{1, 2}}, Median{Values: []float64{3, 4}}, 2.5},
		{"variance", Variance{Values: []float64{2, 4}}, Variance{Values: []float64{4, 4, 5, 5, 7, 9}}, 4.0},
		{"stddev", StdDev{Values: []float64{2, 4}}, StdDev{Values: []float64{4, 4, 5, 5, 7, 9}}, 2.0},
		{"unique", NewUnique("a", "b"), NewUnique("b", "c"), []any{`a`, `b`, `c`}},
		{"collect", Collect{Values: []any{1.0}}, Collect{Values: []any{2.0}}, []any{1.0, 2.0}},
		{"concat", Concat{Text: "a", Separator: ","}, Concat{Text: "b", Separator: ","}, "a,b"},
		{"concat empty left", Concat{Separator: ","}, Concat{Text: "b"}, "b"},
		{"merge first wins", Merge{Fields: map[string]any{"k": "left", "l": 1.0}}, Merge{Fields: map[string]any{"k": "right", "r": 2.0}},
			map[string]any{"k": "left", "l": 1.0, "r": 2.0}},
		{"flatten", Flatten{Values: []any{1.0, 2.0}}, Flatten{Values: []any{3.0}}, []any{1.0, 2.0, 3.0}},
		{"sort", Sort{Values: []any{3.0, 1.0}}, Sort{Values: []any{2.0}}, []any{1.0, 2.0, 3.0}},
		{"sort descending", Sort{Values: []any{"a"}, Descending: true}, Sort{Values: []any{"c", "b"}, Descending: true}, []any{"c", "b", "a"}},
		{"group by", GroupBy{Groups: map[string][]any{"x": {1.0}}}, GroupBy{Groups: map[string][]any{"x": {2.0}, "y": {3.0}}},
			map[string][]any{"x": {1.0, 2.0}, "y": {3.0}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Combine(tt.a, tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.a.Kind(), got.Kind())
			if f, ok := tt.want.(float64); ok {
				assert.InDelta(t, f, Finalize(got), 1e-9)
				return
			}
			assert.Equal(t, tt.want, Finalize(got))
		})
	}
}

func TestCombine_Mismatch(t *testing.T) {
	_, err := Combine(Count{N: 1}, Sum{Total: 1})
	var mismatch *TypeMismatch
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, -1, mismatch.Index)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	_, err = Combine(nil, Count{})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestCombine_DoesNotAliasOperands(t *testing.T) {
	left := GroupBy{Groups: map[string][]any{"x": {1.0}}}
	_, err := Combine(left, GroupBy{Groups: map[string][]any{"x": {2.0}}})
	require.NoError(t, err)
	assert.Equal(t, []any{1.0}, left.Groups["x"])
}

// shuffledOrderIndependent folds values in random orders and compares the
// finalized result with the in-order fold.
func shuffledOrderIndependent(t *testing.T, values []Value) {
	t.Helper()
	want := Aggregate(values)
	require.True(t, want.OK())

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 20; i++ {
		shuffled := append([]Value(nil), values...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Aggregate(shuffled)
		require.True(t, got.OK())
		assert.Equal(t, Finalize(want.Value), Finalize(got.Value))
	}
}

func TestAggregate_OrderIndependence(t *testing.T) {
	var counts, sums, avgs, mins, maxs, medians, uniques, sorts []Value
	for i := 0; i < 12; i++ {
		f := float64(i%5) * 1.5
		counts = append(counts, Count{N: int64(i)})
		sums = append(sums, Sum{Total: f})
		avgs = append(avgs, Average{Sum: f, Count: 1})
		mins = append(mins, Min{V: f})
		maxs = append(maxs, Max{V: f})
		medians = append(medians, Median{Values: []float64{f}})
		uniques = append(uniques, NewUnique(i%3))
		sorts = append(sorts, Sort{Values: []any{f}})
	}

	for name, values := range map[string][]Value{
		"count": counts, "sum": sums, "average": avgs, "min": mins,
		"max": maxs, "median": medians, "unique": uniques, "sort": sorts,
	} {
		t.Run(name, func(t *testing.T) {
			shuffledOrderIndependent(t, values)
		})
	}
}

func TestAggregate_CollectIsAMultiset(t *testing.T) {
	values := []Value{Collect{Values: []any{"a"}}, Collect{Values: []any{"b"}}, Collect{Values: []any{"a"}}}
	forward := Aggregate(values)
	backward := Aggregate([]Value{values[2], values[1], values[0]})
	assert.ElementsMatch(t, Finalize(forward.Value), Finalize(backward.Value))
}

func TestAggregate_Associativity(t *testing.T) {
	a, b, c := Average{Sum: 1, Count: 1}, Average{Sum: 5, Count: 2}, Average{Sum: 3, Count: 4}

	ab, err := Combine(a, b)
	require.NoError(t, err)
	left, err := Combine(ab, c)
	require.NoError(t, err)

	bc, err := Combine(b, c)
	require.NoError(t, err)
	right, err := Combine(a, bc)
	require.NoError(t, err)

	assert.Equal(t, left, right)
}

func TestLift(t *testing.T) {
	v, err := Lift(Spec{Kind: KindCount}, nil, "")
	require.NoError(t, err)
	assert.Equal(t, Count{N: 1}, v)

	v, err = Lift(Spec{Kind: KindSum}, "2.5", "")
	require.NoError(t, err)
	assert.Equal(t, Sum{Total: 2.5}, v)

	_, err = Lift(Spec{Kind: KindAverage}, "fast", "")
	assert.Error(t, err)

	_, err = Lift(Spec{Kind: KindMerge}, "not an object", "")
	assert.Error(t, err)

	v, err = Lift(Spec{Kind: KindGroupBy}, 1.0, "bug")
	require.NoError(t, err)
	assert.Equal(t, GroupBy{Groups: map[string][]any{"bug": {1.0}}}, v)

	v, err = Lift(Spec{Kind: KindFlatten}, []any{1.0, 2.0}, "")
	require.NoError(t, err)
	assert.Equal(t, Flatten{Values: []any{1.0, 2.0}}, v)

	_, err = Lift(Spec{Kind: "bogus"}, nil, "")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("group_by")
	require.NoError(t, err)
	assert.Equal(t, KindGroupBy, k)

	_, err = ParseKind("mode")
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestEncodeDecode(t *testing.T) {
	for _, v := range []Value{
		Count{N: 9},
		Average{Sum: 3, Count: 2},
		NewUnique("x", 1.0),
		Merge{Fields: map[string]any{"a": "b"}},
		GroupBy{Groups: map[string][]any{"k": {"v"}}},
		Sort{Values: []any{"b", "a"}, Descending: true},
	} {
		enc, err := Encode(v)
		require.NoError(t, err)
		assert.Equal(t, v.Kind(), enc.Kind)

		dec, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, v, dec)
	}

	_, err := Decode(Encoded{Kind: "nope"})
	assert.ErrorIs(t, err, ErrUnknownKind)

	_, err = Decode(Encoded{Kind: KindCount, Data: []byte("{")})
	assert.Error(t, err)
}

func TestStats(t *testing.T) {
	results := []types.AgentResult{
		{ItemID: "a", Success: true, Duration: 2 * time.Second},
		{ItemID: "b", Success: true, Duration: 4 * time.Second},
		{ItemID: "c", Success: false, ErrorKind: types.ErrorTimeout, Duration: 6 * time.Second},
		{ItemID: "d", Success: false, ErrorKind: types.ErrorTimeout},
		{ItemID: "e", Success: false},
	}

	s := Stats(results)
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 2, s.Successful)
	assert.Equal(t, 3, s.Failed)
	assert.InDelta(t, 40.0, s.SuccessRate, 1e-9)
	assert.Equal(t, 2400*time.Millisecond, s.AvgDuration)

	groups := GroupErrors(results)
	require.Len(t, groups, 2)
	assert.Equal(t, ErrorGroup{Kind: types.ErrorTimeout, Items: []types.ItemID{"c", "d"}}, groups[0])
	assert.Equal(t, ErrorGroup{Kind: types.ErrorUnknown, Items: []types.ItemID{"e"}}, groups[1])

	assert.Equal(t, Summary{}, Stats(nil))
}
