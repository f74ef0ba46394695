package aggregate

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Finalize renders a combined value as its JSON summary.
func Finalize(v Value) any {
	switch x := v.(type) {
	case nil:
		return nil
	case Count:
		return x.N
	case Sum:
		return x.Total
	case Average:
		if x.Count == 0 {
			return 0.0
		}
		return x.Sum / float64(x.Count)
	case Min:
		return x.V
	case Max:
		return x.V
	case Median:
		return median(x.Values)
	case StdDev:
		return math.Sqrt(variance(x.Values))
	case Variance:
		return variance(x.Values)
	case Unique:
		keys := make([]string, 0, len(x.Values))
		for k := range x.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, x.Values[k])
		}
		return out
	case Collect:
		return nonNil(x.Values)
	case Concat:
		return x.Text
	case Merge:
		if x.Fields == nil {
			return map[string]any{}
		}
		return x.Fields
	case Flatten:
		return nonNil(x.Values)
	case Sort:
		out := append([]any(nil), x.Values...)
		sortValues(out, x.Descending)
		return nonNil(out)
	case GroupBy:
		if x.Groups == nil {
			return map[string][]any{}
		}
		return x.Groups
	}
	return nil
}

func nonNil(v []any) []any {
	if v == nil {
		return []any{}
	}
	return v
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// population variance
func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return sq / float64(len(values))
}

// Spec configures how one named aggregate is fed from agent results.
type Spec struct {
	Kind       Kind   `json:"kind" yaml:"kind"`
	Field      string `json:"field,omitempty" yaml:"field"`
	KeyField   string `json:"key_field,omitempty" yaml:"key_field"`
	Separator  string `json:"separator,omitempty" yaml:"separator"`
	Descending bool   `json:"descending,omitempty" yaml:"descending"`
}

// Lift turns one raw sample into a single-element value of the given kind.
// Count ignores the sample. Numeric kinds accept numbers and numeric strings.
func Lift(spec Spec, sample any, key string) (Value, error) {
	switch spec.Kind {
	case KindCount:
		return Count{N: 1}, nil
	case KindSum, KindAverage, KindMin, KindMax, KindMedian, KindStdDev, KindVariance:
		f, err := toFloat(sample)
		if err != nil {
			return nil, err
		}
		switch spec.Kind {
		case KindSum:
			return Sum{Total: f}, nil
		case KindAverage:
			return Average{Sum: f, Count: 1}, nil
		case KindMin:
			return Min{V: f}, nil
		case KindMax:
			return Max{V: f}, nil
		case KindMedian:
			return Median{Values: []float64{f}}, nil
		case KindStdDev:
			return StdDev{Values: []float64{f}}, nil
		default:
			return Variance{Values: []float64{f}}, nil
		}
	case KindUnique:
		return NewUnique(sample), nil
	case KindCollect:
		return Collect{Values: []any{sample}}, nil
	case KindConcat:
		text := fmt.Sprint(sample)
		if s, ok := sample.(string); ok {
			text = s
		}
		return Concat{Text: text, Separator: spec.Separator}, nil
	case KindMerge:
		obj, ok := sample.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("aggregate: merge needs an object, got %T", sample)
		}
		return Merge{Fields: obj}, nil
	case KindFlatten:
		if list, ok := sample.([]any); ok {
			return Flatten{Values: append([]any(nil), list...)}, nil
		}
		return Flatten{Values: []any{sample}}, nil
	case KindSort:
		return Sort{Values: []any{sample}, Descending: spec.Descending}, nil
	case KindGroupBy:
		return GroupBy{Groups: map[string][]any{key: {sample}}}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("aggregate: %q is not numeric", n)
		}
		return f, nil
	}
	return 0, fmt.Errorf("aggregate: %T is not numeric", v)
}
