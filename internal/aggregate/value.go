// Package aggregate combines per-agent values into job level summaries.
//
// Every Value is one variant of a closed set. Two values combine only when
// they are the same variant; anything else is a *TypeMismatch, never a panic.
package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// Kind names a Value variant.
type Kind string

const (
	KindCount    Kind = "count"
	KindSum      Kind = "sum"
	KindAverage  Kind = "average"
	KindMin      Kind = "min"
	KindMax      Kind = "max"
	KindMedian   Kind = "median"
	KindStdDev   Kind = "stddev"
	KindVariance Kind = "variance"
	KindUnique   Kind = "unique"
	KindCollect  Kind = "collect"
	KindConcat   Kind = "concat"
	KindMerge    Kind = "merge"
	KindFlatten  Kind = "flatten"
	KindSort     Kind = "sort"
	KindGroupBy  Kind = "group_by"
)

// Kinds lists every variant in declaration order.
func Kinds() []Kind {
	return []Kind{
		KindCount, KindSum, KindAverage, KindMin, KindMax, KindMedian, KindStdDev,
		KindVariance, KindUnique, KindCollect, KindConcat, KindMerge, KindFlatten,
		KindSort, KindGroupBy,
	}
}

// ParseKind validates a configured kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
}

var (
	// ErrTypeMismatch is matched by every *TypeMismatch.
	ErrTypeMismatch = errors.New("aggregate type mismatch")
	// ErrUnknownKind is returned for a kind name outside the closed set.
	ErrUnknownKind = errors.New("unknown aggregate kind")
)

// Value is one aggregate variant.
type Value interface {
	Kind() Kind
}

type Count struct {
	N int64 `json:"n"`
}

type Sum struct {
	Total float64 `json:"total"`
}

type Average struct {
	Sum   float64 `json:"sum"`
	Count int64   `json:"count"`
}

type Min struct {
	V float64 `json:"v"`
}

type Max struct {
	V float64 `json:"v"`
}

// Median, StdDev and Variance keep every sample; the statistic is only
// computed by Finalize.
type Median struct {
	Values []float64 `json:"values"`
}

type StdDev struct {
	Values []float64 `json:"values"`
}

type Variance struct {
	Values []float64 `json:"values"`
}

// Unique is a set keyed by the canonical JSON encoding of each member.
type Unique struct {
	Values map[string]any `json:"values"`
}

type Collect struct {
	Values []any `json:"values"`
}

// Concat joins text with the left operand's separator.
type Concat struct {
	Text      string `json:"text"`
	Separator string `json:"separator,omitempty"`
}

// Merge joins objects; on key collisions the left operand wins.
type Merge struct {
	Fields map[string]any `json:"fields"`
}

type Flatten struct {
	Values []any `json:"values"`
}

type Sort struct {
	Values     []any `json:"values"`
	Descending bool  `json:"descending,omitempty"`
}

type GroupBy struct {
	Groups map[string][]any `json:"groups"`
}

func (Count) Kind() Kind    { return KindCount }
func (Sum) Kind() Kind      { return KindSum }
func (Average) Kind() Kind  { return KindAverage }
func (Min) Kind() Kind      { return KindMin }
func (Max) Kind() Kind      { return KindMax }
func (Median) Kind() Kind   { return KindMedian }
func (StdDev) Kind() Kind   { return KindStdDev }
func (Variance) Kind() Kind { return KindVariance }
func (Unique) Kind() Kind   { return KindUnique }
func (Collect) Kind() Kind  { return KindCollect }
func (Concat) Kind() Kind   { return KindConcat }
func (Merge) Kind() Kind    { return KindMerge }
func (Flatten) Kind() Kind  { return KindFlatten }
func (Sort) Kind() Kind     { return KindSort }
func (GroupBy) Kind() Kind  { return KindGroupBy }

// NewUnique builds a set from members.
func NewUnique(members ...any) Unique {
	u := Unique{Values: make(map[string]any, len(members))}
	for _, m := range members {
		u.Values[canonical(m)] = m
	}
	return u
}

// Combine is the checked binary step. Values of different variants return a
// *TypeMismatch with Index -1.
func Combine(a, b Value) (Value, error) {
	if a == nil || b == nil {
		return nil, &TypeMismatch{Index: -1, Expected: kindOf(a), Got: kindOf(b)}
	}
	if a.Kind() != b.Kind() {
		return nil, &TypeMismatch{Index: -1, Expected: a.Kind(), Got: b.Kind()}
	}

	switch x := a.(type) {
	case Count:
		return Count{N: x.N + b.(Count).N}, nil
	case Sum:
		return Sum{Total: x.Total + b.(Sum).Total}, nil
	case Average:
		y := b.(Average)
		return Average{Sum: x.Sum + y.Sum, Count: x.Count + y.Count}, nil
	case Min:
		y := b.(Min)
		if y.V < x.V {
			return y, nil
		}
		return x, nil
	case Max:
		y := b.(Max)
		if y.V > x.V {
			return y, nil
		}
		return x, nil
	case Median:
		return Median{Values: joinFloats(x.Values, b.(Median).Values)}, nil
	case StdDev:
		return StdDev{Values: joinFloats(x.Values, b.(StdDev).Values)}, nil
	case Variance:
		return Variance{Values: joinFloats(x.Values, b.(Variance).Values)}, nil
	case Unique:
		out := Unique{Values: make(map[string]any, len(x.Values)+len(b.(Unique).Values))}
		for k, v := range x.Values {
			out.Values[k] = v
		}
		for k, v := range b.(Unique).Values {
			out.Values[k] = v
		}
		return out, nil
	case Collect:
		return Collect{Values: joinAny(x.Values, b.(Collect).Values)}, nil
	case Concat:
		y := b.(Concat)
		switch {
		case x.Text == "":
			return Concat{Text: y.Text, Separator: x.Separator}, nil
		case y.Text == "":
			return x, nil
		}
		return Concat{Text: x.Text + x.Separator + y.Text, Separator: x.Separator}, nil
	case Merge:
		out := Merge{Fields: make(map[string]any, len(x.Fields))}
		for k, v := range b.(Merge).Fields {
			out.Fields[k] = v
		}
		for k, v := range x.Fields {
			out.Fields[k] = v
		}
		return out, nil
	case Flatten:
		return Flatten{Values: joinAny(x.Values, b.(Flatten).Values)}, nil
	case Sort:
		merged := joinAny(x.Values, b.(Sort).Values)
		sortValues(merged, x.Descending)
		return Sort{Values: merged, Descending: x.Descending}, nil
	case GroupBy:
		out := GroupBy{Groups: make(map[string][]any, len(x.Groups))}
		for k, v := range x.Groups {
			out.Groups[k] = append([]any(nil), v...)
		}
		for k, v := range b.(GroupBy).Groups {
			out.Groups[k] = append(out.Groups[k], v...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKind, a.Kind())
}

func kindOf(v Value) Kind {
	if v == nil {
		return ""
	}
	return v.Kind()
}

func joinFloats(a, b []float64) []float64 {
	out := make([]float64, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

func joinAny(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	out = append(out, a...)
	return append(out, b...)
}

// sortValues orders numbers numerically, strings lexically, and anything
// else (or mixed kinds) by canonical JSON.
func sortValues(values []any, descending bool) {
	sort.SliceStable(values, func(i, j int) bool {
		if descending {
			return less(values[j], values[i])
		}
		return less(values[i], values[j])
	})
}

func less(a, b any) bool {
	af, aok := a.(float64)
	bf, bok := b.(float64)
	if aok && bok {
		return af < bf
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return as < bs
	}
	return canonical(a) < canonical(b)
}

func canonical(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}
