package aggregate

import (
	"encoding/json"
	"fmt"
)

// Encoded is the persisted form of a Value.
type Encoded struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode wraps a value with its kind tag.
func Encode(v Value) (Encoded, error) {
	if v == nil {
		return Encoded{}, fmt.Errorf("aggregate: cannot encode nil value")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Encoded{}, fmt.Errorf("aggregate: encode %s: %w", v.Kind(), err)
	}
	return Encoded{Kind: v.Kind(), Data: raw}, nil
}

// Decode restores a value written by Encode.
func Decode(e Encoded) (Value, error) {
	var (
		v   Value
		err error
	)
	switch e.Kind {
	case KindCount:
		v, err = decodeInto[Count](e.Data)
	case KindSum:
		v, err = decodeInto[Sum](e.Data)
	case KindAverage:
		v, err = decodeInto[Average](e.Data)
	case KindMin:
		v, err = decodeInto[Min](e.Data)
	case KindMax:
		v, err = decodeInto[Max](e.Data)
	case KindMedian:
		v, err = decodeInto[Median](e.Data)
	case KindStdDev:
		v, err = decodeInto[StdDev](e.Data)
	case KindVariance:
		v, err = decodeInto[Variance](e.Data)
	case KindUnique:
		v, err = decodeInto[Unique](e.Data)
	case KindCollect:
		v, err = decodeInto[Collect](e.Data)
	case KindConcat:
		v, err = decodeInto[Concat](e.Data)
	case KindMerge:
		v, err = decodeInto[Merge](e.Data)
	case KindFlatten:
		v, err = decodeInto[Flatten](e.Data)
	case KindSort:
		v, err = decodeInto[Sort](e.Data)
	case KindGroupBy:
		v, err = decodeInto[GroupBy](e.Data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("aggregate: decode %s: %w", e.Kind, err)
	}
	return v, nil
}

func decodeInto[T Value](data []byte) (Value, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}
