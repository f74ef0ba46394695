package aggregate

import (
	"fmt"
	"strings"
)

// TypeMismatch reports one value whose variant differs from the expected one.
type TypeMismatch struct {
	Index    int  `json:"index"`
	Expected Kind `json:"expected"`
	Got      Kind `json:"got"`
}

func (e *TypeMismatch) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("aggregate: cannot combine %s with %s", e.Expected, e.Got)
	}
	return fmt.Sprintf("aggregate: index %d: expected %s, got %s", e.Index, e.Expected, e.Got)
}

func (e *TypeMismatch) Unwrap() error {
	return ErrTypeMismatch
}

// Validation is the outcome of Aggregate: either a combined Value or every
// mismatch found, never both.
type Validation struct {
	Value  Value
	Errors []*TypeMismatch
}

// OK reports whether the values were combined.
func (v Validation) OK() bool {
	return len(v.Errors) == 0
}

// Err folds the mismatches into one error, or nil.
func (v Validation) Err() error {
	if v.OK() {
		return nil
	}
	return &ValidationError{Mismatches: v.Errors}
}

// ValidationError carries every mismatch of one Aggregate call.
type ValidationError struct {
	Mismatches []*TypeMismatch
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Mismatches))
	for _, m := range e.Mismatches {
		parts = append(parts, fmt.Sprintf("[%d] expected %s got %s", m.Index, m.Expected, m.Got))
	}
	return fmt.Sprintf("aggregate: %d type mismatches: %s", len(e.Mismatches), strings.Join(parts, "; "))
}

func (e *ValidationError) Unwrap() error {
	return ErrTypeMismatch
}

// Aggregate validates that every value shares the variant of values[0], then
// folds them left to right. With any mismatch nothing is combined.
// An empty input is valid and yields a nil Value.
func Aggregate(values []Value) Validation {
	if len(values) == 0 {
		return Validation{}
	}

	expected := kindOf(values[0])
	var mismatches []*TypeMismatch
	for i, v := range values {
		if got := kindOf(v); got != expected || got == "" {
			mismatches = append(mismatches, &TypeMismatch{Index: i, Expected: expected, Got: got})
		}
	}
	if len(mismatches) > 0 {
		return Validation{Errors: mismatches}
	}

	acc := values[0]
	for i := 1; i < len(values); i++ {
		next, err := Combine(acc, values[i])
		if err != nil {
			// unreachable after validation; keep the contract anyway
			return Validation{Errors: []*TypeMismatch{{Index: i, Expected: expected, Got: kindOf(values[i])}}}
		}
		acc = next
	}
	return Validation{Value: acc}
}
