package dlq

import (
	"strings"
	"time"
	"unicode"

	"github.com/ChuLiYu/beaver-mr/internal/planner"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// Filter selects DLQ items. Zero fields match everything.
type Filter struct {
	// ErrorKind matches items with at least one failure of this kind.
	ErrorKind types.ErrorKind `json:"error_kind,omitempty"`
	// After and Before bound the last failure time.
	After  time.Time `json:"after,omitempty"`
	Before time.Time `json:"before,omitempty"`
	// MinFailures is the minimum length of the failure history.
	MinFailures int   `json:"min_failures,omitempty"`
	Eligible    *bool `json:"eligible,omitempty"`
	// Signature is a substring of the error signature.
	Signature string `json:"signature,omitempty"`
	// Expression is a planner filter evaluated against the item data.
	Expression string         `json:"expression,omitempty"`
	ItemIDs    []types.ItemID `json:"item_ids,omitempty"`
}

func (f Filter) compile() (func(types.DLQItem) bool, error) {
	pred, err := planner.ParseFilter(f.Expression)
	if err != nil {
		return nil, err
	}
	var ids map[types.ItemID]bool
	if len(f.ItemIDs) > 0 {
		ids = make(map[types.ItemID]bool, len(f.ItemIDs))
		for _, id := range f.ItemIDs {
			ids[id] = true
		}
	}

	return func(item types.DLQItem) bool {
		if ids != nil && !ids[item.ItemID] {
			return false
		}
		if f.ErrorKind != "" && !hasKind(item, f.ErrorKind) {
			return false
		}
		if !f.After.IsZero() && item.LastFailure.Before(f.After) {
			return false
		}
		if !f.Before.IsZero() && item.LastFailure.After(f.Before) {
			return false
		}
		if f.MinFailures > 0 && len(item.FailureHistory) < f.MinFailures {
			return false
		}
		if f.Eligible != nil && item.ReprocessEligible != *f.Eligible {
			return false
		}
		if f.Signature != "" && !strings.Contains(item.ErrorSignature, f.Signature) {
			return false
		}
		if pred != nil && !pred(item.ItemData) {
			return false
		}
		return true
	}, nil
}

func hasKind(item types.DLQItem, kind types.ErrorKind) bool {
	for _, f := range item.FailureHistory {
		if f.Kind == kind {
			return true
		}
	}
	return false
}

// Signature reduces an error to a stable grouping key: the kind plus the
// first ten words of the message, dropping paths and pure numbers.
func Signature(kind types.ErrorKind, message string) string {
	words := strings.Fields(message)
	kept := make([]string, 0, 10)
	for _, w := range words {
		if len(kept) == 10 {
			break
		}
		if strings.Contains(w, "/") || isNumber(w) {
			continue
		}
		kept = append(kept, w)
	}
	return string(kind) + "::" + strings.Join(kept, " ")
}

func isNumber(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
