package dlq

import (
	"context"
	"sort"
	"time"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

const samplesPerPattern = 3

// PatternGroup is every item sharing one error signature.
type PatternGroup struct {
	Signature       string         `json:"signature"`
	Count           int            `json:"count"`
	FirstOccurrence time.Time      `json:"first_occurrence"`
	LastOccurrence  time.Time      `json:"last_occurrence"`
	SampleItems     []types.ItemID `json:"sample_items"`
}

// Analysis summarizes the failure patterns of one job's DLQ.
type Analysis struct {
	TotalItems        int                     `json:"total_items"`
	Eligible          int                     `json:"eligible"`
	AverageRetryCount float64                 `json:"average_retry_count"`
	PatternGroups     []PatternGroup          `json:"pattern_groups"`
	ErrorDistribution map[types.ErrorKind]int `json:"error_distribution"`
	OldestFailure     time.Time               `json:"oldest_failure,omitempty"`
	NewestFailure     time.Time               `json:"newest_failure,omitempty"`
}

// Analyze groups items by error signature (largest group first) and counts
// every recorded failure by kind.
func (q *Queue) Analyze(ctx context.Context) (Analysis, error) {
	items, err := q.Query(ctx, Filter{})
	if err != nil {
		return Analysis{}, err
	}

	a := Analysis{
		TotalItems:        len(items),
		ErrorDistribution: make(map[types.ErrorKind]int),
	}
	groups := make(map[string]*PatternGroup)
	retries := 0
	// items arrive newest first, so samples are the most recent failures
	for _, item := range items {
		retries += item.RetryCount
		if item.ReprocessEligible {
			a.Eligible++
		}
		for _, f := range item.FailureHistory {
			a.ErrorDistribution[f.Kind]++
		}
		if a.OldestFailure.IsZero() || item.FirstFailure.Before(a.OldestFailure) {
			a.OldestFailure = item.FirstFailure
		}
		if item.LastFailure.After(a.NewestFailure) {
			a.NewestFailure = item.LastFailure
		}

		g, ok := groups[item.ErrorSignature]
		if !ok {
			g = &PatternGroup{
				Signature:       item.ErrorSignature,
				FirstOccurrence: item.FirstFailure,
				LastOccurrence:  item.LastFailure,
			}
			groups[item.ErrorSignature] = g
		}
		g.Count++
		if item.FirstFailure.Before(g.FirstOccurrence) {
			g.FirstOccurrence = item.FirstFailure
		}
		if item.LastFailure.After(g.LastOccurrence) {
			g.LastOccurrence = item.LastFailure
		}
		if len(g.SampleItems) < samplesPerPattern {
			g.SampleItems = append(g.SampleItems, item.ItemID)
		}
	}
	if len(items) > 0 {
		a.AverageRetryCount = float64(retries) / float64(len(items))
	}

	a.PatternGroups = make([]PatternGroup, 0, len(groups))
	for _, g := range groups {
		a.PatternGroups = append(a.PatternGroups, *g)
	}
	sort.Slice(a.PatternGroups, func(i, j int) bool {
		if a.PatternGroups[i].Count != a.PatternGroups[j].Count {
			return a.PatternGroups[i].Count > a.PatternGroups[j].Count
		}
		return a.PatternGroups[i].Signature < a.PatternGroups[j].Signature
	})
	return a, nil
}
