package aggregate

import (
	"sort"
	"time"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// Summary is the job level view of a batch of agent results.
type Summary struct {
	Total       int           `json:"total"`
	Successful  int           `json:"successful"`
	Failed      int           `json:"failed"`
	SuccessRate float64       `json:"success_rate"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// Stats summarizes results. SuccessRate is a percentage.
func Stats(results []types.AgentResult) Summary {
	s := Summary{Total: len(results)}
	var total time.Duration
	for _, r := range results {
		if r.Success {
			s.Successful++
		} else {
			s.Failed++
		}
		total += r.Duration
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Successful) / float64(s.Total) * 100
		s.AvgDuration = total / time.Duration(s.Total)
	}
	return s
}

// ErrorGroup is every failed item sharing one error kind.
type ErrorGroup struct {
	Kind  types.ErrorKind `json:"kind"`
	Items []types.ItemID  `json:"items"`
}

// GroupErrors buckets failed results by error kind, largest bucket first.
func GroupErrors(results []types.AgentResult) []ErrorGroup {
	byKind := make(map[types.ErrorKind][]types.ItemID)
	for _, r := range results {
		if r.Success {
			continue
		}
		kind := r.ErrorKind
		if kind == "" {
			kind = types.ErrorUnknown
		}
		byKind[kind] = append(byKind[kind], r.ItemID)
	}

	groups := make([]ErrorGroup, 0, len(byKind))
	for kind, items := range byKind {
		sort.Slice(items, func(i, j int) bool { return items[i] < items[j] })
		groups = append(groups, ErrorGroup{Kind: kind, Items: items})
	}
	sort.Slice(groups, func(i, j int) bool {
		if len(groups[i].Items) != len(groups[j].Items) {
			return len(groups[i].Items) > len(groups[j].Items)
		}
		return groups[i].Kind < groups[j].Kind
	})
	return groups
}
