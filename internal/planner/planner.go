// Package planner turns raw input items into an ordered list of work assignments.
//
// Planning is pure: filter -> offset -> limit -> numbering. The same inputs always
// produce the same assignments in the same order, which is what lets a resumed
// job recompute its plan and subtract the items a checkpoint already recorded.
package planner

import (
	"fmt"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// Config controls which raw items become assignments.
type Config struct {
	Filter  Predicate // nil keeps every item
	Offset  int       // items to skip after filtering
	Limit   int       // 0 means no limit
	IDField string    // dot path used as the stable item id; empty uses the raw position
}

// Plan filters items, applies offset and limit, then numbers the survivors.
// Assignment ids are zero-based and workspace names are "agent-{id}".
func Plan(items []any, cfg Config) []types.WorkAssignment {
	workItems := make([]types.WorkItem, 0, len(items))
	for idx, raw := range items {
		if cfg.Filter != nil && !cfg.Filter(raw) {
			continue
		}
		workItems = append(workItems, types.WorkItem{
			Index: idx,
			ID:    ItemIDFor(raw, idx, cfg.IDField),
			Data:  raw,
		})
	}

	workItems = applyLimits(workItems, cfg.Offset, cfg.Limit)

	assignments := make([]types.WorkAssignment, 0, len(workItems))
	for id, item := range workItems {
		assignments = append(assignments, types.WorkAssignment{
			ID:            id,
			Item:          item,
			WorkspaceName: WorkspaceName(id),
		})
	}
	return assignments
}

// WorkspaceName is the workspace an assignment with the given id runs in.
func WorkspaceName(id int) string {
	return fmt.Sprintf("agent-%d", id)
}

// ItemIDFor derives the stable id of a raw item. A scalar found at idField wins;
// otherwise the id is derived from the raw (pre-filter) position.
func ItemIDFor(raw any, index int, idField string) types.ItemID {
	if idField != "" {
		if v, ok := Lookup(raw, idField); ok {
			switch v.(type) {
			case string, float64, int, int64, bool:
				return types.ItemID(fmt.Sprint(v))
			}
		}
	}
	return types.ItemID(fmt.Sprintf("item-%d", index))
}

func applyLimits(items []types.WorkItem, offset, limit int) []types.WorkItem {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return []types.WorkItem{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
