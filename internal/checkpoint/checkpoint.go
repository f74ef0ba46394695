// Package checkpoint persists resumable job state, one authoritative
// checkpoint per (job, phase).
//
// A checkpoint is written as an envelope carrying the schema version and a
// sha256 of the compact checkpoint body. Load rejects anything whose hash or
// version does not match instead of resuming from unverifiable state.
package checkpoint

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/aggregate"
	"github.com/ChuLiYu/beaver-mr/internal/variables"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

// Version is the checkpoint schema version written by this build.
const Version = 1

// Checkpoint is everything needed to resume a job without redoing work.
type Checkpoint struct {
	Version int         `json:"version"`
	JobID   types.JobID `json:"job_id"`
	Phase   types.Phase `json:"phase"`

	// Items is the planned work set, in plan order.
	Items            []types.WorkItem `json:"items"`
	TotalItems       int              `json:"total_items"`
	CompletedItemIDs []types.ItemID   `json:"completed_item_ids"`
	FailedItemIDs    []types.ItemID   `json:"failed_item_ids"`

	Variables   *variables.Snapshot           `json:"variables"`
	Environment variables.EnvironmentSnapshot `json:"environment"`
	// Config is the job configuration as submitted, opaque to this package.
	Config json.RawMessage `json:"config,omitempty"`

	// ItemValues holds each completed item's contribution per named
	// aggregate. Resume folds these again instead of trusting Aggregates.
	ItemValues map[types.ItemID]map[string]aggregate.Encoded `json:"item_values,omitempty"`
	// Aggregates is the finalized summary at save time, for display only.
	Aggregates map[string]any `json:"aggregates,omitempty"`

	SavedAt       time.Time `json:"saved_at"`
	IntegrityHash string    `json:"-"`
}

// CompletedSet returns the completed ids as a set.
func (c *Checkpoint) CompletedSet() map[types.ItemID]bool {
	return toSet(c.CompletedItemIDs)
}

// FailedSet returns the failed ids as a set.
func (c *Checkpoint) FailedSet() map[types.ItemID]bool {
	return toSet(c.FailedItemIDs)
}

// Outstanding returns planned items that are neither completed nor in
// exclude, in plan order. The result depends only on its inputs.
func (c *Checkpoint) Outstanding(exclude map[types.ItemID]bool) []types.WorkItem {
	done := c.CompletedSet()
	out := make([]types.WorkItem, 0, len(c.Items))
	for _, item := range c.Items {
		if done[item.ID] || exclude[item.ID] {
			continue
		}
		out = append(out, item)
	}
	return out
}

// Values decodes the stored contributions of completed items for one
// aggregate, ordered by item id so folds are reproducible.
func (c *Checkpoint) Values(name string) ([]aggregate.Value, error) {
	done := c.CompletedSet()
	ids := make([]types.ItemID, 0, len(c.ItemValues))
	for id := range c.ItemValues {
		if done[id] {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var values []aggregate.Value
	for _, id := range ids {
		enc, ok := c.ItemValues[id][name]
		if !ok {
			continue
		}
		v, err := aggregate.Decode(enc)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func toSet(ids []types.ItemID) map[types.ItemID]bool {
	set := make(map[types.ItemID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
