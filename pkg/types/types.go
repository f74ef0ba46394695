// Package types defines the core domain model shared by every beaver-mr module.
package types

import (
	"time"
)

// JobID identifies one job run (and every resume of it).
type JobID string

// ItemID is the stable identity of a work item across attempts and resumes.
type ItemID string

// Phase names a job phase. Checkpoints are keyed by (JobID, Phase).
type Phase string

const (
	PhaseSetup  Phase = "setup"
	PhaseMap    Phase = "map"
	PhaseReduce Phase = "reduce"
)

// PhaseOrder returns the position of a phase in execution order; unknown phases sort last.
func PhaseOrder(p Phase) int {
	switch p {
	case PhaseSetup:
		return 0
	case PhaseMap:
		return 1
	case PhaseReduce:
		return 2
	default:
		return 3
	}
}

// ItemStatus is the progress state of a work item inside a job.
type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"   // planned, not yet dispatched
	StatusInFlight  ItemStatus = "in_flight" // an agent is running it
	StatusCompleted ItemStatus = "completed" // agent completed successfully
	StatusDead      ItemStatus = "dead"      // permanently failed, lives in the DLQ
)

// WorkItem is one opaque, tree-shaped input value plus its stable position.
type WorkItem struct {
	Index int    `json:"index"`
	ID    ItemID `json:"id"`
	Data  any    `json:"data"`
}

// WorkAssignment binds a work item to the workspace one attempt will run in.
type WorkAssignment struct {
	ID            int      `json:"id"`
	Item          WorkItem `json:"item"`
	WorkspaceName string   `json:"workspace_name"`
	Attempt       int      `json:"attempt"`
}

// ErrorKind categorizes agent failures for DLQ filtering and reporting.
type ErrorKind string

const (
	ErrorTimeout       ErrorKind = "timeout"
	ErrorCommandFailed ErrorKind = "command_failed"
	ErrorWorkspace     ErrorKind = "workspace_error"
	ErrorMergeConflict ErrorKind = "merge_conflict"
	ErrorCancelled     ErrorKind = "cancelled"
	ErrorUnknown       ErrorKind = "unknown"
)

// AgentResult is the read-only projection of a terminal agent state.
type AgentResult struct {
	AgentID            string        `json:"agent_id"`
	ItemID             ItemID        `json:"item_id"`
	AssignmentID       int           `json:"assignment_id"`
	Success            bool          `json:"success"`
	Output             string        `json:"output,omitempty"`
	Artifacts          []string      `json:"artifacts,omitempty"`
	Duration           time.Duration `json:"duration"`
	Error              string        `json:"error,omitempty"`
	ErrorKind          ErrorKind     `json:"error_kind,omitempty"`
	DiagnosticLocation string        `json:"diagnostic_location,omitempty"`
}

// FailureDetail records one failed attempt of a dead-lettered item.
type FailureDetail struct {
	Error              string    `json:"error"`
	Kind               ErrorKind `json:"kind"`
	OccurredAt         time.Time `json:"occurred_at"`
	AgentID            string    `json:"agent_id,omitempty"`
	DiagnosticLocation string    `json:"diagnostic_location,omitempty"`
}

// DLQItem is a permanently failed work item with its failure history.
type DLQItem struct {
	ItemID            ItemID          `json:"item_id"`
	ItemIndex         int             `json:"item_index"`
	ItemData          any             `json:"item_data"`
	FailureHistory    []FailureDetail `json:"failure_history"`
	RetryCount        int             `json:"retry_count"`
	ReprocessEligible bool            `json:"reprocess_eligible"`
	ErrorSignature    string          `json:"error_signature"`
	FirstFailure      time.Time       `json:"first_failure"`
	LastFailure       time.Time       `json:"last_failure"`
}

// WorkItem rebuilds the planned item this entry was dead-lettered from.
func (d DLQItem) WorkItem() WorkItem {
	return WorkItem{Index: d.ItemIndex, ID: d.ItemID, Data: d.ItemData}
}

// LastError returns the most recent failure, or the zero value for an empty history.
func (d DLQItem) LastError() FailureDetail {
	if len(d.FailureHistory) == 0 {
		return FailureDetail{}
	}
	return d.FailureHistory[len(d.FailureHistory)-1]
}
