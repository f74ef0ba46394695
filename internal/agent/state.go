// Package agent drives one work assignment through its lifecycle.
//
// The lifecycle is a small closed state machine:
//
//	Created -> Running -> Completed
//	                   -> Failed
//
// ApplyTransition is pure and never panics; illegal pairs come back as a
// *StateError. Only terminal states project into a types.AgentResult.
package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

var (
	// ErrInvalidTransition is matched by every *StateError.
	ErrInvalidTransition = errors.New("invalid agent state transition")
)

// Clock returns the current time. Tests swap it for a fixed clock.
type Clock func() time.Time

// State is one of Created, Running, Completed or Failed.
type State interface {
	Name() string
	ID() string
	isState()
}

// Created is the state of a freshly built agent.
type Created struct {
	AgentID  string
	WorkItem types.WorkItem
}

// Running means the agent owns a workspace and is executing commands.
type Running struct {
	AgentID       string
	WorkItem      types.WorkItem
	StartedAt     time.Time
	WorkspacePath string
}

// Completed is terminal.
type Completed struct {
	AgentID   string
	WorkItem  types.WorkItem
	Output    string
	Artifacts []string
	Duration  time.Duration
}

// Failed is terminal.
type Failed struct {
	AgentID            string
	WorkItem           types.WorkItem
	Error              string
	Kind               types.ErrorKind
	Duration           time.Duration
	DiagnosticLocation string
}

func (Created) Name() string   { return "created" }
func (Running) Name() string   { return "running" }
func (Completed) Name() string { return "completed" }
func (Failed) Name() string    { return "failed" }

func (s Created) ID() string   { return s.AgentID }
func (s Running) ID() string   { return s.AgentID }
func (s Completed) ID() string { return s.AgentID }
func (s Failed) ID() string    { return s.AgentID }

func (Created) isState()   {}
func (Running) isState()   {}
func (Completed) isState() {}
func (Failed) isState()    {}

// IsTerminal reports whether no further transition is possible.
func IsTerminal(s State) bool {
	switch s.(type) {
	case Completed, Failed:
		return true
	}
	return false
}

// Transition is one of Start, Complete or Fail.
type Transition interface {
	Name() string
	isTransition()
}

// Start moves Created to Running.
type Start struct {
	WorkspacePath string
}

// Complete moves Running to Completed.
type Complete struct {
	Output    string
	Artifacts []string
}

// Fail moves Running to Failed.
type Fail struct {
	Error              string
	Kind               types.ErrorKind
	DiagnosticLocation string
}

func (Start) Name() string    { return "start" }
func (Complete) Name() string { return "complete" }
func (Fail) Name() string     { return "fail" }

func (Start) isTransition()    {}
func (Complete) isTransition() {}
func (Fail) isTransition()     {}

// StateError describes an illegal (state, transition) pair.
type StateError struct {
	From       string
	Transition string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("agent: cannot apply %s to %s state", e.Transition, e.From)
}

func (e *StateError) Unwrap() error {
	return ErrInvalidTransition
}

// Machine applies transitions using its clock for timestamps and durations.
type Machine struct {
	now Clock
}

// NewMachine returns a Machine; a nil clock means time.Now.
func NewMachine(clock Clock) *Machine {
	if clock == nil {
		clock = time.Now
	}
	return &Machine{now: clock}
}

// ApplyTransition uses the wall clock.
func ApplyTransition(state State, t Transition) (State, error) {
	return NewMachine(nil).Apply(state, t)
}

// Apply returns the next state or a *StateError. The input state is never modified.
func (m *Machine) Apply(state State, t Transition) (State, error) {
	switch s := state.(type) {
	case Created:
		switch tr := t.(type) {
		case Start:
			return Running{
				AgentID:       s.AgentID,
				WorkItem:      s.WorkItem,
				StartedAt:     m.now(),
				WorkspacePath: tr.WorkspacePath,
			}, nil
		}
	case Running:
		elapsed := m.now().Sub(s.StartedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		switch tr := t.(type) {
		case Complete:
			return Completed{
				AgentID:   s.AgentID,
				WorkItem:  s.WorkItem,
				Output:    tr.Output,
				Artifacts: append([]string(nil), tr.Artifacts...),
				Duration:  elapsed,
			}, nil
		case Fail:
			return Failed{
				AgentID:            s.AgentID,
				WorkItem:           s.WorkItem,
				Error:              tr.Error,
				Kind:               kindOrUnknown(tr.Kind),
				Duration:           elapsed,
				DiagnosticLocation: tr.DiagnosticLocation,
			}, nil
		}
	}
	return state, &StateError{From: stateName(state), Transition: transitionName(t)}
}

// StateToResult projects a terminal state. Non-terminal states return false.
func StateToResult(state State) (types.AgentResult, bool) {
	switch s := state.(type) {
	case Completed:
		return types.AgentResult{
			AgentID:   s.AgentID,
			ItemID:    s.WorkItem.ID,
			Success:   true,
			Output:    s.Output,
			Artifacts: s.Artifacts,
			Duration:  s.Duration,
		}, true
	case Failed:
		return types.AgentResult{
			AgentID:            s.AgentID,
			ItemID:             s.WorkItem.ID,
			Success:            false,
			Duration:           s.Duration,
			Error:              s.Error,
			ErrorKind:          s.Kind,
			DiagnosticLocation: s.DiagnosticLocation,
		}, true
	}
	return types.AgentResult{}, false
}

func kindOrUnknown(k types.ErrorKind) types.ErrorKind {
	if k == "" {
		return types.ErrorUnknown
	}
	return k
}

func stateName(s State) string {
	if s == nil {
		return "nil"
	}
	return s.Name()
}

func transitionName(t Transition) string {
	if t == nil {
		return "nil"
	}
	return t.Name()
}
