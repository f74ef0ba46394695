package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/variables"
	"github.com/ChuLiYu/beaver-mr/pkg/types"
)

var log = slog.Default()

var (
	// ErrTransientExecution marks a command failure worth retrying inline.
	ErrTransientExecution = errors.New("transient execution failure")
	// ErrPermanentExecution marks a command failure that retrying cannot fix.
	ErrPermanentExecution = errors.New("permanent execution failure")
)

// VersionControl provides isolated workspaces and merges their changes back.
type VersionControl interface {
	CreateWorkspace(ctx context.Context, name string) (string, error)
	MergeToParent(ctx context.Context, workspacePath string) error
	RemoveWorkspace(ctx context.Context, workspacePath string) error
}

// CommandKind selects how a command template is executed.
type CommandKind string

const (
	CommandShell CommandKind = "shell"
	CommandAgent CommandKind = "agent"
)

// Command is one step an agent runs inside its workspace.
type Command struct {
	Kind     CommandKind `json:"kind" yaml:"kind"`
	Template string      `json:"template" yaml:"template"`
}

// CommandOutput is what a runner reports for a finished command.
type CommandOutput struct {
	Stdout      string
	Commits     []string
	LogLocation string
}

// CommandRunner executes a command in a workspace. Returned errors wrapping
// ErrTransientExecution are retried by the executor.
type CommandRunner interface {
	Execute(ctx context.Context, cmd Command, vars map[string]string, workspacePath string) (CommandOutput, error)
}

// ExecutorConfig is the per-phase configuration shared by every agent.
type ExecutorConfig struct {
	Phase            types.Phase
	Commands         []Command
	TransientRetries int
	RetryDelay       time.Duration
	CleanupTimeout   time.Duration
	Variables        *variables.Snapshot
	Environment      variables.EnvironmentSnapshot
}

// Executor runs one assignment end to end.
type Executor struct {
	vcs     VersionControl
	runner  CommandRunner
	cfg     ExecutorConfig
	machine *Machine
}

// NewExecutor wires the collaborators. A nil clock uses time.Now.
func NewExecutor(vcs VersionControl, runner CommandRunner, cfg ExecutorConfig, clock Clock) *Executor {
	if cfg.CleanupTimeout <= 0 {
		cfg.CleanupTimeout = 30 * time.Second
	}
	if cfg.Phase == "" {
		cfg.Phase = types.PhaseMap
	}
	return &Executor{
		vcs:     vcs,
		runner:  runner,
		cfg:     cfg,
		machine: NewMachine(clock),
	}
}

// AgentID names the agent running one attempt of an assignment.
func AgentID(a types.WorkAssignment) string {
	if a.Attempt == 0 {
		return a.WorkspaceName
	}
	return fmt.Sprintf("%s-retry-%d", a.WorkspaceName, a.Attempt)
}

// CancelledResult is reported for an assignment whose run was cancelled
// before it produced a result of its own.
func CancelledResult(a types.WorkAssignment, cause error) types.AgentResult {
	msg := "cancelled"
	if cause != nil {
		msg = "cancelled: " + cause.Error()
	}
	return types.AgentResult{
		AgentID:      AgentID(a),
		ItemID:       a.Item.ID,
		AssignmentID: a.ID,
		Error:        msg,
		ErrorKind:    types.ErrorCancelled,
	}
}

// Execute drives the assignment to a terminal state and projects it. It never
// returns without attempting workspace cleanup.
func (e *Executor) Execute(ctx context.Context, a types.WorkAssignment) types.AgentResult {
	agentID := AgentID(a)
	var state State = Created{AgentID: agentID, WorkItem: a.Item}

	// retries get a fresh workspace named after the attempt
	path, err := e.vcs.CreateWorkspace(ctx, agentID)
	if err != nil {
		state = e.must(state, Start{})
		state = e.must(state, Fail{
			Error: fmt.Sprintf("create workspace %s: %v", agentID, err),
			Kind:  classify(ctx, err, types.ErrorWorkspace),
		})
		return e.finish(a, state)
	}
	defer e.cleanup(ctx, path, a)

	state = e.must(state, Start{WorkspacePath: path})
	state = e.run(ctx, state.(Running), a)
	return e.finish(a, state)
}

func (e *Executor) run(ctx context.Context, running Running, a types.WorkAssignment) State {
	scope := e.scope(a.Item)
	vars := scope.Strings()

	var outputs []string
	var artifacts []string
	for idx, cmd := range e.cfg.Commands {
		resolved := Command{Kind: cmd.Kind, Template: variables.Interpolate(cmd.Template, scope)}
		out, err := e.runWithRetry(ctx, resolved, vars, running.WorkspacePath)
		if err != nil {
			log.Warn("Agent command failed",
				"agent", running.AgentID,
				"itemID", a.Item.ID,
				"step", idx,
				"error", err)
			return e.must(running, Fail{
				Error:              fmt.Sprintf("command %d (%s): %v", idx, cmd.Kind, err),
				Kind:               classify(ctx, err, types.ErrorCommandFailed),
				DiagnosticLocation: out.LogLocation,
			})
		}
		if out.Stdout != "" {
			outputs = append(outputs, out.Stdout)
		}
		artifacts = append(artifacts, out.Commits...)
	}

	// A cancelled agent may already be abandoned and its item requeued, so its
	// changes must not reach the parent.
	if err := ctx.Err(); err != nil {
		log.Warn("Skipping merge of cancelled agent", "agent", running.AgentID, "itemID", a.Item.ID)
		return e.must(running, Fail{
			Error: fmt.Sprintf("merge %s skipped: %v", running.WorkspacePath, context.Cause(ctx)),
			Kind:  classify(ctx, err, types.ErrorCancelled),
		})
	}

	// Completed is terminal, so the merge is settled before the transition.
	if err := e.vcs.MergeToParent(ctx, running.WorkspacePath); err != nil {
		return e.must(running, Fail{
			Error: fmt.Sprintf("merge %s: %v", running.WorkspacePath, err),
			Kind:  classify(ctx, err, types.ErrorMergeConflict),
		})
	}

	return e.must(running, Complete{
		Output:    strings.Join(outputs, "\n"),
		Artifacts: artifacts,
	})
}

func (e *Executor) runWithRetry(ctx context.Context, cmd Command, vars map[string]string, path string) (CommandOutput, error) {
	var out CommandOutput
	var err error
	for attempt := 0; ; attempt++ {
		out, err = e.runner.Execute(ctx, cmd, vars, path)
		if err == nil || !errors.Is(err, ErrTransientExecution) || attempt >= e.cfg.TransientRetries {
			return out, err
		}
		log.Debug("Retrying transient command failure", "attempt", attempt+1, "error", err)
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(e.cfg.RetryDelay):
		}
	}
}

// scope layers env.* < job variables < item.*
func (e *Executor) scope(item types.WorkItem) variables.Scope {
	scope := variables.Scope{}
	for k, v := range e.cfg.Environment.Variables {
		scope["env."+k] = v
	}
	for k, v := range e.cfg.Variables.Resolve(e.cfg.Phase, item.ID) {
		scope[k] = v
	}
	for k, v := range variables.ItemScope(item) {
		scope[k] = v
	}
	return scope
}

func (e *Executor) cleanup(ctx context.Context, path string, a types.WorkAssignment) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.CleanupTimeout)
	defer cancel()
	if err := e.vcs.RemoveWorkspace(cleanupCtx, path); err != nil {
		log.Error("Failed to remove workspace",
			"workspace", path,
			"itemID", a.Item.ID,
			"error", err)
	}
}

func (e *Executor) finish(a types.WorkAssignment, state State) types.AgentResult {
	result, _ := StateToResult(state)
	result.AssignmentID = a.ID
	result.ItemID = a.Item.ID
	return result
}

// must applies a transition the executor knows to be legal.
func (e *Executor) must(state State, t Transition) State {
	next, err := e.machine.Apply(state, t)
	if err != nil {
		log.Error("Illegal agent transition", "error", err)
		return state
	}
	return next
}

func classify(ctx context.Context, err error, fallback types.ErrorKind) types.ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return types.ErrorTimeout
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return types.ErrorCancelled
	}
	return fallback
}
