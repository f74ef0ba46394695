// Package command runs agent commands as subprocesses.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ChuLiYu/beaver-mr/internal/agent"
)

var log = slog.Default()

// ExitTempFail (EX_TEMPFAIL) marks a failure the command expects to go away
// on retry.
const ExitTempFail = 75

// EnvPrefix is prepended to variable names exported to commands.
const EnvPrefix = "BEAVER_"

// CommitLister reports the commits a workspace has on top of its parent.
type CommitLister interface {
	Commits(ctx context.Context, path string) ([]string, error)
}

// Runner executes shell commands with sh -c and agent commands with the
// configured agent binary, the resolved template being its last argument.
type Runner struct {
	// Shell defaults to /bin/sh
	Shell string
	// Agent is the agent command line, e.g. ["claude", "-p"]
	Agent []string
	// LogDir receives one log file per workspace; empty disables logs
	LogDir string
	// Commits is consulted before and after each command when set
	Commits CommitLister
	// WaitDelay bounds how long output pipes are drained after cancellation
	WaitDelay time.Duration
}

var _ agent.CommandRunner = (*Runner)(nil)

// Execute runs cmd in workspacePath. Every variable is exported as
// BEAVER_<NAME> with dots and dashes turned into underscores.
//
// Errors:
//   - wraps agent.ErrTransientExecution for exit status 75 or a signal
//   - wraps agent.ErrPermanentExecution for other exit statuses or a
//     missing binary
//   - returns ctx.Err() when the context ended the command
func (r *Runner) Execute(ctx context.Context, cmd agent.Command, vars map[string]string, workspacePath string) (agent.CommandOutput, error) {
	var out agent.CommandOutput

	name, args, err := r.argv(cmd)
	if err != nil {
		return out, err
	}

	logFile, location, err := r.openLog(workspacePath)
	if err != nil {
		return out, err
	}
	if logFile != nil {
		defer logFile.Close()
		fmt.Fprintf(logFile, "==> %s %s\n", cmd.Kind, cmd.Template)
	}
	out.LogLocation = location

	before := r.commits(ctx, workspacePath)

	proc := exec.CommandContext(ctx, name, args...)
	proc.Dir = workspacePath
	proc.Env = append(os.Environ(), Environ(vars)...)
	proc.WaitDelay = r.WaitDelay
	if proc.WaitDelay <= 0 {
		proc.WaitDelay = 5 * time.Second
	}

	var stdout, stderr bytes.Buffer
	proc.Stdout = &stdout
	proc.Stderr = &stderr
	if logFile != nil {
		proc.Stdout = io.MultiWriter(&stdout, logFile)
		proc.Stderr = io.MultiWriter(&stderr, logFile)
	}

	start := time.Now()
	runErr := proc.Run()
	out.Stdout = strings.TrimRight(stdout.String(), "\n")
	log.Debug("Command finished",
		"kind", cmd.Kind,
		"workspace", workspacePath,
		"duration", time.Since(start),
		"error", runErr)

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, classify(runErr, stderr.String())
	}

	if after := r.commits(ctx, workspacePath); len(after) > len(before) {
		out.Commits = after[len(before):]
	}
	return out, nil
}

// Environ converts variables to sorted KEY=value pairs.
func Environ(vars map[string]string) []string {
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, EnvName(k)+"="+v)
	}
	sort.Strings(env)
	return env
}

// EnvName maps item.id to BEAVER_ITEM_ID.
func EnvName(key string) string {
	upper := strings.ToUpper(key)
	return EnvPrefix + strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			return r
		}
		return '_'
	}, upper)
}

func (r *Runner) argv(cmd agent.Command) (string, []string, error) {
	switch cmd.Kind {
	case agent.CommandShell:
		shell := r.Shell
		if shell == "" {
			shell = "/bin/sh"
		}
		return shell, []string{"-c", cmd.Template}, nil
	case agent.CommandAgent:
		if len(r.Agent) == 0 {
			return "", nil, fmt.Errorf("%w: no agent command configured", agent.ErrPermanentExecution)
		}
		args := append(append([]string(nil), r.Agent[1:]...), cmd.Template)
		return r.Agent[0], args, nil
	}
	return "", nil, fmt.Errorf("%w: unknown command kind %q", agent.ErrPermanentExecution, cmd.Kind)
}

func (r *Runner) openLog(workspacePath string) (*os.File, string, error) {
	if r.LogDir == "" {
		return nil, "", nil
	}
	if err := os.MkdirAll(r.LogDir, 0755); err != nil {
		return nil, "", fmt.Errorf("create log dir: %w", err)
	}
	location := filepath.Join(r.LogDir, filepath.Base(workspacePath)+".log")
	f, err := os.OpenFile(location, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, "", fmt.Errorf("open command log: %w", err)
	}
	return f, location, nil
}

func (r *Runner) commits(ctx context.Context, path string) []string {
	if r.Commits == nil {
		return nil
	}
	commits, err := r.Commits.Commits(ctx, path)
	if err != nil {
		log.Warn("Failed to list workspace commits", "workspace", path, "error", err)
		return nil
	}
	return commits
}

func classify(err error, stderr string) error {
	detail := strings.TrimSpace(stderr)
	if len(detail) > 512 {
		detail = detail[len(detail)-512:]
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		// -1 means the process was killed by a signal
		if code == ExitTempFail || code == -1 {
			return fmt.Errorf("%w: %v: %s", agent.ErrTransientExecution, err, detail)
		}
		return fmt.Errorf("%w: %v: %s", agent.ErrPermanentExecution, err, detail)
	}
	return fmt.Errorf("%w: %v", agent.ErrPermanentExecution, err)
}
