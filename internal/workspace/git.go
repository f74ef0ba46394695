// Package workspace provides the isolated workspaces agents run in.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/ChuLiYu/beaver-mr/internal/agent"
)

var log = slog.Default()

var (
	// ErrMergeConflict is returned when a workspace branch cannot be merged
	// into the parent branch. The parent is left as it was before the merge.
	ErrMergeConflict = errors.New("merge conflict")
)

const (
	// DefaultWorktreeDir is created inside the repository when no root is given.
	DefaultWorktreeDir = ".beaver-worktrees"
	branchPrefix       = "beaver/"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

func sanitize(s string) string {
	return unsafeChars.ReplaceAllString(s, "_")
}

// Git gives every agent its own worktree on a fresh branch and merges
// finished branches back into the branch checked out in the repository.
type Git struct {
	repo string
	root string

	// merges into the parent branch are serialized
	mergeMu sync.Mutex
}

var _ agent.VersionControl = (*Git)(nil)

// NewGit manages worktrees of repo under root. An empty root uses
// repo/.beaver-worktrees.
func NewGit(repo, root string) *Git {
	if root == "" {
		root = filepath.Join(repo, DefaultWorktreeDir)
	}
	return &Git{repo: repo, root: root}
}

// CreateWorkspace adds a worktree named after the agent on branch beaver/<name>.
// Leftovers of an earlier run with the same name are removed first.
func (g *Git) CreateWorkspace(ctx context.Context, name string) (string, error) {
	if err := os.MkdirAll(g.root, 0755); err != nil {
		return "", fmt.Errorf("create worktree root: %w", err)
	}
	path := filepath.Join(g.root, sanitize(name))
	branch := branchPrefix + sanitize(name)

	if _, err := os.Stat(path); err == nil {
		log.Warn("Removing stale worktree", "path", path)
		g.removeWorktree(ctx, path)
	}
	// a crashed run may have left the branch behind
	g.git(ctx, "branch", "-D", branch)

	if _, err := g.git(ctx, "worktree", "add", "-b", branch, path, "HEAD"); err != nil {
		return "", fmt.Errorf("worktree add %s: %w", name, err)
	}
	log.Debug("Worktree created", "path", path, "branch", branch)
	return path, nil
}

// MergeToParent commits pending changes in the worktree and merges its branch
// with --no-ff. A conflicting merge is aborted and reported as ErrMergeConflict.
func (g *Git) MergeToParent(ctx context.Context, path string) error {
	branch, err := g.branchOf(ctx, path)
	if err != nil {
		return err
	}
	if _, err := g.commitIfDirty(ctx, path, "beaver: agent changes"); err != nil {
		return err
	}

	g.mergeMu.Lock()
	defer g.mergeMu.Unlock()

	ahead, err := g.git(ctx, "rev-list", "--count", "HEAD.."+branch)
	if err != nil {
		return err
	}
	if strings.TrimSpace(ahead) == "0" {
		return nil
	}
	if _, err := g.git(ctx, "merge", "--no-ff", "-m", "Merge "+branch, branch); err != nil {
		if _, abortErr := g.git(context.WithoutCancel(ctx), "merge", "--abort"); abortErr != nil {
			log.Error("Failed to abort merge", "branch", branch, "error", abortErr)
		}
		return fmt.Errorf("%w: %s: %v", ErrMergeConflict, branch, err)
	}
	return nil
}

// RemoveWorkspace removes the worktree and its branch. Missing worktrees are
// not an error.
func (g *Git) RemoveWorkspace(ctx context.Context, path string) error {
	branch, branchErr := g.branchOf(ctx, path)
	if err := g.removeWorktree(ctx, path); err != nil {
		return err
	}
	if branchErr == nil {
		g.git(ctx, "branch", "-D", branch)
	}
	return nil
}

// Commits lists commits on the worktree branch that the parent does not have,
// oldest first.
func (g *Git) Commits(ctx context.Context, path string) ([]string, error) {
	out, err := g.git(ctx, "-C", path, "rev-list", "--reverse", "HEAD", "--not", g.parentRef(ctx))
	if err != nil {
		return nil, err
	}
	return strings.Fields(out), nil
}

func (g *Git) parentRef(ctx context.Context) string {
	out, err := g.git(ctx, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		return "HEAD"
	}
	return strings.TrimSpace(out)
}

func (g *Git) removeWorktree(ctx context.Context, path string) error {
	if _, err := g.git(ctx, "worktree", "remove", "--force", path); err != nil {
		if removeErr := os.RemoveAll(path); removeErr != nil {
			g.git(ctx, "worktree", "prune")
			return fmt.Errorf("worktree remove failed (%w) and manual cleanup also failed: %v", err, removeErr)
		}
	}
	g.git(ctx, "worktree", "prune")
	return nil
}

func (g *Git) branchOf(ctx context.Context, path string) (string, error) {
	out, err := g.git(ctx, "-C", path, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", fmt.Errorf("branch of %s: %w", path, err)
	}
	return strings.TrimSpace(out), nil
}

// commitIfDirty stages and commits everything in the worktree.
func (g *Git) commitIfDirty(ctx context.Context, path, message string) (bool, error) {
	status, err := g.git(ctx, "-C", path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := g.git(ctx, "-C", path, "add", "-A"); err != nil {
		return false, err
	}
	args := []string{
		"-C", path,
		"-c", "user.name=beaver-mr",
		"-c", "user.email=beaver-mr@local",
		"commit", "-m", message,
	}
	if _, err := g.git(ctx, args...); err != nil {
		return false, err
	}
	return true, nil
}

// git runs a git command in the repository and returns combined output.
func (g *Git) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repo
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %s: %w", strings.Join(args, " "), strings.TrimSpace(string(out)), err)
	}
	return string(out), nil
}
