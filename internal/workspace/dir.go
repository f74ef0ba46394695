package workspace

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ChuLiYu/beaver-mr/internal/agent"
)

// Dir hands out plain directories under root. When Target is set, a finished
// workspace is copied over it on merge; otherwise merging is a no-op.
type Dir struct {
	root string
	// Target receives the files of merged workspaces
	Target string
}

var _ agent.VersionControl = (*Dir)(nil)

// NewDir creates workspaces under root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// CreateWorkspace creates an empty directory for the agent, replacing any
// leftover with the same name.
func (d *Dir) CreateWorkspace(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(d.root, sanitize(name))
	if err := os.RemoveAll(path); err != nil {
		return "", fmt.Errorf("clear workspace %s: %w", path, err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("create workspace %s: %w", path, err)
	}
	return path, nil
}

// MergeToParent copies the workspace into Target.
func (d *Dir) MergeToParent(ctx context.Context, path string) error {
	if d.Target == "" {
		return nil
	}
	return filepath.WalkDir(path, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(path, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(d.Target, rel)
		if entry.IsDir() {
			return os.MkdirAll(dst, 0755)
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		return copyFile(p, dst)
	})
}

// RemoveWorkspace deletes the directory.
func (d *Dir) RemoveWorkspace(ctx context.Context, path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove workspace %s: %w", path, err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
