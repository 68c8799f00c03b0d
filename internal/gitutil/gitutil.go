// Package gitutil wraps the git operations the commit applier needs.
package gitutil

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/itsgrimetime/melee-decomp-sub001/internal/proc"
)

// Git runs git commands in a fixed repository directory.
type Git struct {
	runner proc.Runner
	dir    string
}

// New returns a Git bound to the given repository or worktree root.
func New(runner proc.Runner, dir string) *Git {
	return &Git{runner: runner, dir: dir}
}

// ResolveWorktree finds the worktree root containing path by walking up to
// the first directory with a .git entry. Linked worktrees have a .git file
// rather than a directory, so both count.
func ResolveWorktree(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for ; ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}
		if dir == filepath.Dir(dir) {
			return "", fmt.Errorf("no git worktree found above %s", path)
		}
	}
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	res, err := g.runner.Run(ctx, g.dir, "git", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read current branch: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// Commit stages the given paths and commits them, returning the new commit
// hash.
func (g *Git) Commit(ctx context.Context, message string, paths ...string) (string, error) {
	args := append([]string{"add", "--"}, paths...)
	if _, err := g.runner.Run(ctx, g.dir, "git", args...); err != nil {
		return "", fmt.Errorf("failed to stage %v: %w", paths, err)
	}
	if _, err := g.runner.Run(ctx, g.dir, "git", "commit", "-m", message); err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	res, err := g.runner.Run(ctx, g.dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("failed to read commit hash: %w", err)
	}
	return strings.TrimSpace(res.Stdout), nil
}

// CheckoutFiles discards working-tree changes to the given paths, restoring
// them to HEAD. Used to revert a failed verification.
func (g *Git) CheckoutFiles(ctx context.Context, paths ...string) error {
	args := append([]string{"checkout", "HEAD", "--"}, paths...)
	if _, err := g.runner.Run(ctx, g.dir, "git", args...); err != nil {
		return fmt.Errorf("failed to revert %v: %w", paths, err)
	}
	return nil
}

// IsDirty reports whether the worktree has uncommitted changes to the given
// paths (or anywhere, with no paths).
func (g *Git) IsDirty(ctx context.Context, paths ...string) (bool, error) {
	args := []string{"status", "--porcelain"}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	res, err := g.runner.Run(ctx, g.dir, "git", args...)
	if err != nil {
		return false, fmt.Errorf("failed to read git status: %w", err)
	}
	return strings.TrimSpace(res.Stdout) != "", nil
}
