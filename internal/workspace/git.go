package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ship-commander/fleet/internal/tracing"
)

// CleanState is the outcome of a worktree validity check.
type CleanState struct {
	Clean  bool
	Reason string
}

// VCS is the version-control collaborator behind Manager.
type VCS interface {
	AddWorktree(ctx context.Context, path, branch, baseRef string) error
	RemoveWorktree(ctx context.Context, path string) error
	CheckClean(ctx context.Context, path string) (CleanState, error)
	Prune(ctx context.Context) error
	DeleteBranch(ctx context.Context, branch string) error
}

type shellRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, []byte, error)
}

// GitVCS shells out to git through the traced tool runner.
type GitVCS struct {
	repoRoot string
	runner   shellRunner
}

// NewGitVCS returns a git collaborator rooted at repoRoot.
func NewGitVCS(repoRoot string) (*GitVCS, error) {
	root := strings.TrimSpace(repoRoot)
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve current directory: %w", err)
		}
		root = cwd
	}
	return &GitVCS{repoRoot: root, runner: tracing.Runner{}}, nil
}

func newGitVCSForTest(repoRoot string, runner shellRunner) *GitVCS {
	return &GitVCS{repoRoot: repoRoot, runner: runner}
}

// AddWorktree checks out branch at path from baseRef. An existing branch is reset to baseRef.
func (g *GitVCS) AddWorktree(ctx context.Context, path, branch, baseRef string) error {
	return g.git(ctx, g.repoRoot, "worktree", "add", "-B", branch, path, baseRef)
}

// RemoveWorktree unregisters and deletes the worktree at path.
func (g *GitVCS) RemoveWorktree(ctx context.Context, path string) error {
	return g.git(ctx, g.repoRoot, "worktree", "remove", "--force", path)
}

// Prune drops registrations for worktrees whose directories are gone.
func (g *GitVCS) Prune(ctx context.Context) error {
	return g.git(ctx, g.repoRoot, "worktree", "prune")
}

// DeleteBranch force-deletes a local branch.
func (g *GitVCS) DeleteBranch(ctx context.Context, branch string) error {
	return g.git(ctx, g.repoRoot, "branch", "-D", branch)
}

// CheckClean reports whether path is a worktree with no uncommitted changes and no merge or rebase in progress.
func (g *GitVCS) CheckClean(ctx context.Context, path string) (CleanState, error) {
	stdout, _, err := g.runner.Run(ctx, path, "git", "rev-parse", "--git-dir")
	if err != nil {
		if ctx.Err() != nil {
			return CleanState{}, ctx.Err()
		}
		return CleanState{Reason: "not a git worktree"}, nil
	}

	gitDir := strings.TrimSpace(string(stdout))
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(path, gitDir)
	}
	for _, marker := range []string{"MERGE_HEAD", "rebase-merge", "rebase-apply"} {
		if _, statErr := os.Stat(filepath.Join(gitDir, marker)); statErr == nil {
			return CleanState{Reason: marker + " present"}, nil
		} else if !errors.Is(statErr, os.ErrNotExist) {
			return CleanState{}, fmt.Errorf("stat %s: %w", marker, statErr)
		}
	}

	stdout, stderr, err := g.runner.Run(ctx, path, "git", "status", "--porcelain")
	if err != nil {
		return CleanState{}, fmt.Errorf("git status in %s: %w (stderr: %s)", path, err, strings.TrimSpace(string(stderr)))
	}
	if status := strings.TrimSpace(string(stdout)); status != "" {
		return CleanState{Reason: "uncommitted changes: " + firstLine(status)}, nil
	}
	return CleanState{Clean: true}, nil
}

func (g *GitVCS) git(ctx context.Context, dir string, args ...string) error {
	if g == nil || g.runner == nil {
		return errors.New("git runner is nil")
	}
	if _, stderr, err := g.runner.Run(ctx, dir, "git", args...); err != nil {
		return fmt.Errorf("git %s: %w (stderr: %s)", strings.Join(args, " "), err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func firstLine(text string) string {
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		return text[:idx]
	}
	return text
}

var _ VCS = (*GitVCS)(nil)
