package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/pynchy/pynchy/internal/herr"
)

// Coordinator manages the worktrees of one repository. The repo root is
// the only place main is mutated; each non-admin workspace with repo
// access gets worktrees/<slug>/<folder> on branch worktree/<folder>.
type Coordinator struct {
	RepoRoot      string
	WorktreesRoot string
	MainBranch    string
	Slug          string // repo identifier used in paths and notices

	log *slog.Logger
	git GitRunner
	gh  GhRunner
}

func NewCoordinator(repoRoot, worktreesRoot, slug string, log *slog.Logger) *Coordinator {
	return &Coordinator{
		RepoRoot:      repoRoot,
		WorktreesRoot: worktreesRoot,
		MainBranch:    "main",
		Slug:          slug,
		log:           log,
		git:           execGit,
		gh:            execGh,
	}
}

// WorktreePath returns worktrees/<slug>/<folder>.
func (c *Coordinator) WorktreePath(folder string) string {
	return filepath.Join(c.WorktreesRoot, c.Slug, folder)
}

func (c *Coordinator) branch(folder string) string {
	return "worktree/" + folder
}

// EnsureWorktree makes the workspace's worktree exist and track main.
// It is idempotent: an existing healthy worktree is synced in place, a
// broken one is recreated. Returned notices surface to the agent as
// system notices, never as errors.
func (c *Coordinator) EnsureWorktree(ctx context.Context, folder string) (string, []string, error) {
	path := c.WorktreePath(folder)

	if _, err := os.Stat(path); err == nil {
		if c.isGitDir(ctx, path) {
			notices, err := c.syncWorktree(ctx, folder, path)
			return path, notices, err
		}
		// Broken worktree: recreate from scratch.
		c.log.Warn("broken worktree, recreating", "folder", folder, "path", path)
		if err := os.RemoveAll(path); err != nil {
			return "", nil, fmt.Errorf("remove broken worktree: %w", err)
		}
	}

	if err := c.createWorktree(ctx, folder, path); err != nil {
		return "", nil, err
	}
	return path, nil, nil
}

func (c *Coordinator) createWorktree(ctx context.Context, folder, path string) error {
	if _, err := c.git(ctx, c.RepoRoot, "fetch", "origin"); err != nil {
		return herr.E(herr.GitConflict, err)
	}
	if _, err := c.git(ctx, c.RepoRoot, "worktree", "prune"); err != nil {
		return herr.E(herr.GitConflict, err)
	}
	// A stale branch from a pruned worktree blocks worktree add -b.
	c.git(ctx, c.RepoRoot, "branch", "-D", c.branch(folder))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	_, err := c.git(ctx, c.RepoRoot, "worktree", "add", "-b", c.branch(folder), path, "origin/"+c.MainBranch)
	if err != nil {
		return herr.E(herr.GitConflict, err)
	}
	c.log.Info("worktree created", "folder", folder, "path", path)
	return nil
}

// syncWorktree pulls main into a healthy worktree. A merge conflict is
// reported as a notice, not an error: the agent sees the markers and
// resolves them in its own workspace.
func (c *Coordinator) syncWorktree(ctx context.Context, folder, path string) ([]string, error) {
	var notices []string

	dirty, err := c.isDirty(ctx, path)
	if err != nil {
		return nil, err
	}
	if dirty {
		notices = append(notices, fmt.Sprintf("[git-sync] %s: uncommitted changes preserved", folder))
	}

	if _, err := c.git(ctx, path, "fetch", "origin"); err != nil {
		notices = append(notices, fmt.Sprintf("[git-sync] %s: fetch failed: %v", folder, err))
		return notices, nil
	}
	before, err := c.headSHA(ctx, path)
	if err != nil {
		return notices, err
	}
	if _, err := c.git(ctx, path, "merge", "--no-edit", "origin/"+c.MainBranch); err != nil {
		notices = append(notices, fmt.Sprintf("[git-sync] %s: merge conflict with origin/%s, markers left in the worktree", folder, c.MainBranch))
		return notices, nil
	}
	after, err := c.headSHA(ctx, path)
	if err != nil {
		return notices, err
	}
	if before != after {
		notices = append(notices, fmt.Sprintf("[git-sync] %s: auto-pulled latest %s", folder, c.MainBranch))
	}
	return notices, nil
}

// ReconcileAtStartup ensures every repo-access worktree and re-aligns
// the ones that diverged while the host was down. A diverged branch is
// rebased from inside its worktree; conflicts abort and stay for manual
// resolution.
func (c *Coordinator) ReconcileAtStartup(ctx context.Context, folders []string) {
	for _, folder := range folders {
		if _, _, err := c.EnsureWorktree(ctx, folder); err != nil {
			c.log.Error("worktree reconcile failed", "folder", folder, "error", err)
			continue
		}
		path := c.WorktreePath(folder)
		ahead, behind, err := c.aheadBehind(ctx, path, c.MainBranch, c.branch(folder))
		if err != nil {
			c.log.Warn("divergence check failed", "folder", folder, "error", err)
			continue
		}
		if ahead == 0 || behind == 0 {
			continue
		}
		if _, err := c.git(ctx, path, "rebase", c.MainBranch); err != nil {
			c.git(ctx, path, "rebase", "--abort")
			c.log.Warn("diverged worktree left for manual resolution", "folder", folder, "ahead", ahead, "behind", behind)
		}
	}
}

// MergeToMain lands the workspace branch: rebase main onto origin,
// rebase the branch onto main, fast-forward merge, push.
func (c *Coordinator) MergeToMain(ctx context.Context, folder string) error {
	path := c.WorktreePath(folder)
	if !c.isGitDir(ctx, path) {
		return herr.New(herr.NotFound, "no worktree for %q", folder)
	}
	dirty, err := c.isDirty(ctx, path)
	if err != nil {
		return err
	}
	if dirty {
		return herr.New(herr.GitConflict, "worktree %q has uncommitted changes; commit or stash before syncing", folder)
	}
	ahead, _, err := c.aheadBehind(ctx, path, c.MainBranch, c.branch(folder))
	if err != nil {
		return err
	}
	if ahead == 0 {
		return herr.New(herr.Validation, "worktree %q has no commits to merge", folder)
	}

	if _, err := c.git(ctx, c.RepoRoot, "fetch", "origin"); err != nil {
		return herr.E(herr.GitConflict, err)
	}
	if _, err := c.git(ctx, c.RepoRoot, "rebase", "origin/"+c.MainBranch); err != nil {
		c.git(ctx, c.RepoRoot, "rebase", "--abort")
		return herr.New(herr.GitConflict, "host %s diverged from origin and rebase failed", c.MainBranch)
	}
	// Rebase the branch inside the worktree: git refuses to check out a
	// branch already checked out elsewhere.
	if _, err := c.git(ctx, path, "rebase", c.MainBranch); err != nil {
		return herr.New(herr.GitConflict, "rebase left conflicts in %q; fix them and call sync again", folder)
	}
	if _, err := c.git(ctx, c.RepoRoot, "merge", "--ff-only", c.branch(folder)); err != nil {
		return herr.E(herr.GitConflict, err)
	}
	return c.pushWithRetry(ctx)
}

// pushWithRetry absorbs one concurrent push by re-fetching and rebasing
// before the second attempt.
func (c *Coordinator) pushWithRetry(ctx context.Context) error {
	if _, err := c.git(ctx, c.RepoRoot, "push", "origin", c.MainBranch); err == nil {
		return nil
	}
	if _, err := c.git(ctx, c.RepoRoot, "fetch", "origin"); err != nil {
		return herr.E(herr.GitConflict, err)
	}
	if _, err := c.git(ctx, c.RepoRoot, "rebase", "origin/"+c.MainBranch); err != nil {
		c.git(ctx, c.RepoRoot, "rebase", "--abort")
		return herr.New(herr.GitConflict, "push lost a race and rebase failed")
	}
	if _, err := c.git(ctx, c.RepoRoot, "push", "origin", c.MainBranch); err != nil {
		return herr.E(herr.GitConflict, err)
	}
	return nil
}
