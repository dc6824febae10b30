// Package gitsync coordinates the shared git object store: per-workspace
// worktrees, merge-to-main and pull-request policies, the origin drift
// poll loop, and the self-deploy continuation used across host restarts.
package gitsync

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// GitRunner executes one git invocation in dir and returns trimmed
// stdout. Injected so tests can script repository state.
type GitRunner func(ctx context.Context, dir string, args ...string) (string, error)

func execGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, text)
	}
	return text, nil
}

// isGitDir reports whether dir is inside a work tree with a resolvable
// git dir.
func (c *Coordinator) isGitDir(ctx context.Context, dir string) bool {
	_, err := c.git(ctx, dir, "rev-parse", "--git-dir")
	return err == nil
}

func (c *Coordinator) headSHA(ctx context.Context, dir string) (string, error) {
	return c.git(ctx, dir, "rev-parse", "HEAD")
}

// HeadSHA returns the repo root's current HEAD.
func (c *Coordinator) HeadSHA(ctx context.Context) (string, error) {
	return c.headSHA(ctx, c.RepoRoot)
}

// CommitSubject returns the one-line subject of a commit, used in deploy
// notifications.
func (c *Coordinator) CommitSubject(ctx context.Context, sha string) (string, error) {
	return c.git(ctx, c.RepoRoot, "log", "-1", "--format=%s", sha)
}

func (c *Coordinator) isDirty(ctx context.Context, dir string) (bool, error) {
	out, err := c.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// aheadBehind returns how far branch has diverged from base.
func (c *Coordinator) aheadBehind(ctx context.Context, dir, base, branch string) (ahead, behind int, err error) {
	out, err := c.git(ctx, dir, "rev-list", "--left-right", "--count", base+"..."+branch)
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(out)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output %q", out)
	}
	behind, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	ahead, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}
