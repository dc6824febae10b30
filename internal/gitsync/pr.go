package gitsync

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pynchy/pynchy/internal/herr"
)

// GhRunner executes one gh CLI invocation in dir. Injected for tests.
type GhRunner func(ctx context.Context, dir string, args ...string) (string, error)

func execGh(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		return text, fmt.Errorf("gh %s: %w: %s", strings.Join(args, " "), err, text)
	}
	return text, nil
}

// PullRequest pushes the workspace branch and returns the PR URL,
// reusing an open PR when one exists (git_policy = pull-request).
func (c *Coordinator) PullRequest(ctx context.Context, folder string) (string, error) {
	path := c.WorktreePath(folder)
	if !c.isGitDir(ctx, path) {
		return "", herr.New(herr.NotFound, "no worktree for %q", folder)
	}
	branch := c.branch(folder)

	if _, err := c.git(ctx, path, "push", "--force-with-lease", "origin", branch); err != nil {
		return "", herr.E(herr.GitConflict, err)
	}

	if url, err := c.gh(ctx, path, "pr", "view", branch, "--json", "url", "--jq", ".url"); err == nil && url != "" {
		return url, nil
	}

	body, err := c.git(ctx, path, "log", "--oneline", c.MainBranch+".."+branch)
	if err != nil {
		body = ""
	}
	url, err := c.gh(ctx, path, "pr", "create",
		"--head", branch,
		"--base", c.MainBranch,
		"--title", fmt.Sprintf("Workspace %s changes", folder),
		"--body", body)
	if err != nil {
		return "", fmt.Errorf("create pr: %w", err)
	}
	return url, nil
}
