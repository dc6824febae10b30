package gitsync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// Poller watches origin for drift on one repository and keeps the repo
// root plus every worktree rebased onto the latest main. For the host's
// own repo it also triggers self-deploys when deployable paths change.
type Poller struct {
	Coord    *Coordinator
	Interval time.Duration

	// SelfRepo marks the host's own repository: container/ and src/
	// changes trigger a deploy instead of a plain rebase.
	SelfRepo bool

	// OnSelfDeploy performs the deploy (rebuild when rebuild is true,
	// restart either way). Returning an error leaves the loop running.
	OnSelfDeploy func(ctx context.Context, oldSHA, newSHA string, rebuild bool) error

	// Notify sends a [git-sync] system notice to a workspace whose
	// worktree could not be auto-rebased.
	Notify func(ctx context.Context, folder, text string)

	// WorktreeFolders lists the folders with a worktree on this repo.
	WorktreeFolders func() []string

	lastSHA  string
	warnings *rate.Limiter
}

func NewPoller(coord *Coordinator) *Poller {
	return &Poller{
		Coord:    coord,
		Interval: 5 * time.Second,
		// Repeated ls-remote failures (network flaps, token expiry)
		// would otherwise log every 5 seconds.
		warnings: rate.NewLimiter(rate.Every(5*time.Minute), 1),
	}
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	c := p.Coord
	out, err := c.git(ctx, c.RepoRoot, "ls-remote", "origin", c.MainBranch)
	if err != nil {
		if p.warnings.Allow() {
			c.log.Warn("origin poll failed", "repo", c.Slug, "error", err)
		}
		return
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return
	}
	remoteSHA := fields[0]
	if remoteSHA == p.lastSHA {
		return
	}

	oldSHA, err := c.headSHA(ctx, c.RepoRoot)
	if err != nil {
		c.log.Error("head lookup failed", "repo", c.Slug, "error", err)
		return
	}
	if remoteSHA == oldSHA {
		p.lastSHA = remoteSHA
		return
	}

	if !p.rebaseOntoOrigin(ctx) {
		return
	}
	p.lastSHA = remoteSHA
	newSHA, err := c.headSHA(ctx, c.RepoRoot)
	if err != nil {
		return
	}
	c.log.Info("origin update applied", "repo", c.Slug, "old", shortSHA(oldSHA), "new", shortSHA(newSHA))

	if p.SelfRepo && p.OnSelfDeploy != nil {
		rebuild, restart := p.deployClass(ctx, oldSHA, newSHA)
		if restart {
			if err := p.OnSelfDeploy(ctx, oldSHA, newSHA, rebuild); err != nil {
				c.log.Error("self-deploy failed", "error", err)
			}
			return
		}
	}
	p.notifyWorktrees(ctx)
}

// rebaseOntoOrigin recovers from interrupted state, stashes dirt,
// rebases, pushes local commits, and restores the stash.
func (p *Poller) rebaseOntoOrigin(ctx context.Context) bool {
	c := p.Coord
	gitDir := filepath.Join(c.RepoRoot, ".git")
	for _, marker := range []string{"rebase-merge", "rebase-apply"} {
		if _, err := os.Stat(filepath.Join(gitDir, marker)); err == nil {
			c.git(ctx, c.RepoRoot, "rebase", "--abort")
			break
		}
	}

	stashed := false
	if dirty, err := c.isDirty(ctx, c.RepoRoot); err == nil && dirty {
		if _, err := c.git(ctx, c.RepoRoot, "stash", "--include-untracked"); err == nil {
			stashed = true
		}
	}

	if _, err := c.git(ctx, c.RepoRoot, "fetch", "origin"); err != nil {
		return false
	}
	if _, err := c.git(ctx, c.RepoRoot, "rebase", "origin/"+c.MainBranch); err != nil {
		c.git(ctx, c.RepoRoot, "rebase", "--abort")
		c.log.Warn("origin rebase failed, keeping local state", "repo", c.Slug)
		if stashed {
			c.git(ctx, c.RepoRoot, "stash", "pop")
		}
		return false
	}

	if ahead, _, err := c.aheadBehind(ctx, c.RepoRoot, "origin/"+c.MainBranch, c.MainBranch); err == nil && ahead > 0 {
		if _, err := c.git(ctx, c.RepoRoot, "push", "origin", c.MainBranch); err != nil {
			c.log.Warn("push of local commits failed", "repo", c.Slug, "error", err)
		}
	}

	if stashed {
		if _, err := c.git(ctx, c.RepoRoot, "stash", "pop"); err != nil {
			// The stash survives in the reflog; commit a marker so the
			// conflict is visible rather than silently parked.
			c.git(ctx, c.RepoRoot, "commit", "-am", "stash-pop conflict: local changes preserved in stash reflog")
			c.log.Warn("stash pop conflicted", "repo", c.Slug)
		}
	}
	return true
}

// deployClass inspects the changed paths: container/ needs an image
// rebuild, src/ only a restart.
func (p *Poller) deployClass(ctx context.Context, oldSHA, newSHA string) (rebuild, restart bool) {
	out, err := p.Coord.git(ctx, p.Coord.RepoRoot, "diff", "--name-only", oldSHA, newSHA)
	if err != nil {
		return false, false
	}
	return ClassifyDeploy(strings.Split(out, "\n"))
}

// ClassifyDeploy decides the deploy action from a changed-path list.
func ClassifyDeploy(paths []string) (rebuild, restart bool) {
	for _, path := range paths {
		switch {
		case strings.HasPrefix(path, "container/"):
			rebuild = true
			restart = true
		case strings.HasPrefix(path, "src/"):
			restart = true
		}
	}
	return rebuild, restart
}

// notifyWorktrees rebases every worktree onto the fresh main; the ones
// that cannot be fast-rebased get a system notice instead.
func (p *Poller) notifyWorktrees(ctx context.Context) {
	if p.WorktreeFolders == nil {
		return
	}
	c := p.Coord
	for _, folder := range p.WorktreeFolders() {
		path := c.WorktreePath(folder)
		if !c.isGitDir(ctx, path) {
			continue
		}
		dirty, err := c.isDirty(ctx, path)
		if err != nil {
			continue
		}
		if !dirty {
			if _, err := c.git(ctx, path, "rebase", c.MainBranch); err == nil {
				continue
			}
			c.git(ctx, path, "rebase", "--abort")
		}
		if p.Notify != nil {
			p.Notify(ctx, folder, "[git-sync] "+c.MainBranch+" moved upstream; your worktree has local changes, rebase when convenient")
		}
	}
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
