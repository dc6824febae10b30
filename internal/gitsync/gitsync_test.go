package gitsync

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pynchy/pynchy/internal/herr"
	"github.com/pynchy/pynchy/pkg/protocol"
)

// scriptedGit replies from an args-prefix table and records every call.
type scriptedGit struct {
	calls   []string
	replies map[string]string
	fails   map[string]string
}

func (s *scriptedGit) run(ctx context.Context, dir string, args ...string) (string, error) {
	key := strings.Join(args, " ")
	s.calls = append(s.calls, key)
	for prefix, msg := range s.fails {
		if strings.HasPrefix(key, prefix) {
			return "", errors.New(msg)
		}
	}
	for prefix, out := range s.replies {
		if strings.HasPrefix(key, prefix) {
			return out, nil
		}
	}
	return "", nil
}

func (s *scriptedGit) called(prefix string) bool {
	for _, c := range s.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func testCoord(t *testing.T, git *scriptedGit) *Coordinator {
	t.Helper()
	dir := t.TempDir()
	c := NewCoordinator(filepath.Join(dir, "repo"), filepath.Join(dir, "worktrees"), "pynchy", slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.git = git.run
	return c
}

func TestEnsureWorktree_Create(t *testing.T) {
	git := &scriptedGit{}
	c := testCoord(t, git)

	path, notices, err := c.EnsureWorktree(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if path != c.WorktreePath("acme") {
		t.Errorf("path = %q", path)
	}
	if len(notices) != 0 {
		t.Errorf("notices = %v", notices)
	}
	if !git.called("worktree add -b worktree/acme") {
		t.Errorf("calls = %v", git.calls)
	}
	if !git.called("worktree prune") {
		t.Error("prune skipped on create")
	}
}

func TestEnsureWorktree_SyncHealthy(t *testing.T) {
	git := &scriptedGit{replies: map[string]string{
		"rev-parse --git-dir": ".git",
		"rev-parse HEAD":      "abc123",
	}}
	c := testCoord(t, git)
	if err := os.MkdirAll(c.WorktreePath("acme"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, notices, err := c.EnsureWorktree(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	// Clean merge with unchanged head produces no notices.
	if len(notices) != 0 {
		t.Errorf("notices = %v", notices)
	}
	if git.called("worktree add") {
		t.Error("healthy worktree recreated")
	}
	if !git.called("merge --no-edit origin/main") {
		t.Errorf("calls = %v", git.calls)
	}
}

func TestEnsureWorktree_DirtyAndConflictNotices(t *testing.T) {
	git := &scriptedGit{
		replies: map[string]string{
			"rev-parse --git-dir": ".git",
			"status --porcelain":  " M file.go",
		},
		fails: map[string]string{"merge --no-edit": "CONFLICT"},
	}
	c := testCoord(t, git)
	if err := os.MkdirAll(c.WorktreePath("acme"), 0o755); err != nil {
		t.Fatal(err)
	}

	_, notices, err := c.EnsureWorktree(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(notices) != 2 {
		t.Fatalf("notices = %v", notices)
	}
	if !strings.Contains(notices[0], "uncommitted changes preserved") {
		t.Errorf("notices[0] = %q", notices[0])
	}
	if !strings.Contains(notices[1], "merge conflict") {
		t.Errorf("notices[1] = %q", notices[1])
	}
}

func TestEnsureWorktree_BrokenRecreated(t *testing.T) {
	git := &scriptedGit{fails: map[string]string{"rev-parse --git-dir": "not a git repository"}}
	c := testCoord(t, git)
	path := c.WorktreePath("acme")
	if err := os.MkdirAll(filepath.Join(path, "junk"), 0o755); err != nil {
		t.Fatal(err)
	}

	if _, _, err := c.EnsureWorktree(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(path, "junk")); !os.IsNotExist(err) {
		t.Error("broken worktree contents survived")
	}
	if !git.called("worktree add -b worktree/acme") {
		t.Errorf("calls = %v", git.calls)
	}
}

func TestMergeToMain_Validation(t *testing.T) {
	t.Run("dirty worktree", func(t *testing.T) {
		git := &scriptedGit{replies: map[string]string{
			"rev-parse --git-dir": ".git",
			"status --porcelain":  " M file.go",
		}}
		c := testCoord(t, git)
		err := c.MergeToMain(context.Background(), "acme")
		if !herr.Is(err, herr.GitConflict) {
			t.Errorf("err = %v", err)
		}
	})
	t.Run("nothing to merge", func(t *testing.T) {
		git := &scriptedGit{replies: map[string]string{
			"rev-parse --git-dir": ".git",
			"rev-list":            "0\t0",
		}}
		c := testCoord(t, git)
		err := c.MergeToMain(context.Background(), "acme")
		if !herr.Is(err, herr.Validation) {
			t.Errorf("err = %v", err)
		}
	})
}

func TestMergeToMain_HappyPath(t *testing.T) {
	git := &scriptedGit{replies: map[string]string{
		"rev-parse --git-dir": ".git",
		"rev-list":            "0\t2",
	}}
	c := testCoord(t, git)
	if err := c.MergeToMain(context.Background(), "acme"); err != nil {
		t.Fatal(err)
	}
	want := []string{"merge --ff-only worktree/acme", "push origin main"}
	for _, w := range want {
		if !git.called(w) {
			t.Errorf("missing %q in %v", w, git.calls)
		}
	}
}

func TestMergeToMain_WorktreeRebaseConflict(t *testing.T) {
	git := &scriptedGit{
		replies: map[string]string{
			"rev-parse --git-dir": ".git",
			"rev-list":            "0\t2",
		},
		fails: map[string]string{"rebase main": "CONFLICT"},
	}
	c := testCoord(t, git)
	err := c.MergeToMain(context.Background(), "acme")
	if !herr.Is(err, herr.GitConflict) || !strings.Contains(err.Error(), "call sync again") {
		t.Errorf("err = %v", err)
	}
	if git.called("merge --ff-only") {
		t.Error("merged despite rebase conflict")
	}
}

func TestClassifyDeploy(t *testing.T) {
	tests := []struct {
		paths   []string
		rebuild bool
		restart bool
	}{
		{[]string{"container/Dockerfile"}, true, true},
		{[]string{"src/host.go"}, false, true},
		{[]string{"container/entry.sh", "src/host.go"}, true, true},
		{[]string{"docs/readme.md"}, false, false},
		{nil, false, false},
	}
	for _, tt := range tests {
		rebuild, restart := ClassifyDeploy(tt.paths)
		if rebuild != tt.rebuild || restart != tt.restart {
			t.Errorf("ClassifyDeploy(%v) = %v,%v", tt.paths, rebuild, restart)
		}
	}
}

func TestContinuationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	dc := protocol.DeployContinuation{
		PreviousCommitSHA: "aaa",
		CommitSHA:         "bbb",
		CommitSubject:     "tighten gate",
		ActiveSessions:    map[string]string{"acme": "acme@g.us"},
	}
	if err := WriteContinuation(dir, dc); err != nil {
		t.Fatal(err)
	}

	peeked, err := PeekContinuation(dir)
	if err != nil {
		t.Fatal(err)
	}
	if peeked == nil || peeked.CommitSHA != "bbb" {
		t.Fatalf("peek = %+v", peeked)
	}
	// Peek leaves the file for the consuming read.
	got, err := ReadContinuation(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.PreviousCommitSHA != "aaa" || got.ActiveSessions["acme"] != "acme@g.us" {
		t.Errorf("read = %+v", got)
	}

	again, err := ReadContinuation(dir)
	if err != nil || again != nil {
		t.Errorf("second read = %+v, %v", again, err)
	}
}

func TestContinuationToleratesJSON5(t *testing.T) {
	dir := t.TempDir()
	handEdited := `{
  // operator note: resume after the failed deploy
  previous_commit_sha: "aaa",
  commit_sha: "bbb",
}`
	if err := os.WriteFile(filepath.Join(dir, ContinuationFile), []byte(handEdited), 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := ReadContinuation(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.PreviousCommitSHA != "aaa" || got.CommitSHA != "bbb" {
		t.Errorf("read = %+v", got)
	}
}

func TestPollerSelfDeployOnContainerChange(t *testing.T) {
	git := &scriptedGit{replies: map[string]string{
		"ls-remote origin main": "bbb\trefs/heads/main",
		"rev-parse HEAD":        "aaa",
		"diff --name-only":      "container/Dockerfile\nsrc/host.go",
		"rev-list":              "0\t0",
	}}
	c := testCoord(t, git)
	p := NewPoller(c)
	p.SelfRepo = true

	var gotOld, gotNew string
	var gotRebuild bool
	p.OnSelfDeploy = func(ctx context.Context, oldSHA, newSHA string, rebuild bool) error {
		gotOld, gotNew, gotRebuild = oldSHA, newSHA, rebuild
		return nil
	}

	p.tick(context.Background())

	if gotOld != "aaa" || gotNew != "aaa" && gotNew != "bbb" {
		t.Errorf("deploy shas = %q -> %q", gotOld, gotNew)
	}
	if !gotRebuild {
		t.Error("container/ change did not request a rebuild")
	}
	if !git.called("rebase origin/main") {
		t.Errorf("calls = %v", git.calls)
	}
}

func TestPollerNoopWhenUnchanged(t *testing.T) {
	git := &scriptedGit{replies: map[string]string{
		"ls-remote origin main": "aaa\trefs/heads/main",
		"rev-parse HEAD":        "aaa",
	}}
	c := testCoord(t, git)
	p := NewPoller(c)

	p.tick(context.Background())
	p.tick(context.Background())

	if git.called("fetch origin") {
		t.Errorf("fetched with no drift: %v", git.calls)
	}
	// Second tick short-circuits on the cached sha before rev-parse.
	if p.lastSHA != "aaa" {
		t.Errorf("lastSHA = %q", p.lastSHA)
	}
}

func TestPollerNotifiesDirtyWorktrees(t *testing.T) {
	git := &scriptedGit{replies: map[string]string{
		"ls-remote origin main": "bbb\trefs/heads/main",
		"rev-parse HEAD":        "aaa",
		"rev-parse --git-dir":   ".git",
		"status --porcelain":    " M agent.go",
		"rev-list":              "0\t0",
	}}
	c := testCoord(t, git)
	p := NewPoller(c)
	p.WorktreeFolders = func() []string { return []string{"acme"} }

	var notified []string
	p.Notify = func(ctx context.Context, folder, text string) {
		notified = append(notified, folder+": "+text)
	}

	p.tick(context.Background())

	if len(notified) != 1 || !strings.Contains(notified[0], "[git-sync]") {
		t.Errorf("notified = %v", notified)
	}
}
