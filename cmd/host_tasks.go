package cmd

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/pynchy/pynchy/internal/approval"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/gitsync"
	"github.com/pynchy/pynchy/internal/herr"
	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/internal/security"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/internal/tracing"
	"github.com/pynchy/pynchy/pkg/protocol"
)

func approvalManager(h *host) *approval.Manager {
	m := approval.NewManager(h.layout, h.st, h.chans, h.outbound, h.queue, h.log)
	m.Execute = h.runService
	m.SessionAlive = func(folder string) bool {
		s := h.sessions.SessionFor(folder)
		return s != nil && !s.Dead()
	}
	return m
}

// requestApproval backs the MCP proxy's human-approval path: create a
// pending approval, announce it in the workspace chat, block until a
// decision or timeout.
func (h *host) requestApproval(ctx context.Context, folder, tool string, params map[string]any) (bool, error) {
	p, err := h.approvals.Create(ctx, folder, h.chatJIDFor(folder), tool, "", params)
	if err != nil {
		return false, err
	}
	return h.approvals.Await(ctx, folder, p.RequestID)
}

// registerTaskHandlers binds the container task surface: one signal,
// three commands, and the ask_user/service prefixes.
func (h *host) registerTaskHandlers() {
	d := h.dispatcher

	d.HandleSignal("refresh_groups", func(ctx context.Context, tc ipc.TaskContext) (map[string]any, error) {
		if !tc.IsAdmin {
			return nil, herr.New(herr.Unauthorized, "refresh_groups requires an admin workspace")
		}
		n, err := h.syncWorkspaces(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{"workspaces": n}, nil
	})

	d.HandleCommand("sync_worktree_to_main", func(ctx context.Context, tc ipc.TaskContext) (map[string]any, error) {
		err := h.mergeWorktree(ctx, tc.Folder)
		h.writeMergeResult(tc, err)
		if err != nil {
			return nil, err
		}
		return map[string]any{"merged": true}, nil
	})

	d.HandleCommand("create_periodic_agent", func(ctx context.Context, tc ipc.TaskContext) (map[string]any, error) {
		task, err := h.taskFromData(tc)
		if err != nil {
			return nil, err
		}
		if err := h.sched.CreateTask(task); err != nil {
			return nil, err
		}
		return map[string]any{"task_id": task.ID}, nil
	})

	d.HandleCommand("deploy", func(ctx context.Context, tc ipc.TaskContext) (map[string]any, error) {
		if !tc.IsAdmin {
			return nil, herr.New(herr.Unauthorized, "deploy requires an admin workspace")
		}
		if err := h.redeploy(ctx); err != nil {
			return nil, err
		}
		return map[string]any{"status": "restarting"}, nil
	})

	d.HandlePrefix("ask_user", func(ctx context.Context, tc ipc.TaskContext) (map[string]any, error) {
		if tc.Task.Type != "ask_user:ask" {
			return nil, herr.New(herr.NotFound, "unknown ask_user task %q", tc.Task.Type)
		}
		return h.approvals.HandleAskTask(ctx, tc)
	})

	d.HandlePrefix("service", h.handleServiceTask)
}

func (h *host) taskFromData(tc ipc.TaskContext) (store.ScheduledTask, error) {
	data := tc.Task.Data
	prompt := dataString(data, "prompt")
	schedType := dataString(data, "schedule_type")
	schedValue := dataString(data, "schedule_value")
	if prompt == "" || schedType == "" {
		return store.ScheduledTask{}, herr.New(herr.Validation, "create_periodic_agent needs prompt and schedule_type")
	}
	chatJID := tc.Task.ChatJID
	if chatJID == "" {
		chatJID = h.chatJIDFor(tc.Folder)
	}
	contextMode := dataString(data, "context_mode")
	if contextMode == "" {
		contextMode = "group"
	}
	return store.ScheduledTask{
		ID:            uuid.NewString(),
		GroupFolder:   tc.Folder,
		ChatJID:       chatJID,
		Prompt:        prompt,
		ScheduleType:  schedType,
		ScheduleValue: schedValue,
		Status:        "active",
		ContextMode:   contextMode,
		RepoAccess:    dataString(data, "repo_access"),
	}, nil
}

// writeMergeResult mirrors the merge outcome to merge_results/ so the
// agent can read it even after its blocking response timed out.
func (h *host) writeMergeResult(tc ipc.TaskContext, mergeErr error) {
	if tc.Task.RequestID == "" {
		return
	}
	result := map[string]any{"success": mergeErr == nil}
	if mergeErr != nil {
		result["error"] = mergeErr.Error()
	}
	path := filepath.Join(h.layout.Dir(tc.Folder, ipc.DirMergeResults), tc.Task.RequestID+".json")
	if err := ipc.WriteJSON(path, result); err != nil {
		h.log.Error("merge result write failed", "folder", tc.Folder, "error", err)
	}
}

// handleServiceTask gates service:* tasks through the workspace
// security profile: allow, deny, or park behind a human approval.
func (h *host) handleServiceTask(ctx context.Context, tc ipc.TaskContext) (map[string]any, error) {
	tool := strings.TrimPrefix(tc.Task.Type, "service:")
	dec := h.taskGate(tc.Folder, tc.IsAdmin).EvaluateWrite("service", tool)
	switch {
	case dec.NeedsHuman:
		jid := tc.Task.ChatJID
		if jid == "" {
			jid = h.chatJIDFor(tc.Folder)
		}
		if _, err := h.approvals.Create(ctx, tc.Folder, jid, tc.Task.Type, tc.Task.RequestID, tc.Task.Data); err != nil {
			return nil, err
		}
		return nil, ipc.ErrDeferredResponse
	case !dec.Allowed:
		return nil, herr.New(herr.PolicyDenied, "service %s denied: %s", tool, dec.Reason)
	}
	return h.runService(ctx, tc.Folder, protocol.PendingApproval{
		RequestID:   tc.Task.RequestID,
		SourceGroup: tc.Folder,
		ChatJID:     tc.Task.ChatJID,
		ToolName:    tc.Task.Type,
		RequestData: tc.Task.Data,
	})
}

// taskGate caches one long-lived gate per folder for service tasks,
// separate from the per-invocation MCP gates.
func (h *host) taskGate(folder string, isAdmin bool) *security.Gate {
	h.taskGateMu.Lock()
	defer h.taskGateMu.Unlock()
	if g, ok := h.taskGates[folder]; ok {
		return g
	}
	profile := config.WorkspaceSecurity{}
	if ws, ok := h.cfg.Workspaces[folder]; ok && ws.Security != nil {
		profile = *ws.Security
	}
	g := security.NewGate(folder, 0, profile, isAdmin)
	h.taskGates[folder] = g
	return g
}

// runService executes an allowed (or approved) service call. Also the
// approval manager's Execute hook for decisions that arrive by file.
func (h *host) runService(ctx context.Context, folder string, p protocol.PendingApproval) (map[string]any, error) {
	name := strings.TrimPrefix(p.ToolName, "service:")
	h.log.Info("service call", "folder", folder, "service", name)
	return nil, herr.New(herr.NotFound, "no handler registered for service %q", name)
}

// mergeWorktree lands a workspace branch per its git policy: merge to
// main directly, or open a pull request and report the URL.
func (h *host) mergeWorktree(ctx context.Context, folder string) error {
	coord := h.coordFor(folder)
	if coord == nil {
		return nil
	}
	jid := h.chatJIDFor(folder)
	mctx, span := h.traces.StartSpan(ctx, tracing.SpanMerge, tracing.WorkspaceAttrs(folder, jid)...)
	defer span.End()

	if ws, ok := h.cfg.Workspaces[folder]; ok && ws.GitPolicy == "pull-request" {
		url, err := coord.PullRequest(mctx, folder)
		if err != nil {
			return err
		}
		h.outbound.SendHostMessage(mctx, jid, "Opened pull request: "+url)
		return nil
	}
	return coord.MergeToMain(mctx, folder)
}

// redeploy rebuilds the container image off the current HEAD and
// restarts the host. The in-chat redeploy command and the deploy task.
func (h *host) redeploy(ctx context.Context) error {
	sha, err := h.selfCoord.HeadSHA(ctx)
	if err != nil {
		return fmt.Errorf("head sha: %w", err)
	}
	return h.selfDeploy(ctx, sha, sha, true)
}

// selfDeploy persists the continuation, optionally rebuilds the agent
// image, and asks the run loop to exit so the supervisor restarts us on
// the new code.
func (h *host) selfDeploy(ctx context.Context, oldSHA, newSHA string, rebuild bool) error {
	dctx, span := h.traces.StartSpan(ctx, tracing.SpanDeploy)
	defer span.End()

	active := make(map[string]string)
	for _, folder := range h.sessions.ActiveFolders() {
		if s := h.sessions.SessionFor(folder); s != nil {
			active[folder] = s.ChatJID
		}
	}
	subject, err := h.selfCoord.CommitSubject(dctx, newSHA)
	if err != nil {
		h.log.Warn("commit subject lookup failed", "sha", shortSHA(newSHA), "error", err)
	}
	dc := protocol.DeployContinuation{
		PreviousCommitSHA: oldSHA,
		CommitSHA:         newSHA,
		CommitSubject:     subject,
		ActiveSessions:    active,
	}
	if err := gitsync.WriteContinuation(h.cfg.DataDir(), dc); err != nil {
		return fmt.Errorf("continuation write: %w", err)
	}

	if rebuild {
		if err := h.rebuildImage(dctx); err != nil {
			// A failed build must not leave a restart loop behind.
			os.Remove(filepath.Join(h.cfg.DataDir(), gitsync.ContinuationFile))
			return err
		}
	}

	h.log.Info("deploy ready, restarting", "old", shortSHA(oldSHA), "new", shortSHA(newSHA), "rebuild", rebuild)
	h.requestRestart()
	return nil
}

func (h *host) rebuildImage(ctx context.Context) error {
	dir := filepath.Join(h.cfg.ProjectRoot, "container")
	cmd := exec.CommandContext(ctx, "docker", "build", "-t", h.cfg.Container.Image, dir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker build: %w: %s", err, tail(string(out), 500))
	}
	return nil
}

func tail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}

func dataString(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}
