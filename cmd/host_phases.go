package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/titanous/json5"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/channels"
	"github.com/pynchy/pynchy/internal/channels/discord"
	"github.com/pynchy/pynchy/internal/channels/telegram"
	"github.com/pynchy/pynchy/internal/channels/tui"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/gateway"
	"github.com/pynchy/pynchy/internal/gateway/litellm"
	"github.com/pynchy/pynchy/internal/gateway/mcpproxy"
	"github.com/pynchy/pynchy/internal/gateway/mcprun"
	"github.com/pynchy/pynchy/internal/gitsync"
	"github.com/pynchy/pynchy/internal/httpapi"
	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/internal/router"
	"github.com/pynchy/pynchy/internal/scheduler"
	"github.com/pynchy/pynchy/internal/security"
	"github.com/pynchy/pynchy/internal/session"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/internal/tracing"
	"github.com/pynchy/pynchy/internal/wsq"
	"github.com/pynchy/pynchy/pkg/protocol"
)

const bootWarningsFile = "boot_warnings.json"

// initCore: directories, database, event bus, tracing, security
// registry, and the LLM/MCP gateways. No network listeners yet.
func (h *host) initCore(ctx context.Context) error {
	for _, dir := range []string{h.cfg.DataDir(), h.cfg.IPCDir(), h.cfg.GroupsDir(), h.cfg.WorktreesDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	h.layout = ipc.Layout{Root: h.cfg.IPCDir()}
	h.selfCoord = gitsync.NewCoordinator(h.cfg.ProjectRoot, h.cfg.WorktreesDir(), "self", h.log)

	st, err := store.Open(h.cfg.DBPath())
	if err != nil {
		return err
	}
	h.st = st

	h.events = bus.NewEvents()
	traces, err := tracing.NewProvider(ctx, h.cfg.Telemetry, h.events)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	h.traces = traces

	h.gates = security.NewRegistry()
	h.mcps = mcprun.NewManager(h.cfg, h.log)
	h.mcpProxy = mcpproxy.NewProxy(h.gates, h.mcps, h.log)
	h.mcpProxy.Inspect = mcpproxy.LooksLikeInjection
	h.mcpProxy.RequestApproval = h.requestApproval

	if h.cfg.LiteLLMMode() {
		h.llm = litellm.NewManager(h.cfg, h.log)
		if err := h.llm.Start(ctx); err != nil {
			return fmt.Errorf("litellm: %w", err)
		}
	} else {
		p, err := gateway.NewProxy(h.cfg, h.log)
		if err != nil {
			return err
		}
		h.proxy = p
	}
	return nil
}

// setupChannels: construct every configured adapter, skipping (with a
// boot warning, not a failure) those whose credentials are missing,
// then connect them all.
func (h *host) setupChannels(ctx context.Context) error {
	h.chans = channels.NewManager(h.log)
	sink := h.inboundSink()

	h.tuiCh = tui.New(h.events, sink, h.log)
	h.chans.Register(h.tuiCh)

	for name, conn := range h.cfg.Connections.Telegram {
		token := h.cfg.ResolveEnv(conn.TokenEnv)
		if token == "" {
			h.warn("telegram connection %q skipped: %s not set", name, conn.TokenEnv)
			continue
		}
		ch, err := telegram.New("telegram:"+name, token, sink, h.log)
		if err != nil {
			h.warn("telegram connection %q skipped: %v", name, err)
			continue
		}
		h.telegrams = append(h.telegrams, ch)
		h.chans.Register(ch)
	}
	for name, conn := range h.cfg.Connections.Discord {
		token := h.cfg.ResolveEnv(conn.TokenEnv)
		if token == "" {
			h.warn("discord connection %q skipped: %s not set", name, conn.TokenEnv)
			continue
		}
		ch, err := discord.New("discord:"+name, token, sink, h.log)
		if err != nil {
			h.warn("discord connection %q skipped: %v", name, err)
			continue
		}
		h.chans.Register(ch)
	}
	for name := range h.cfg.Connections.Slack {
		h.warn("slack connection %q skipped: no slack adapter in this build", name)
	}
	for name := range h.cfg.Connections.WhatsApp {
		h.warn("whatsapp connection %q skipped: no whatsapp adapter in this build", name)
	}

	h.reconciler = channels.NewReconciler(h.st, h.chans, h.log)
	h.chans.StartAll(ctx)
	return nil
}

// inboundSink stores every platform message and fans it out on the
// event bus. The router picks messages up from the store on its next
// poll tick.
func (h *host) inboundSink() channels.InboundSink {
	return func(m channels.InboundMessage) {
		if err := h.st.UpsertChat(m.ChatJID, "", m.Timestamp); err != nil {
			h.log.Error("chat upsert failed", "jid", m.ChatJID, "error", err)
		}
		msg := store.Message{
			ID:          m.ID,
			ChatJID:     m.ChatJID,
			Sender:      m.Sender,
			SenderName:  m.SenderName,
			Content:     m.Content,
			Timestamp:   m.Timestamp,
			IsFromMe:    m.IsFromMe,
			MessageType: protocol.MessageUser,
			Metadata:    m.Metadata,
		}
		if err := h.st.StoreMessage(msg); err != nil {
			h.log.Error("message store failed", "jid", m.ChatJID, "error", err)
			return
		}
		h.events.Broadcast(bus.Event{Name: protocol.EventMessage, Payload: map[string]any{
			"chat_jid":  m.ChatJID,
			"sender":    m.Sender,
			"content":   m.Content,
			"timestamp": m.Timestamp.UTC().Format(time.RFC3339),
		}})
	}
}

// buildPipeline wires the message path: registry, sessions, outbound
// bus, router, queue, approvals, scheduler, task dispatcher, IPC
// watcher, and the status server.
func (h *host) buildPipeline(ctx context.Context) error {
	spawner := &session.DockerSpawner{Log: h.log}
	h.reg = wsq.NewRegistry(h.layout, h.log, spawner.Remove)
	h.sessions = session.NewManager(h.cfg, h.st, h.layout, h.reg, spawner, h.log)
	h.sessions.EnsureWorktree = h.ensureWorktree
	h.sessions.EnsureMCP = h.ensureMCP
	h.sessions.GatewayCreds = h.gatewayCreds
	h.sessions.ExtraEnv = h.extraEnv
	h.sessions.OnDestroy = h.gates.DropFolder

	h.outbound = bus.NewOutbound(h.st, h.chans, h.log, h.canSend)
	h.rtr = router.New(h.cfg, h.st, h.log, h.reg, h.sessions, h.outbound)

	baseRetry := time.Duration(h.cfg.Queue.BaseRetrySeconds * float64(time.Second))
	h.queue = wsq.New(h.log, h.rtr.RunMessageCheck, baseRetry, h.cfg.Queue.MaxRetries)
	h.rtr.SetQueue(h.queue)

	h.approvals = approvalManager(h)
	h.rtr.Approvals = h.approvals
	h.rtr.Deploy = h.redeploy
	h.rtr.React = h.react
	h.rtr.Catchup = h.catchup

	for _, tg := range h.telegrams {
		tg.OnAskAnswer = func(ctx context.Context, chatJID, messageID, answer string) {
			if err := h.approvals.AnswerByMessage(ctx, messageID, []string{answer}); err != nil {
				h.log.Warn("ask answer unmatched", "message_id", messageID, "error", err)
			}
		}
	}

	h.sched = scheduler.New(h.cfg, h.st, h.queue, h.log)
	idle := time.Duration(h.cfg.Container.IdleTimeoutMs) * time.Millisecond
	runTask := scheduler.NewTaskRunner(h.sessions, h.outbound, h.reg, idle, h.log)
	h.sched.RunTask = func(ctx context.Context, task store.ScheduledTask) (string, error) {
		tctx, span := h.traces.StartSpan(ctx, tracing.SpanTaskRun, tracing.TaskAttrs(task.ID, task.GroupFolder)...)
		defer span.End()
		return runTask(tctx, task)
	}
	h.sched.Merge = h.mergeWorktree

	h.dispatcher = ipc.NewTaskDispatcher(h.layout, h.log, h.isAdminFolder)
	h.dispatcher.WorkspaceJID = func(folder string) string {
		if ws, err := h.st.WorkspaceByFolder(folder); err == nil && ws != nil {
			return ws.JID
		}
		return ""
	}
	h.registerTaskHandlers()

	watcher, err := ipc.NewWatcher(h.layout, h.log, h.handleIPCEvent)
	if err != nil {
		return fmt.Errorf("ipc watcher: %w", err)
	}
	h.watcher = watcher

	h.httpSrv = httpapi.NewServer(h.cfg, h.st, h.events, h.outbound, h.log)
	h.httpSrv.ActiveFolders = h.sessions.ActiveFolders
	h.httpSrv.Inbound = h.tuiCh.Deliver
	return nil
}

func (h *host) handleIPCEvent(ev ipc.FileEvent) {
	switch ev.Subdir {
	case ipc.DirOutput:
		h.sessions.HandleOutputFile(ev.Folder, ev.Path)
	case ipc.DirTasks:
		h.dispatcher.Dispatch(h.rootCtx, ev.Folder, ev.Path)
	case ipc.DirApprovalDecisions:
		h.approvals.ApplyDecision(h.rootCtx, ev.Folder, ev.Path)
	}
}

// firstRun registers the operator workspace when nothing else is
// configured, so a fresh install has somewhere to talk.
func (h *host) firstRun(ctx context.Context) error {
	if len(h.cfg.Workspaces) > 0 {
		return nil
	}
	existing, err := h.st.Workspaces()
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}
	h.log.Info("first run, registering operator workspace")
	ws := store.Workspace{
		JID:     tui.OperatorJID,
		Name:    "Operator",
		Folder:  "admin",
		IsAdmin: true,
		AddedAt: time.Now(),
	}
	if err := h.st.UpsertWorkspace(ws); err != nil {
		return err
	}
	return h.ensureWorkspaceDirs("admin")
}

// reconcileState lines the database and filesystem up with the config:
// workspace registrations, worktrees, and host cron jobs.
func (h *host) reconcileState(ctx context.Context) error {
	if _, err := h.syncWorkspaces(ctx); err != nil {
		return err
	}

	h.repoCoords = make(map[string]*gitsync.Coordinator)
	for slug, repo := range h.cfg.Repos {
		h.repoCoords[slug] = gitsync.NewCoordinator(repo.Path, h.cfg.WorktreesDir(), repoSlugDir(slug), h.log)
	}

	h.selfCoord.ReconcileAtStartup(ctx, h.foldersWithRepo("self"))
	for slug, coord := range h.repoCoords {
		coord.ReconcileAtStartup(ctx, h.foldersWithRepo(slug))
	}

	h.pollers = nil
	selfPoller := gitsync.NewPoller(h.selfCoord)
	selfPoller.SelfRepo = true
	selfPoller.OnSelfDeploy = h.selfDeploy
	selfPoller.Notify = h.notifyWorktree
	selfPoller.WorktreeFolders = func() []string { return h.foldersWithRepo("self") }
	h.pollers = append(h.pollers, selfPoller)
	for slug, coord := range h.repoCoords {
		slug := slug
		p := gitsync.NewPoller(coord)
		p.Notify = h.notifyWorktree
		p.WorktreeFolders = func() []string { return h.foldersWithRepo(slug) }
		h.pollers = append(h.pollers, p)
	}

	if err := h.sched.SyncHostJobs(); err != nil {
		return fmt.Errorf("host jobs: %w", err)
	}
	return nil
}

// syncWorkspaces upserts every configured workspace and unregisters
// database entries the config no longer names. Returns the number of
// registered workspaces. Also the refresh_groups handler.
func (h *host) syncWorkspaces(ctx context.Context) (int, error) {
	for folder, ws := range h.cfg.Workspaces {
		jid := ws.Chat
		if jid == "" {
			jid = folder
		}
		var secJSON string
		if ws.Security != nil {
			b, err := json.Marshal(ws.Security)
			if err != nil {
				return 0, fmt.Errorf("workspace %s security: %w", folder, err)
			}
			secJSON = string(b)
		}
		name := ws.Name
		if name == "" {
			name = folder
		}
		w := store.Workspace{
			JID:      jid,
			Name:     name,
			Folder:   folder,
			Trigger:  ws.Trigger,
			IsAdmin:  ws.IsAdmin,
			Security: secJSON,
			AddedAt:  time.Now(),
		}
		if err := h.st.UpsertWorkspace(w); err != nil {
			return 0, err
		}
		if err := h.ensureWorkspaceDirs(folder); err != nil {
			return 0, err
		}
	}

	stored, err := h.st.Workspaces()
	if err != nil {
		return 0, err
	}
	// An empty config means file-less operation; leave the database
	// alone. The operator workspace is never unregistered.
	if len(h.cfg.Workspaces) > 0 {
		for _, w := range stored {
			if _, ok := h.cfg.Workspaces[w.Folder]; ok {
				continue
			}
			if w.JID == tui.OperatorJID {
				continue
			}
			h.log.Info("unregistering orphan workspace", "folder", w.Folder, "jid", w.JID)
			if err := h.st.DeleteWorkspace(w.JID); err != nil {
				return 0, err
			}
		}
	}
	return len(h.cfg.Workspaces), nil
}

func (h *host) ensureWorkspaceDirs(folder string) error {
	if err := h.layout.EnsureFolder(folder); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(h.cfg.GroupsDir(), folder), 0o755); err != nil {
		return err
	}
	if h.watcher != nil {
		h.watcher.WatchFolder(folder)
	}
	return nil
}

func (h *host) isAdminFolder(folder string) bool {
	if ws, ok := h.cfg.Workspaces[folder]; ok {
		return ws.IsAdmin
	}
	if w, err := h.st.WorkspaceByFolder(folder); err == nil && w != nil {
		return w.IsAdmin
	}
	return false
}

// coordFor maps a workspace to its repo coordinator via repo_access.
func (h *host) coordFor(folder string) *gitsync.Coordinator {
	ws, ok := h.cfg.Workspaces[folder]
	if !ok {
		return nil
	}
	switch ws.RepoAccess {
	case "":
		return nil
	case "self":
		return h.selfCoord
	default:
		return h.repoCoords[ws.RepoAccess]
	}
}

func (h *host) foldersWithRepo(slug string) []string {
	var out []string
	for folder, ws := range h.cfg.Workspaces {
		if ws.RepoAccess == slug {
			out = append(out, folder)
		}
	}
	return out
}

// repoSlugDir flattens "owner/repo" for worktree directory names.
func repoSlugDir(slug string) string {
	return strings.ReplaceAll(slug, "/", "-")
}

// Session manager hooks.

func (h *host) ensureWorktree(ctx context.Context, folder string) (string, []string, error) {
	coord := h.coordFor(folder)
	if coord == nil {
		return "", nil, nil
	}
	return coord.EnsureWorktree(ctx, folder)
}

func (h *host) ensureMCP(ctx context.Context, folder, invocationTS string) ([]session.MCPServerRef, error) {
	ts, err := strconv.ParseInt(invocationTS, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invocation timestamp %q: %w", invocationTS, err)
	}
	profile := config.WorkspaceSecurity{}
	isAdmin := false
	if ws, ok := h.cfg.Workspaces[folder]; ok {
		isAdmin = ws.IsAdmin
		if ws.Security != nil {
			profile = *ws.Security
		}
	}
	h.gates.Create(folder, ts, profile, isAdmin)
	if err := h.mcps.EnsureWorkspaceRunning(ctx, folder); err != nil {
		return nil, err
	}
	return h.mcps.ServerConfigs(folder, invocationTS), nil
}

func (h *host) gatewayCreds(folder string) (string, string) {
	if h.llm != nil {
		key, err := h.llm.WorkspaceKey(h.rootCtx, folder)
		if err != nil {
			h.log.Error("litellm workspace key failed", "folder", folder, "error", err)
			return h.llm.BaseURL(), ""
		}
		return h.llm.BaseURL(), key
	}
	return h.proxy.BaseURL(), h.proxy.Key()
}

func (h *host) extraEnv(folder string) map[string]string {
	env := make(map[string]string)
	ws, ok := h.cfg.Workspaces[folder]
	if !ok || ws.RepoAccess == "" {
		return env
	}
	token := h.cfg.Secrets.GitHubToken
	if repo, ok := h.cfg.Repos[ws.RepoAccess]; ok && repo.GHToken != "" {
		token = repo.GHToken
	}
	if token != "" {
		env["GH_TOKEN"] = token
	}
	return env
}

// canSend enforces the channel access cascade on the outbound side:
// read-only chats receive nothing.
func (h *host) canSend(channelName, chatJID string) bool {
	_, ws := h.cfg.WorkspaceByJID(chatJID)
	connSec, chatSec := h.connSecurity(channelName, chatJID)
	eff := h.cfg.EffectiveChannel(ws, connSec, chatSec)
	return eff.Access != "read"
}

func (h *host) connSecurity(channelName, chatJID string) (*config.ChannelSecurity, *config.ChannelSecurity) {
	platform, name, _ := strings.Cut(channelName, ":")
	var sec *config.ChannelSecurity
	var chat map[string]config.ChannelSecurity
	switch platform {
	case "telegram":
		if conn, ok := h.cfg.Connections.Telegram[name]; ok {
			sec, chat = conn.Security, conn.Chat
		}
	case "discord":
		if conn, ok := h.cfg.Connections.Discord[name]; ok {
			sec, chat = conn.Security, conn.Chat
		}
	case "slack":
		if conn, ok := h.cfg.Connections.Slack[name]; ok {
			sec, chat = conn.Security, conn.Chat
		}
	case "whatsapp":
		if conn, ok := h.cfg.Connections.WhatsApp[name]; ok {
			sec, chat = conn.Security, conn.Chat
		}
	}
	if cs, ok := chat[chatJID]; ok {
		return sec, &cs
	}
	return sec, nil
}

// Router collaborators.

func (h *host) react(ctx context.Context, chatJID, messageID, emoji string) {
	for _, ch := range h.chans.Running() {
		if !ch.OwnsJID(chatJID) {
			continue
		}
		r, ok := ch.(channels.Reactor)
		if !ok {
			continue
		}
		if err := r.SendReaction(ctx, chatJID, messageID, emoji); err != nil {
			h.log.Debug("reaction failed", "channel", ch.Name(), "error", err)
		}
	}
}

func (h *host) catchup(ctx context.Context) {
	wss, err := h.st.Workspaces()
	if err != nil {
		h.log.Error("catchup workspace list failed", "error", err)
		return
	}
	jids := make([]string, 0, len(wss))
	for _, w := range wss {
		jids = append(jids, w.JID)
	}
	h.reconciler.ReconcileInbound(ctx, jids)
	h.reconciler.RetryOutbound(ctx, 50)
}

func (h *host) notifyWorktree(ctx context.Context, folder, text string) {
	h.outbound.SendSystemNotice(ctx, h.chatJIDFor(folder), text)
}

// recoverPending enqueues a message check for every workspace with
// messages newer than the router cursor, so work queued while the host
// was down is picked up immediately instead of on the next inbound.
func (h *host) recoverPending(ctx context.Context) {
	state, err := h.st.LoadRouterState()
	if err != nil {
		h.log.Error("router state load failed", "error", err)
		return
	}
	wss, err := h.st.Workspaces()
	if err != nil {
		h.log.Error("workspace list failed", "error", err)
		return
	}
	for _, w := range wss {
		after := state.LastTimestamp
		if t, ok := state.AgentTimestamps[w.JID]; ok && t.After(after) {
			after = t
		}
		pending, err := h.st.HasMessagesAfter(w.JID, after)
		if err != nil {
			h.log.Error("pending check failed", "jid", w.JID, "error", err)
			continue
		}
		if pending {
			h.log.Info("recovering pending messages", "jid", w.JID)
			h.queue.EnqueueMessageCheck(w.JID)
		}
	}
}

// consumeContinuation completes a self-deploy: tell every session that
// was live before the restart what happened and let it pick its work
// back up.
func (h *host) consumeContinuation(ctx context.Context) {
	dc, err := gitsync.ReadContinuation(h.cfg.DataDir())
	if err != nil {
		h.log.Error("continuation read failed", "error", err)
		return
	}
	if dc == nil {
		return
	}
	text := fmt.Sprintf("Deploy complete. Now running `%s` %s. Continue from where you left off.",
		shortSHA(dc.CommitSHA), dc.CommitSubject)
	if dc.ResumePrompt != "" {
		text = dc.ResumePrompt
	}
	if dc.RollbackNote != "" {
		text += "\n" + dc.RollbackNote
	}
	if len(dc.ActiveSessions) == 0 {
		h.outbound.SendSystemNotice(ctx, h.adminJID(), text)
		return
	}
	for _, jid := range dc.ActiveSessions {
		h.outbound.SendSystemNotice(ctx, jid, text)
		h.queue.EnqueueMessageCheck(jid)
	}
}

// Boot warnings survive a failed boot via a data file and are
// broadcast to the admin chat once channels are up.

func (h *host) persistBootWarnings() {
	h.warnMu.Lock()
	defer h.warnMu.Unlock()
	if len(h.bootWarnings) == 0 {
		return
	}
	data, err := json.MarshalIndent(h.bootWarnings, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(h.cfg.DataDir(), bootWarningsFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		h.log.Warn("boot warnings persist failed", "error", err)
	}
}

func (h *host) flushBootWarnings(ctx context.Context) {
	var warnings []string
	path := filepath.Join(h.cfg.DataDir(), bootWarningsFile)
	if data, err := os.ReadFile(path); err == nil {
		var prev []string
		// JSON5: the file is operator-editable during recovery.
		if err := json5.Unmarshal(data, &prev); err == nil {
			warnings = append(warnings, prev...)
		}
		os.Remove(path)
	}
	h.warnMu.Lock()
	warnings = append(warnings, h.bootWarnings...)
	h.bootWarnings = nil
	h.warnMu.Unlock()
	if len(warnings) == 0 {
		return
	}
	h.outbound.SendHostMessage(ctx, h.adminJID(),
		"Boot warnings:\n- "+strings.Join(warnings, "\n- "))
}
