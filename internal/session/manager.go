package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/herr"
	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/internal/wsq"
	"github.com/pynchy/pynchy/pkg/protocol"
)

// QueryRequest is one agent turn.
type QueryRequest struct {
	ChatJID string
	Folder  string
	Text    string
	IsAdmin bool
	IsTask  bool
	Notices []string
	// OnOutput receives every non-pulse output event for this turn.
	OnOutput func(protocol.OutputEvent)
	// IdleOverride, when non-nil, replaces container.idle_timeout_ms.
	// Scheduled tasks pass a zero value to disable idle destruction.
	IdleOverride *time.Duration
}

// Manager runs agent containers, one live session per workspace folder.
type Manager struct {
	cfg     *config.Config
	store   *store.Store
	layout  ipc.Layout
	reg     *wsq.Registry
	spawner Spawner
	log     *slog.Logger

	// EnsureWorktree prepares the workspace's git worktree and returns
	// operator-facing notices ("uncommitted changes preserved", ...).
	EnsureWorktree func(ctx context.Context, folder string) (worktreePath string, notices []string, err error)
	// EnsureMCP starts the workspace's MCP instances and returns proxy
	// refs for the container.
	EnsureMCP func(ctx context.Context, folder, invocationTS string) ([]MCPServerRef, error)
	// GatewayCreds returns the LLM base URL and ephemeral key the
	// container should use.
	GatewayCreds func(folder string) (baseURL, apiKey string)
	// ExtraEnv supplies additional container env (tokens, repo creds).
	ExtraEnv func(folder string) map[string]string
	// OnDestroy runs after a session is torn down (security gate drop).
	OnDestroy func(folder string)

	sessions syncSessions
}

// NewManager wires the session manager. Collaborator hooks default to
// no-ops so tests can start small.
func NewManager(cfg *config.Config, st *store.Store, layout ipc.Layout, reg *wsq.Registry, spawner Spawner, log *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		store:   st,
		layout:  layout,
		reg:     reg,
		spawner: spawner,
		log:     log,
		EnsureWorktree: func(context.Context, string) (string, []string, error) {
			return "", nil, nil
		},
		EnsureMCP: func(context.Context, string, string) ([]MCPServerRef, error) {
			return nil, nil
		},
		GatewayCreds: func(string) (string, string) { return "", "" },
		ExtraEnv:     func(string) map[string]string { return nil },
	}
}

// SessionFor returns the live session for a folder, or nil.
func (m *Manager) SessionFor(folder string) *Session {
	return m.sessions.get(folder)
}

// ActiveFolders lists the folders with a live session.
func (m *Manager) ActiveFolders() []string {
	return m.sessions.folders()
}

// RunQuery executes one agent turn: warm when a live non-task session
// exists, cold otherwise. It returns when the query-done pulse arrives,
// the container dies, or the effective timeout elapses.
func (m *Manager) RunQuery(ctx context.Context, req QueryRequest) error {
	sess := m.sessions.get(req.Folder)
	if sess != nil && !sess.Dead() && !sess.IsTask && !req.IsTask {
		return m.warmQuery(ctx, sess, req)
	}
	if sess != nil && sess.Dead() {
		m.Destroy(ctx, req.Folder)
	}
	return m.coldStart(ctx, req)
}

func (m *Manager) warmQuery(ctx context.Context, sess *Session, req QueryRequest) error {
	done := sess.beginQuery(req.OnOutput)
	path := filepath.Join(m.layout.Dir(req.Folder, ipc.DirInput), ipc.NextFilename())
	if err := ipc.WriteJSON(path, protocol.InputMessage{Type: "message", Text: req.Text}); err != nil {
		sess.endQuery()
		return fmt.Errorf("warm input write: %w", err)
	}
	return m.awaitQuery(ctx, sess, req, done)
}

func (m *Manager) coldStart(ctx context.Context, req QueryRequest) error {
	folder := req.Folder
	if err := m.layout.EnsureFolder(folder); err != nil {
		return err
	}

	worktree, notices, err := m.EnsureWorktree(ctx, folder)
	if err != nil {
		return herr.E(herr.GitConflict, fmt.Errorf("worktree for %s: %w", folder, err))
	}
	notices = append(notices, req.Notices...)

	invocationTS := fmt.Sprintf("%d", time.Now().UnixMilli())
	mcpRefs, err := m.EnsureMCP(ctx, folder, invocationTS)
	if err != nil {
		return fmt.Errorf("mcp instances for %s: %w", folder, err)
	}

	sessionID, err := m.store.SessionID(folder)
	if err != nil {
		return err
	}
	baseURL, apiKey := m.GatewayCreds(folder)

	input := ContainerInput{
		Messages:     req.Text,
		GroupFolder:  folder,
		ChatJID:      req.ChatJID,
		IsAdmin:      req.IsAdmin,
		SessionID:    sessionID,
		IsTask:       req.IsTask,
		Notices:      notices,
		AgentModule:  m.cfg.Agent.CoreModule,
		AgentClass:   m.cfg.Agent.CoreClass,
		LLMBaseURL:   baseURL,
		LLMAPIKey:    apiKey,
		MCPServers:   mcpRefs,
		InvocationTS: invocationTS,
	}
	if ws, ok := m.cfg.Workspaces[folder]; ok {
		input.RepoAccess = ws.RepoAccess
	}

	initial := filepath.Join(m.layout.Dir(folder, ipc.DirInput), protocol.InitialInputFile)
	if err := ipc.WriteJSON(initial, input); err != nil {
		return fmt.Errorf("initial input write: %w", err)
	}

	name := containerName(m.cfg.Agent.Name, folder, req.IsTask)
	if err := m.spawner.Remove(ctx, name); err != nil {
		m.log.Warn("stale container remove failed", "container", name, "error", err)
	}
	if err := m.layout.CleanStale(folder, protocol.InitialInputFile); err != nil {
		return fmt.Errorf("stale ipc clean: %w", err)
	}

	spec := m.buildSpec(name, folder, worktree)
	proc, err := m.spawner.Spawn(ctx, spec)
	if err != nil {
		return herr.E(herr.BackendUnavailable, fmt.Errorf("spawn %s: %w", name, err))
	}

	idle := time.Duration(m.cfg.Container.IdleTimeoutMs) * time.Millisecond
	if req.IdleOverride != nil {
		idle = *req.IdleOverride
	}
	sess := &Session{
		Folder:        folder,
		ChatJID:       req.ChatJID,
		ContainerName: name,
		IsTask:        req.IsTask,
		idleTimeout:   idle,
	}
	sess.destroy = func() {
		m.log.Info("idle timeout, destroying session", "folder", folder)
		m.Destroy(context.Background(), folder)
	}
	wp := &wsq.Process{Proc: proc, ContainerName: name, Folder: folder, IsTask: req.IsTask}
	sess.proc = wp
	m.sessions.put(folder, sess)
	m.reg.RegisterProcess(req.ChatJID, wp)

	done := sess.beginQuery(req.OnOutput)
	go m.monitor(sess, proc)

	return m.awaitQuery(ctx, sess, req, done)
}

func (m *Manager) awaitQuery(ctx context.Context, sess *Session, req QueryRequest, done chan struct{}) error {
	timeout := time.Duration(m.cfg.QueryTimeoutMs(req.Folder)) * time.Millisecond
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		sess.endQuery()
		return ctx.Err()
	case <-timer.C:
		sess.endQuery()
		m.Destroy(context.Background(), req.Folder)
		return herr.New(herr.Timeout, "agent query timed out after %s", timeout)
	case <-done:
	}

	newID, died := sess.endQuery()
	if died {
		return herr.New(herr.ContainerDied, "container died before completing the turn")
	}
	if newID != "" {
		if err := m.store.SaveSessionID(req.Folder, newID); err != nil {
			m.log.Error("session id save failed", "folder", req.Folder, "error", err)
		}
	}
	return nil
}

func (m *Manager) monitor(sess *Session, proc wsq.ContainerProc) {
	<-proc.Done()
	clean := true
	if ee, ok := proc.(interface{ ExitErr() error }); ok {
		clean = ee.ExitErr() == nil
	}
	sess.markDead(clean)
	m.log.Info("container exited", "folder", sess.Folder, "container", sess.ContainerName, "clean", clean)
	m.sessions.remove(sess.Folder, sess)
	m.reg.UnregisterProcess(sess.ChatJID, sess.proc)
}

// HandleOutputFile processes one file from ipc/<folder>/output/: parse,
// unlink, route. Unparseable files are quarantined.
func (m *Manager) HandleOutputFile(folder, path string) {
	var ev protocol.OutputEvent
	if err := ipc.ReadAndRemove(path, &ev); err != nil {
		if os.IsNotExist(err) {
			return
		}
		m.log.Error("unparseable output event", "folder", folder, "file", filepath.Base(path), "error", err)
		if qerr := m.layout.Quarantine(folder, path); qerr != nil {
			m.log.Error("quarantine failed", "file", path, "error", qerr)
		}
		return
	}

	sess := m.sessions.get(folder)
	if sess == nil {
		m.log.Warn("output event with no live session", "folder", folder, "type", ev.Type)
		return
	}
	if pulse, newID := sess.handleOutput(ev); pulse && newID != "" {
		if err := m.store.SaveSessionID(folder, newID); err != nil {
			m.log.Error("session id save failed", "folder", folder, "error", err)
		}
	}
}

// Destroy stops and forgets the folder's session. Idempotent.
func (m *Manager) Destroy(ctx context.Context, folder string) {
	sess := m.sessions.get(folder)
	if sess == nil {
		return
	}
	m.sessions.remove(folder, sess)
	m.reg.StopActiveProcess(ctx, sess.ChatJID)
	if m.OnDestroy != nil {
		m.OnDestroy(folder)
	}
}

// DestroyAll stops every live session (shutdown path).
func (m *Manager) DestroyAll(ctx context.Context) {
	for _, folder := range m.sessions.folders() {
		m.Destroy(ctx, folder)
	}
}

func (m *Manager) buildSpec(name, folder, worktree string) ContainerSpec {
	env := map[string]string{
		"PYNCHY_GROUP": folder,
	}
	for k, v := range m.ExtraEnv(folder) {
		env[k] = v
	}
	mounts := []Mount{
		{Host: filepath.Join(m.cfg.GroupsDir(), folder), Container: "/workspace"},
		{Host: m.layout.FolderDir(folder), Container: "/ipc"},
	}
	if worktree != "" {
		mounts = append(mounts, Mount{Host: worktree, Container: "/repo"})
	}
	return ContainerSpec{
		Name:       name,
		Image:      m.cfg.Container.Image,
		Folder:     folder,
		Env:        env,
		Mounts:     mounts,
		NetworkEnv: true,
	}
}

func containerName(agent, folder string, task bool) string {
	if task {
		return fmt.Sprintf("%s-%s-%d", agent, folder, time.Now().UnixMilli())
	}
	return fmt.Sprintf("%s-%s", agent, folder)
}
