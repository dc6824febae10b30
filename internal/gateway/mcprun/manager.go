// Package mcprun owns MCP instance lifecycle: lazy start of docker and
// script instances, idle stop, image warm-up, and the server configs
// handed to containers (which always point at the MCP proxy, never at
// the instance directly).
package mcprun

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/gateway/mcpproxy"
	"github.com/pynchy/pynchy/internal/herr"
	"github.com/pynchy/pynchy/internal/session"
)

const healthTimeout = 30 * time.Second

// DockerRunner executes one docker CLI invocation. Injected for tests.
type DockerRunner func(ctx context.Context, args ...string) (string, error)

func execDocker(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", args...).CombinedOutput()
	s := strings.TrimSpace(string(out))
	if err != nil {
		return s, fmt.Errorf("docker %s: %w (%s)", args[0], err, s)
	}
	return s, nil
}

type instance struct {
	server       string
	folder       string
	cfg          config.MCPServerConfig
	running      bool
	lastActivity time.Time
	cmd          *exec.Cmd // script kind while running
}

// Manager starts and stops MCP instances on demand.
type Manager struct {
	cfg    *config.Config
	log    *slog.Logger
	docker DockerRunner

	// ProxyBase is the proxy URL as seen from inside a container.
	ProxyBase string
	// HealthCheck probes a just-started instance. Any non-5xx counts as
	// healthy. Injected for tests.
	HealthCheck func(ctx context.Context, url string) error

	mu        sync.Mutex
	instances map[string]*instance
	now       func() time.Time
}

func NewManager(cfg *config.Config, log *slog.Logger) *Manager {
	host := cfg.Gateway.ContainerHost
	if host == "" {
		host = "host.docker.internal"
	}
	return &Manager{
		cfg:         cfg,
		log:         log,
		docker:      execDocker,
		ProxyBase:   fmt.Sprintf("http://%s:%d", host, cfg.Gateway.MCPPort),
		HealthCheck: httpHealthCheck,
		instances:   make(map[string]*instance),
		now:         time.Now,
	}
}

func httpHealthCheck(ctx context.Context, url string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	deadline := time.Now().Add(healthTimeout)
	for {
		req, _ := http.NewRequestWithContext(ctx, "GET", url, nil)
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return herr.New(herr.BackendUnavailable, "mcp instance at %s never answered", url)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func instKey(folder, server string) string { return folder + "/" + server }

func containerName(folder, server string) string {
	return "pynchy-mcp-" + folder + "-" + server
}

// ServerConfigs returns the proxy-facing refs for a workspace's MCP
// servers. This is what lands in the container input file.
func (m *Manager) ServerConfigs(folder, invocationTS string) []session.MCPServerRef {
	ws, ok := m.cfg.Workspaces[folder]
	if !ok {
		return nil
	}
	refs := make([]session.MCPServerRef, 0, len(ws.MCPServers))
	for _, name := range ws.MCPServers {
		sc, ok := m.cfg.MCPServers[name]
		if !ok {
			m.log.Warn("workspace lists unknown mcp server", "folder", folder, "server", name)
			continue
		}
		transport := sc.Transport
		if transport == "" {
			transport = "streamable-http"
		}
		refs = append(refs, session.MCPServerRef{
			Name:      name,
			URL:       fmt.Sprintf("%s/mcp/%s/%s/%s", m.ProxyBase, folder, invocationTS, name),
			Transport: transport,
		})
	}
	return refs
}

// EnsureWorkspaceRunning starts every instance the workspace lists.
func (m *Manager) EnsureWorkspaceRunning(ctx context.Context, folder string) error {
	ws, ok := m.cfg.Workspaces[folder]
	if !ok {
		return herr.New(herr.NotFound, "unknown workspace %s", folder)
	}
	for _, name := range ws.MCPServers {
		if _, err := m.ensure(ctx, folder, name); err != nil {
			return err
		}
	}
	return nil
}

// Backend resolves an instance for the proxy, starting it if needed and
// recording activity.
func (m *Manager) Backend(ctx context.Context, folder, instanceID string) (mcpproxy.Backend, error) {
	inst, err := m.ensure(ctx, folder, instanceID)
	if err != nil {
		return mcpproxy.Backend{}, err
	}
	m.mu.Lock()
	inst.lastActivity = m.now()
	m.mu.Unlock()
	return mcpproxy.Backend{URL: m.backendURL(inst.cfg), PublicSource: inst.cfg.PublicSource}, nil
}

func (m *Manager) backendURL(sc config.MCPServerConfig) string {
	if sc.Kind == "url" {
		return sc.URL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", sc.Port)
}

func (m *Manager) ensure(ctx context.Context, folder, server string) (*instance, error) {
	sc, ok := m.cfg.MCPServers[server]
	if !ok {
		return nil, herr.New(herr.NotFound, "unknown mcp server %s", server)
	}

	m.mu.Lock()
	inst, ok := m.instances[instKey(folder, server)]
	if !ok {
		inst = &instance{server: server, folder: folder, cfg: sc}
		m.instances[instKey(folder, server)] = inst
	}
	running := inst.running || sc.Kind == "url"
	m.mu.Unlock()
	if running {
		return inst, nil
	}

	if err := m.start(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

func (m *Manager) start(ctx context.Context, inst *instance) error {
	sc := inst.cfg
	switch sc.Kind {
	case "docker":
		name := containerName(inst.folder, inst.server)
		// Stale container from a crashed run keeps the name; clear it.
		m.docker(ctx, "rm", "-f", name)
		args := []string{"run", "-d", "--name", name,
			"-p", fmt.Sprintf("127.0.0.1:%d:%d", sc.Port, sc.Port)}
		for k, v := range sc.Env {
			args = append(args, "-e", k+"="+m.resolveEnvValue(v))
		}
		args = append(args, sc.Image)
		args = append(args, sc.Args...)
		if _, err := m.docker(ctx, args...); err != nil {
			return err
		}
	case "script":
		cmd := exec.Command(sc.Command, sc.Args...)
		for k, v := range sc.Env {
			cmd.Env = append(cmd.Env, k+"="+m.resolveEnvValue(v))
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("mcp script %s: %w", inst.server, err)
		}
		inst.cmd = cmd
		go cmd.Wait()
	default:
		return herr.New(herr.Validation, "mcp server %s has unknown kind %q", inst.server, sc.Kind)
	}

	if err := m.HealthCheck(ctx, m.backendURL(sc)); err != nil {
		m.stop(ctx, inst)
		return err
	}

	m.mu.Lock()
	inst.running = true
	inst.lastActivity = m.now()
	m.mu.Unlock()
	m.log.Info("mcp instance started", "folder", inst.folder, "server", inst.server, "kind", sc.Kind)
	return nil
}

// resolveEnvValue treats "env:NAME" values as indirections through the
// host environment (with .env fallback); anything else is literal.
func (m *Manager) resolveEnvValue(v string) string {
	if name, ok := strings.CutPrefix(v, "env:"); ok {
		return m.cfg.ResolveEnv(name)
	}
	return v
}

func (m *Manager) stop(ctx context.Context, inst *instance) {
	switch inst.cfg.Kind {
	case "docker":
		m.docker(ctx, "rm", "-f", containerName(inst.folder, inst.server))
	case "script":
		if inst.cmd != nil && inst.cmd.Process != nil {
			inst.cmd.Process.Kill()
		}
	}
	m.mu.Lock()
	inst.running = false
	inst.cmd = nil
	m.mu.Unlock()
}

// IdleSweep stops instances quiet for longer than their idle timeout.
// A zero timeout means never stop.
func (m *Manager) IdleSweep(ctx context.Context) {
	m.mu.Lock()
	var idle []*instance
	for _, inst := range m.instances {
		timeout := time.Duration(inst.cfg.IdleTimeoutSeconds) * time.Second
		if !inst.running || timeout <= 0 || inst.cfg.Kind == "url" {
			continue
		}
		if m.now().Sub(inst.lastActivity) > timeout {
			idle = append(idle, inst)
		}
	}
	m.mu.Unlock()

	for _, inst := range idle {
		m.log.Info("stopping idle mcp instance", "folder", inst.folder, "server", inst.server)
		m.stop(ctx, inst)
	}
}

// RunIdleChecker sweeps on an interval until ctx is done.
func (m *Manager) RunIdleChecker(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.IdleSweep(ctx)
		}
	}
}

// WarmUp pre-pulls every docker image any workspace might need, so the
// first lazy start does not pay the pull. Runs in the background.
func (m *Manager) WarmUp(ctx context.Context) {
	images := make(map[string]bool)
	for _, sc := range m.cfg.MCPServers {
		if sc.Kind == "docker" && sc.Image != "" {
			images[sc.Image] = true
		}
	}
	for image := range images {
		if _, err := m.docker(ctx, "pull", image); err != nil {
			m.log.Warn("mcp image pre-pull failed", "image", image, "error", err)
		}
	}
}

// StopAll tears down every running instance. Called at shutdown.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	var running []*instance
	for _, inst := range m.instances {
		if inst.running {
			running = append(running, inst)
		}
	}
	m.mu.Unlock()
	for _, inst := range running {
		m.stop(ctx, inst)
	}
}
