// Package litellm manages the opt-in LiteLLM gateway mode: a Postgres
// container plus a LiteLLM container on a private docker network, with
// per-workspace teams and virtual keys.
package litellm

import (
	"bytes"
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/herr"
)

const (
	networkName       = "pynchy-litellm"
	postgresContainer = "pynchy-litellm-pg"
	litellmContainer  = "pynchy-litellm"
	teamCacheFile     = "mcp_teams.json"
	keysFile          = "keys.json"
)

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

// Keys are the secrets that must survive restarts: LiteLLM encrypts
// stored provider credentials with the salt key, so losing it orphans
// every secret in the database.
type Keys struct {
	MasterKey  string `json:"master_key"`
	SaltKey    string `json:"salt_key"`
	DBPassword string `json:"db_password"`
}

// Team is one workspace's LiteLLM identity.
type Team struct {
	TeamID     string `json:"team_id"`
	VirtualKey string `json:"virtual_key"`
}

// Manager owns the LiteLLM deployment lifecycle.
type Manager struct {
	cfg    *config.Config
	log    *slog.Logger
	docker DockerRunner
	client *http.Client

	// PGReady pings the managed Postgres. Injected for tests; the
	// default opens a pgx connection and pings.
	PGReady func(ctx context.Context, dsn string) error

	mu    sync.Mutex
	keys  Keys
	teams map[string]Team
}

func NewManager(cfg *config.Config, log *slog.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		log:     log,
		docker:  execDocker,
		client:  &http.Client{Timeout: 30 * time.Second},
		PGReady: pgPing,
		teams:   make(map[string]Team),
	}
}

func pgPing(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func (m *Manager) dir() string {
	return filepath.Join(m.cfg.DataDir(), "litellm")
}

// BaseURL is what containers use to reach LiteLLM.
func (m *Manager) BaseURL() string {
	host := m.cfg.Gateway.ContainerHost
	if host == "" {
		host = "host.docker.internal"
	}
	return fmt.Sprintf("http://%s:%d", host, m.cfg.Gateway.Port)
}

func (m *Manager) adminURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d", m.cfg.Gateway.Port)
}

// MasterKey returns the active master key after Start.
func (m *Manager) MasterKey() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys.MasterKey
}

// Start brings up Postgres and LiteLLM and waits for both to be ready.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.ensureKeys(); err != nil {
		return err
	}
	if err := m.loadTeams(); err != nil {
		return err
	}

	// Network create is idempotent in effect: "already exists" is fine.
	if out, err := m.docker(ctx, "network", "create", networkName); err != nil && !strings.Contains(out, "already exists") {
		return err
	}

	if err := m.startPostgres(ctx); err != nil {
		return err
	}
	if err := m.startLiteLLM(ctx); err != nil {
		return err
	}
	return m.waitHealthy(ctx)
}

func (m *Manager) startPostgres(ctx context.Context) error {
	m.docker(ctx, "rm", "-f", postgresContainer)
	image := m.cfg.Gateway.PostgresImage
	if image == "" {
		image = "postgres:16-alpine"
	}
	dataDir := filepath.Join(m.dir(), "pgdata")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return err
	}
	_, err := m.docker(ctx, "run", "-d",
		"--name", postgresContainer,
		"--network", networkName,
		"-e", "POSTGRES_USER=litellm",
		"-e", "POSTGRES_DB=litellm",
		"-e", "POSTGRES_PASSWORD="+m.keys.DBPassword,
		"-v", dataDir+":/var/lib/postgresql/data",
		"-p", "127.0.0.1:54320:5432",
		image)
	if err != nil {
		return err
	}

	dsn := fmt.Sprintf("postgres://litellm:%s@127.0.0.1:54320/litellm?sslmode=disable", m.keys.DBPassword)
	deadline := time.Now().Add(60 * time.Second)
	for {
		if err := m.PGReady(ctx, dsn); err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return herr.New(herr.BackendUnavailable, "litellm postgres never became ready")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

func (m *Manager) startLiteLLM(ctx context.Context) error {
	m.docker(ctx, "rm", "-f", litellmContainer)
	image := m.cfg.Gateway.LiteLLMImage
	if image == "" {
		image = "ghcr.io/berriai/litellm:main-stable"
	}

	refs, err := EnvRefs(m.cfg.Gateway.LiteLLMConfig)
	if err != nil {
		return err
	}

	args := []string{"run", "-d",
		"--name", litellmContainer,
		"--network", networkName,
		"-p", fmt.Sprintf("%s:%d:4000", m.cfg.Gateway.Bind, m.cfg.Gateway.Port),
		"-v", m.cfg.Gateway.LiteLLMConfig + ":/app/config.yaml:ro",
		"-e", "LITELLM_MASTER_KEY=" + m.keys.MasterKey,
		"-e", "LITELLM_SALT_KEY=" + m.keys.SaltKey,
		"-e", fmt.Sprintf("DATABASE_URL=postgres://litellm:%s@%s:5432/litellm", m.keys.DBPassword, postgresContainer),
	}
	if m.cfg.Gateway.UIUsername != "" {
		args = append(args, "-e", "UI_USERNAME="+m.cfg.Gateway.UIUsername, "-e", "UI_PASSWORD="+m.cfg.Gateway.UIPassword)
	}
	for _, name := range refs {
		val := m.cfg.ResolveEnv(name)
		if val == "" {
			m.log.Warn("litellm config references unset env var", "name", name)
			continue
		}
		args = append(args, "-e", name+"="+val)
	}
	args = append(args, image, "--config", "/app/config.yaml")

	_, err = m.docker(ctx, args...)
	return err
}

func (m *Manager) waitHealthy(ctx context.Context) error {
	url := m.adminURL() + "/health/liveliness"
	deadline := time.Now().Add(120 * time.Second)
	for {
		req, _ := http.NewRequestWithContext(ctx, "GET", url, nil)
		req.Header.Set("Authorization", "Bearer "+m.keys.MasterKey)
		resp, err := m.client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode < 500 {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return herr.New(herr.BackendUnavailable, "litellm never became healthy")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}

// Stop tears down both containers. The network and volumes stay.
func (m *Manager) Stop(ctx context.Context) {
	m.docker(ctx, "rm", "-f", litellmContainer)
	m.docker(ctx, "rm", "-f", postgresContainer)
}

// WorkspaceKey returns the workspace's virtual key, creating the team
// and key through the admin API on first use.
func (m *Manager) WorkspaceKey(ctx context.Context, folder string) (string, error) {
	m.mu.Lock()
	if team, ok := m.teams[folder]; ok {
		m.mu.Unlock()
		return team.VirtualKey, nil
	}
	m.mu.Unlock()

	teamID, err := m.adminPost(ctx, "/team/new", map[string]any{
		"team_alias": "pynchy-" + folder,
	}, "team_id")
	if err != nil {
		return "", fmt.Errorf("litellm team for %s: %w", folder, err)
	}
	key, err := m.adminPost(ctx, "/key/generate", map[string]any{
		"team_id":  teamID,
		"key_name": "pynchy-" + folder,
	}, "key")
	if err != nil {
		return "", fmt.Errorf("litellm key for %s: %w", folder, err)
	}

	m.mu.Lock()
	m.teams[folder] = Team{TeamID: teamID, VirtualKey: key}
	err = m.saveTeamsLocked()
	m.mu.Unlock()
	if err != nil {
		return "", err
	}
	return key, nil
}

func (m *Manager) adminPost(ctx context.Context, path string, body map[string]any, field string) (string, error) {
	blob, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", m.adminURL()+path, bytes.NewReader(blob))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+m.MasterKey())
	req.Header.Set("Content-Type", "application/json")
	resp, err := m.client.Do(req)
	if err != nil {
		return "", herr.E(herr.BackendUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", herr.New(herr.BackendUnavailable, "litellm admin %s: status %d", path, resp.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	val, _ := out[field].(string)
	if val == "" {
		return "", herr.New(herr.ParseError, "litellm admin %s: no %q in response", path, field)
	}
	return val, nil
}

func (m *Manager) ensureKeys() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	path := filepath.Join(m.dir(), keysFile)
	if raw, err := os.ReadFile(path); err == nil {
		return json.Unmarshal(raw, &m.keys)
	}
	m.keys = Keys{
		MasterKey:  m.cfg.Gateway.MasterKey,
		SaltKey:    randomSecret(),
		DBPassword: randomSecret(),
	}
	if m.keys.MasterKey == "" {
		m.keys.MasterKey = "sk-" + randomSecret()
	}
	if err := os.MkdirAll(m.dir(), 0o700); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(m.keys, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, blob, 0o600)
}

func randomSecret() string {
	raw := make([]byte, 24)
	rand.Read(raw)
	return base64.RawURLEncoding.EncodeToString(raw)
}

func (m *Manager) loadTeams() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := os.ReadFile(filepath.Join(m.dir(), teamCacheFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, &m.teams)
}

func (m *Manager) saveTeamsLocked() error {
	if err := os.MkdirAll(m.dir(), 0o700); err != nil {
		return err
	}
	blob, err := json.MarshalIndent(m.teams, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir(), teamCacheFile), blob, 0o600)
}
