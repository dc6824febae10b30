package mcprun

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/herr"
)

func testManagerWith(t *testing.T, servers map[string]config.MCPServerConfig, workspaces map[string]config.WorkspaceConfig) (*Manager, *[][]string) {
	t.Helper()
	cfg := config.Default()
	cfg.ProjectRoot = t.TempDir()
	cfg.MCPServers = servers
	cfg.Workspaces = workspaces
	cfg.Gateway.MCPPort = 18300

	m := NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	runs := &[][]string{}
	m.docker = func(ctx context.Context, args ...string) (string, error) {
		*runs = append(*runs, args)
		return "", nil
	}
	m.HealthCheck = func(ctx context.Context, url string) error { return nil }
	return m, runs
}

func fetcherConfig() map[string]config.MCPServerConfig {
	return map[string]config.MCPServerConfig{
		"fetcher": {
			Kind: "docker", Image: "pynchy/mcp-fetcher:latest", Port: 9101,
			PublicSource: true, IdleTimeoutSeconds: 60,
		},
	}
}

func acmeWorkspace() map[string]config.WorkspaceConfig {
	return map[string]config.WorkspaceConfig{
		"acme": {Name: "Acme", MCPServers: []string{"fetcher"}},
	}
}

func dockerCalled(runs [][]string, prefix ...string) bool {
	for _, args := range runs {
		if len(args) < len(prefix) {
			continue
		}
		match := true
		for i, p := range prefix {
			if args[i] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestBackendStartsLazily(t *testing.T) {
	m, runs := testManagerWith(t, fetcherConfig(), acmeWorkspace())

	b, err := m.Backend(context.Background(), "acme", "fetcher")
	if err != nil {
		t.Fatal(err)
	}
	if b.URL != "http://127.0.0.1:9101" {
		t.Errorf("backend url = %q", b.URL)
	}
	if !b.PublicSource {
		t.Error("public_source not carried")
	}
	if !dockerCalled(*runs, "rm", "-f", "pynchy-mcp-acme-fetcher") {
		t.Error("stale container not removed before start")
	}
	if !dockerCalled(*runs, "run", "-d", "--name", "pynchy-mcp-acme-fetcher") {
		t.Errorf("no docker run: %v", *runs)
	}

	// Second use reuses the running instance.
	before := len(*runs)
	if _, err := m.Backend(context.Background(), "acme", "fetcher"); err != nil {
		t.Fatal(err)
	}
	if len(*runs) != before {
		t.Errorf("second Backend call restarted the instance: %v", (*runs)[before:])
	}
}

func TestBackendUnknownServer(t *testing.T) {
	m, _ := testManagerWith(t, fetcherConfig(), acmeWorkspace())
	_, err := m.Backend(context.Background(), "acme", "nope")
	if !herr.Is(err, herr.NotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestFailedHealthCheckTearsDown(t *testing.T) {
	m, runs := testManagerWith(t, fetcherConfig(), acmeWorkspace())
	m.HealthCheck = func(ctx context.Context, url string) error {
		return herr.New(herr.BackendUnavailable, "no answer")
	}

	if _, err := m.Backend(context.Background(), "acme", "fetcher"); err == nil {
		t.Fatal("expected error")
	}
	// rm once before start, once on teardown.
	count := 0
	for _, args := range *runs {
		if len(args) >= 2 && args[0] == "rm" && args[1] == "-f" {
			count++
		}
	}
	if count != 2 {
		t.Errorf("rm -f called %d times, want 2", count)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.instances["acme/fetcher"].running {
		t.Error("instance marked running after failed health check")
	}
}

func TestURLKindNeedsNoStart(t *testing.T) {
	servers := map[string]config.MCPServerConfig{
		"remote": {Kind: "url", URL: "https://mcp.example.com/rpc"},
	}
	workspaces := map[string]config.WorkspaceConfig{
		"acme": {MCPServers: []string{"remote"}},
	}
	m, runs := testManagerWith(t, servers, workspaces)

	b, err := m.Backend(context.Background(), "acme", "remote")
	if err != nil {
		t.Fatal(err)
	}
	if b.URL != "https://mcp.example.com/rpc" {
		t.Errorf("url = %q", b.URL)
	}
	if len(*runs) != 0 {
		t.Errorf("docker used for url kind: %v", *runs)
	}
}

func TestIdleSweepStopsQuietInstances(t *testing.T) {
	m, runs := testManagerWith(t, fetcherConfig(), acmeWorkspace())
	now := time.Now()
	m.now = func() time.Time { return now }

	if _, err := m.Backend(context.Background(), "acme", "fetcher"); err != nil {
		t.Fatal(err)
	}

	m.now = func() time.Time { return now.Add(30 * time.Second) }
	m.IdleSweep(context.Background())
	m.mu.Lock()
	running := m.instances["acme/fetcher"].running
	m.mu.Unlock()
	if !running {
		t.Fatal("instance stopped before idle timeout")
	}

	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	before := len(*runs)
	m.IdleSweep(context.Background())
	m.mu.Lock()
	running = m.instances["acme/fetcher"].running
	m.mu.Unlock()
	if running {
		t.Fatal("instance still running after idle timeout")
	}
	if len(*runs) == before {
		t.Error("no docker rm on idle stop")
	}
}

func TestIdleSweepZeroTimeoutNeverStops(t *testing.T) {
	servers := fetcherConfig()
	fc := servers["fetcher"]
	fc.IdleTimeoutSeconds = 0
	servers["fetcher"] = fc
	m, _ := testManagerWith(t, servers, acmeWorkspace())
	now := time.Now()
	m.now = func() time.Time { return now }

	if _, err := m.Backend(context.Background(), "acme", "fetcher"); err != nil {
		t.Fatal(err)
	}
	m.now = func() time.Time { return now.Add(24 * time.Hour) }
	m.IdleSweep(context.Background())

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.instances["acme/fetcher"].running {
		t.Error("zero idle timeout instance was stopped")
	}
}

func TestServerConfigsPointAtProxy(t *testing.T) {
	m, _ := testManagerWith(t, fetcherConfig(), acmeWorkspace())

	refs := m.ServerConfigs("acme", "1700000000123")
	if len(refs) != 1 {
		t.Fatalf("refs = %v", refs)
	}
	want := m.ProxyBase + "/mcp/acme/1700000000123/fetcher"
	if refs[0].URL != want {
		t.Errorf("url = %q, want %q", refs[0].URL, want)
	}
	if refs[0].Transport != "streamable-http" {
		t.Errorf("transport = %q", refs[0].Transport)
	}
	if refs[0].Name != "fetcher" {
		t.Errorf("name = %q", refs[0].Name)
	}
}

func TestWarmUpPullsEachImageOnce(t *testing.T) {
	servers := fetcherConfig()
	servers["fetcher2"] = config.MCPServerConfig{Kind: "docker", Image: "pynchy/mcp-fetcher:latest", Port: 9102}
	servers["remote"] = config.MCPServerConfig{Kind: "url", URL: "https://x"}
	m, runs := testManagerWith(t, servers, acmeWorkspace())

	m.WarmUp(context.Background())

	pulls := 0
	for _, args := range *runs {
		if args[0] == "pull" {
			pulls++
			if args[1] != "pynchy/mcp-fetcher:latest" {
				t.Errorf("pulled %q", args[1])
			}
		}
	}
	if pulls != 1 {
		t.Errorf("pulls = %d, want 1 (deduplicated)", pulls)
	}
}

func TestResolveEnvValue(t *testing.T) {
	m, _ := testManagerWith(t, fetcherConfig(), acmeWorkspace())
	t.Setenv("FETCHER_TOKEN", "tok-123")

	if got := m.resolveEnvValue("env:FETCHER_TOKEN"); got != "tok-123" {
		t.Errorf("indirection = %q", got)
	}
	if got := m.resolveEnvValue("literal-value"); got != "literal-value" {
		t.Errorf("literal = %q", got)
	}
	if got := m.resolveEnvValue("env:UNSET_VAR_XYZ"); got != "" {
		t.Errorf("unset = %q", got)
	}
}
