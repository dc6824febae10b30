package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pynchy/pynchy/internal/config"
)

type upstreamCall struct {
	path    string
	headers http.Header
}

func testProxy(t *testing.T, sec config.SecretsConfig) (*Proxy, *upstreamCall, *upstreamCall) {
	t.Helper()
	anthropic := &upstreamCall{}
	openai := &upstreamCall{}
	anthropicSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		anthropic.path = r.URL.Path
		anthropic.headers = r.Header.Clone()
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(anthropicSrv.Close)
	openaiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		openai.path = r.URL.Path
		openai.headers = r.Header.Clone()
		w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(openaiSrv.Close)

	cfg := config.Default()
	cfg.Secrets = sec
	p, err := NewProxy(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	p.AnthropicBase = anthropicSrv.URL
	p.OpenAIBase = openaiSrv.URL
	return p, anthropic, openai
}

func TestProxyRejectsWrongKey(t *testing.T) {
	p, _, _ := testProxy(t, config.SecretsConfig{AnthropicAPIKey: "sk-ant-real"})
	srv := httptest.NewServer(p)
	defer srv.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/v1/messages", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer gw-wrong")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestProxyInjectsAnthropicAPIKey(t *testing.T) {
	p, anthropic, _ := testProxy(t, config.SecretsConfig{AnthropicAPIKey: "sk-ant-real"})
	srv := httptest.NewServer(p)
	defer srv.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/v1/messages?beta=true", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+p.Key())
	req.Header.Set("Anthropic-Version", "2023-06-01")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if anthropic.path != "/v1/messages" {
		t.Errorf("upstream path = %q", anthropic.path)
	}
	if got := anthropic.headers.Get("X-Api-Key"); got != "sk-ant-real" {
		t.Errorf("x-api-key = %q", got)
	}
	if got := anthropic.headers.Get("Authorization"); got != "" {
		t.Errorf("ephemeral key leaked upstream: %q", got)
	}
	if got := anthropic.headers.Get("Anthropic-Version"); got != "2023-06-01" {
		t.Errorf("anthropic-version = %q, want pass-through", got)
	}
}

func TestProxyOAuthUsesBearer(t *testing.T) {
	p, anthropic, _ := testProxy(t, config.SecretsConfig{ClaudeOAuthToken: "sk-ant-oat01-x"})
	srv := httptest.NewServer(p)
	defer srv.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/v1/messages", strings.NewReader("{}"))
	req.Header.Set("X-Api-Key", p.Key())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := anthropic.headers.Get("Authorization"); got != "Bearer sk-ant-oat01-x" {
		t.Errorf("authorization = %q", got)
	}
	if got := anthropic.headers.Get("X-Api-Key"); got != "" {
		t.Errorf("x-api-key = %q, want empty in oauth mode", got)
	}
}

func TestProxyRoutesOpenAI(t *testing.T) {
	p, anthropic, openai := testProxy(t, config.SecretsConfig{
		AnthropicAPIKey: "sk-ant-real", OpenAIAPIKey: "sk-oai-real",
	})
	srv := httptest.NewServer(p)
	defer srv.Close()

	req, _ := http.NewRequest("POST", srv.URL+"/v1/chat/completions", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer "+p.Key())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if openai.path != "/v1/chat/completions" {
		t.Errorf("openai path = %q", openai.path)
	}
	if got := openai.headers.Get("Authorization"); got != "Bearer sk-oai-real" {
		t.Errorf("authorization = %q", got)
	}
	if anthropic.path != "" {
		t.Errorf("request also hit anthropic: %q", anthropic.path)
	}
}

func TestProxyUnknownPath(t *testing.T) {
	p, _, _ := testProxy(t, config.SecretsConfig{AnthropicAPIKey: "k"})
	srv := httptest.NewServer(p)
	defer srv.Close()

	req, _ := http.NewRequest("GET", srv.URL+"/admin", nil)
	req.Header.Set("X-Api-Key", p.Key())
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestEphemeralKeyShape(t *testing.T) {
	key, err := newEphemeralKey()
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(key, "gw-") {
		t.Errorf("key = %q", key)
	}
	if len(key) != len("gw-")+32 {
		t.Errorf("key length = %d, want 35", len(key))
	}
	other, _ := newEphemeralKey()
	if key == other {
		t.Error("two keys identical")
	}
}

func TestCollectCredentialsPrecedence(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	c := CollectCredentials(config.SecretsConfig{AnthropicAPIKey: "api", ClaudeOAuthToken: "oauth"})
	if c.Anthropic != "api" || c.AnthropicOAuth {
		t.Errorf("api key should win: %+v", c)
	}
	c = CollectCredentials(config.SecretsConfig{ClaudeOAuthToken: "oauth"})
	if c.Anthropic != "oauth" || !c.AnthropicOAuth {
		t.Errorf("oauth fallback: %+v", c)
	}
	c = CollectCredentials(config.SecretsConfig{})
	if c.Anthropic != "" {
		t.Errorf("no credentials expected, got %+v", c)
	}
}

func TestCollectCredentialsCLIFallback(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	dir := filepath.Join(home, ".claude")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	blob, _ := json.Marshal(map[string]any{
		"claudeAiOauth": map[string]any{"accessToken": "cli-token", "expiresAt": 0},
	})
	if err := os.WriteFile(filepath.Join(dir, ".credentials.json"), blob, 0o600); err != nil {
		t.Fatal(err)
	}

	c := CollectCredentials(config.SecretsConfig{})
	if c.Anthropic != "cli-token" || !c.AnthropicOAuth {
		t.Errorf("cli fallback: %+v", c)
	}
}
