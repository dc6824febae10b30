package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pynchy/pynchy/internal/config"
)

// Credentials are the real provider secrets the proxy injects upstream.
// Containers never see these; they get the ephemeral key instead.
type Credentials struct {
	Anthropic      string
	AnthropicOAuth bool // true when the credential is an OAuth token, not an API key
	OpenAI         string
}

// CollectCredentials resolves provider credentials in precedence order:
// explicit API key, then configured OAuth token, then the OAuth token
// stored by the Claude CLI on this host.
func CollectCredentials(sec config.SecretsConfig) Credentials {
	c := Credentials{OpenAI: sec.OpenAIAPIKey}
	switch {
	case sec.AnthropicAPIKey != "":
		c.Anthropic = sec.AnthropicAPIKey
	case sec.ClaudeOAuthToken != "":
		c.Anthropic = sec.ClaudeOAuthToken
		c.AnthropicOAuth = true
	default:
		if tok := cliOAuthToken(); tok != "" {
			c.Anthropic = tok
			c.AnthropicOAuth = true
		}
	}
	return c
}

// cliOAuthToken reads the Claude CLI credential file. Returns "" when
// the file is absent, unreadable, or the token is expired.
func cliOAuthToken() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	raw, err := os.ReadFile(filepath.Join(home, ".claude", ".credentials.json"))
	if err != nil {
		return ""
	}
	var f struct {
		ClaudeAiOauth struct {
			AccessToken string `json:"accessToken"`
			ExpiresAt   int64  `json:"expiresAt"` // unix millis
		} `json:"claudeAiOauth"`
	}
	if err := json.Unmarshal(raw, &f); err != nil {
		return ""
	}
	if f.ClaudeAiOauth.ExpiresAt > 0 && time.UnixMilli(f.ClaudeAiOauth.ExpiresAt).Before(time.Now()) {
		return ""
	}
	return f.ClaudeAiOauth.AccessToken
}
