package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Name != "pynchy" {
		t.Errorf("default agent name = %q", cfg.Agent.Name)
	}
	if cfg.Queue.MaxRetries != 3 {
		t.Errorf("default max_retries = %d", cfg.Queue.MaxRetries)
	}
	if cfg.WorkspaceDefaults.Trigger != "mention" {
		t.Errorf("default trigger = %q", cfg.WorkspaceDefaults.Trigger)
	}
}

func TestLoad_FullSections(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[agent]
name = "pynchy"
trigger_aliases = ["pyn"]

[container]
image = "pynchy-agent:dev"
timeout_ms = 120000
idle_timeout_ms = 60000

[workspaces.acme]
name = "Acme"
chat = "acme@g.us"
repo_access = "acme-repo"
git_policy = "pull-request"

[workspaces.ops]
name = "Ops"
chat = "ops@g.us"
is_admin = true

[workspaces.ops.security]
default_tier = "rules-engine"
max_calls_per_hour = 50

[workspaces.ops.security.tool_tiers]
x_post = "human-approval"

[cron_jobs.backup]
schedule = "0 3 * * *"
command = "tar czf /backups/data.tgz data"
timeout_seconds = 300
enabled = true

[repos."acme/widgets"]
path = "/srv/repos/widgets"

[connections.slack.main]
bot_token_env = "SLACK_BOT_TOKEN"
app_token_env = "SLACK_APP_TOKEN"
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ws := cfg.Workspaces["acme"]
	if ws.GitPolicy != "pull-request" || ws.RepoAccess != "acme-repo" {
		t.Errorf("acme workspace = %+v", ws)
	}
	ops := cfg.Workspaces["ops"]
	if !ops.IsAdmin {
		t.Error("ops should be admin")
	}
	if ops.Security.ToolTiers["x_post"] != "human-approval" {
		t.Errorf("tool tier = %q", ops.Security.ToolTiers["x_post"])
	}
	if cfg.CronJobs["backup"].TimeoutSeconds != 300 {
		t.Errorf("cron job = %+v", cfg.CronJobs["backup"])
	}
	if cfg.Repos["acme/widgets"].Path == "" {
		t.Error("repo path missing")
	}
	if cfg.Connections.Slack["main"].BotTokenEnv != "SLACK_BOT_TOKEN" {
		t.Error("slack connection missing")
	}
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
[container]
image = "x"
imgae_typo = "y"
`))
	if err == nil {
		t.Fatal("expected unknown-key error")
	}
}

func TestLoad_UnknownKeyInWorkspaceRejected(t *testing.T) {
	_, err := Load(writeConfig(t, `
[workspaces.acme]
name = "Acme"
not_a_field = true
`))
	if err == nil {
		t.Fatal("expected unknown-key error")
	}
}

func TestValidate_BadGitPolicy(t *testing.T) {
	_, err := Load(writeConfig(t, `
[workspaces.acme]
git_policy = "rebase-wildly"
`))
	if err == nil {
		t.Fatal("expected git_policy validation error")
	}
}

func TestValidate_BadTier(t *testing.T) {
	_, err := Load(writeConfig(t, `
[workspaces.acme.security.tool_tiers]
x_post = "yolo"
`))
	if err == nil {
		t.Fatal("expected tier validation error")
	}
}

func TestTriggerPattern(t *testing.T) {
	cfg := Default()
	cfg.Agent.Name = "pynchy"
	cfg.Agent.TriggerAliases = []string{"pyn"}
	pat := cfg.TriggerPattern()

	tests := []struct {
		text string
		want bool
	}{
		{"@pynchy summarize this", true},
		{"hey @Pynchy what's up", true},
		{"pynchy: do the thing", true},
		{"@pyn quick one", true},
		{"pynchyville is a place", false},
		{"no mention here", false},
	}
	for _, tt := range tests {
		if got := pat.MatchString(tt.text); got != tt.want {
			t.Errorf("match(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestEffectiveChannel_Cascade(t *testing.T) {
	cfg := Default()
	cfg.WorkspaceDefaults.Access = "read-write"
	cfg.WorkspaceDefaults.AllowedUsers = []string{"owner"}

	ws := &WorkspaceConfig{Trigger: "all"}
	conn := &ChannelSecurity{Access: "read"}
	chat := &ChannelSecurity{AllowedUsers: []string{"alice"}}

	eff := cfg.EffectiveChannel(ws, conn, chat)
	if eff.Access != "read" {
		t.Errorf("access = %q, want read (connection override)", eff.Access)
	}
	if eff.Trigger != "all" {
		t.Errorf("trigger = %q, want all (workspace override)", eff.Trigger)
	}
	if len(eff.AllowedUsers) != 1 || eff.AllowedUsers[0] != "alice" {
		t.Errorf("allowed_users = %v, want chat override", eff.AllowedUsers)
	}
}

func TestQueryTimeoutMs_Floor(t *testing.T) {
	cfg := Default()
	cfg.Container.TimeoutMs = 1000
	cfg.Container.IdleTimeoutMs = 60_000
	if got := cfg.QueryTimeoutMs("nope"); got != 90_000 {
		t.Errorf("timeout = %d, want idle+30s floor", got)
	}
}

func TestResolveEnv_DotEnvFallback(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MY_TOKEN=from-dotenv\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := Default()
	cfg.ProjectRoot = dir

	if got := cfg.ResolveEnv("MY_TOKEN"); got != "from-dotenv" {
		t.Errorf("ResolveEnv = %q", got)
	}
	t.Setenv("MY_TOKEN", "from-env")
	if got := cfg.ResolveEnv("MY_TOKEN"); got != "from-env" {
		t.Errorf("env should win, got %q", got)
	}
}
