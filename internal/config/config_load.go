package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Default returns a Config with the defaults the host assumes when a
// section is absent.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:       "pynchy",
			CoreModule: "pynchy_agent.core",
			CoreClass:  "ClaudeAgentCore",
		},
		Container: ContainerConfig{
			Image:         "pynchy-agent:latest",
			TimeoutMs:     600_000,
			MaxOutputSize: 1 << 20,
			IdleTimeoutMs: 300_000,
			MaxConcurrent: 4,
			Runtime:       "docker",
		},
		Server:  ServerConfig{Port: 18900},
		Logging: LoggingConfig{Level: "info"},
		Gateway: GatewayConfig{
			Port:          18901,
			Bind:          "0.0.0.0",
			ContainerHost: "host.docker.internal",
			LiteLLMImage:  "ghcr.io/berriai/litellm:main-stable",
			PostgresImage: "postgres:16-alpine",
			MCPPort:       18902,
		},
		WorkspaceDefaults: WorkspaceDefaults{
			ContextMode:  "group",
			Access:       "read-write",
			Trigger:      "mention",
			AllowedUsers: []string{"owner"},
		},
		Commands: CommandsConfig{
			ResetVerbs:      []string{"reset", "clear", "new"},
			ResetNouns:      []string{"context", "chat", "session", "convo", "conversation"},
			ResetAliases:    []string{"boom", "c"},
			EndVerbs:        []string{"end", "close", "stop"},
			EndNouns:        []string{"session", "chat"},
			EndAliases:      []string{"done", "bye", "cya"},
			RedeployAliases: []string{"r", "redeploy", "deploy"},
		},
		Scheduler: SchedulerConfig{PollInterval: 30},
		Intervals: IntervalsConfig{MessagePoll: 2, IPCPoll: 1},
		Queue:     QueueConfig{MaxRetries: 3, BaseRetrySeconds: 5},
		Telemetry: TelemetryConfig{Protocol: "grpc", ServiceName: "pynchy-host"},
	}
}

// Load reads config.toml, rejecting unknown keys, then resolves the
// project root and secret env indirections.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file") {
			cfg.ProjectRoot = resolveProjectRoot(filepath.Dir(path))
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	// UnmarshalExact errors on any key not present in the model — the
	// load-time unknown-key rejection contract.
	if err := v.UnmarshalExact(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ProjectRoot = resolveProjectRoot(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.resolveSecrets()
	return cfg, nil
}

func resolveProjectRoot(dir string) string {
	if v := os.Getenv("PYNCHY_PROJECT_ROOT"); v != "" {
		return v
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return dir
	}
	return abs
}

// Validate checks cross-field constraints that the decoder cannot.
func (c *Config) Validate() error {
	for folder, ws := range c.Workspaces {
		if strings.ContainsAny(folder, "/\\ ") {
			return fmt.Errorf("workspaces.%s: folder must be a slug", folder)
		}
		if ws.GitPolicy != "" && ws.GitPolicy != "merge-to-main" && ws.GitPolicy != "pull-request" {
			return fmt.Errorf("workspaces.%s: unknown git_policy %q", folder, ws.GitPolicy)
		}
		if ws.ContextMode != "" && ws.ContextMode != "group" && ws.ContextMode != "isolated" {
			return fmt.Errorf("workspaces.%s: unknown context_mode %q", folder, ws.ContextMode)
		}
		if ws.Security != nil {
			for tool, tier := range ws.Security.ToolTiers {
				switch tier {
				case "always-approve", "rules-engine", "human-approval":
				default:
					return fmt.Errorf("workspaces.%s: tool %q has unknown tier %q", folder, tool, tier)
				}
			}
		}
	}
	for name, job := range c.CronJobs {
		if job.Command == "" {
			return fmt.Errorf("cron_jobs.%s: command is required", name)
		}
		if job.Schedule == "" {
			return fmt.Errorf("cron_jobs.%s: schedule is required", name)
		}
	}
	for slug, repo := range c.Repos {
		if repo.Path == "" {
			return fmt.Errorf("repos.%s: path is required", slug)
		}
	}
	return nil
}

// resolveSecrets fills literal secret fields from env vars when empty.
// Connection *_env indirections are resolved lazily via ResolveEnv.
func (c *Config) resolveSecrets() {
	envStr := func(key string, dst *string) {
		if *dst == "" {
			*dst = os.Getenv(key)
		}
	}
	envStr("ANTHROPIC_API_KEY", &c.Secrets.AnthropicAPIKey)
	envStr("OPENAI_API_KEY", &c.Secrets.OpenAIAPIKey)
	envStr("GH_TOKEN", &c.Secrets.GitHubToken)
	envStr("CLAUDE_CODE_OAUTH_TOKEN", &c.Secrets.ClaudeOAuthToken)
}

// ResolveEnv resolves a *_env indirection: process environment first, then
// the project root's .env file. Returns "" when the name is unset anywhere.
func (c *Config) ResolveEnv(name string) string {
	if name == "" {
		return ""
	}
	if v := os.Getenv(name); v != "" {
		return v
	}
	envPath := filepath.Join(c.ProjectRoot, ".env")
	vals, err := godotenv.Read(envPath)
	if err != nil {
		return ""
	}
	return vals[name]
}

// DataDir returns <project_root>/data.
func (c *Config) DataDir() string { return filepath.Join(c.ProjectRoot, "data") }

// IPCDir returns the IPC root, data/ipc.
func (c *Config) IPCDir() string { return filepath.Join(c.DataDir(), "ipc") }

// GroupsDir returns the workspace scratch root, groups/.
func (c *Config) GroupsDir() string { return filepath.Join(c.ProjectRoot, "groups") }

// WorktreesDir returns the git worktree root, worktrees/.
func (c *Config) WorktreesDir() string { return filepath.Join(c.ProjectRoot, "worktrees") }

// DBPath returns the sqlite state store path.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir(), "pynchy.db") }

// LiteLLMMode reports whether the gateway runs in LiteLLM mode.
func (c *Config) LiteLLMMode() bool { return c.Gateway.LiteLLMConfig != "" }

// AdminWorkspaces returns the folders flagged is_admin.
func (c *Config) AdminWorkspaces() []string {
	var out []string
	for folder, ws := range c.Workspaces {
		if ws.IsAdmin {
			out = append(out, folder)
		}
	}
	return out
}

// QueryTimeoutMs resolves the effective query timeout for a workspace:
// workspace override, else container default, floored at idle + 30s.
func (c *Config) QueryTimeoutMs(folder string) int {
	t := c.Container.TimeoutMs
	if ws, ok := c.Workspaces[folder]; ok && ws.TimeoutMs > 0 {
		t = ws.TimeoutMs
	}
	if floor := c.Container.IdleTimeoutMs + 30_000; t < floor {
		t = floor
	}
	return t
}
