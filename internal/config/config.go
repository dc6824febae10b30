// Package config holds the host configuration model. The file is TOML
// (config.toml in the project root); unknown keys in any section are
// rejected at load time. Secrets referenced by *_env keys resolve through
// the process environment with a .env fallback.
package config

import (
	"fmt"
	"regexp"
	"strings"
)

// Config is the root configuration for the Pynchy host.
type Config struct {
	Agent       AgentConfig           `mapstructure:"agent"`
	Container   ContainerConfig       `mapstructure:"container"`
	Server      ServerConfig          `mapstructure:"server"`
	Logging     LoggingConfig         `mapstructure:"logging"`
	Secrets     SecretsConfig         `mapstructure:"secrets"`
	Gateway     GatewayConfig         `mapstructure:"gateway"`
	Owner       OwnerConfig           `mapstructure:"owner"`
	Connections ConnectionsConfig     `mapstructure:"connections"`
	CommandCenter CommandCenterConfig `mapstructure:"command_center"`
	WorkspaceDefaults WorkspaceDefaults `mapstructure:"workspace_defaults"`
	Workspaces  map[string]WorkspaceConfig `mapstructure:"workspaces"`
	Commands    CommandsConfig        `mapstructure:"commands"`
	Scheduler   SchedulerConfig       `mapstructure:"scheduler"`
	CronJobs    map[string]CronJobConfig `mapstructure:"cron_jobs"`
	Intervals   IntervalsConfig       `mapstructure:"intervals"`
	Queue       QueueConfig           `mapstructure:"queue"`
	CalDAV      CalDAVConfig          `mapstructure:"caldav"`
	Security    SecurityConfig        `mapstructure:"security"`
	Directives  map[string]DirectiveConfig `mapstructure:"directives"`
	Repos       map[string]RepoConfig `mapstructure:"repos"`
	MCPServers  map[string]MCPServerConfig `mapstructure:"mcp_servers"`
	Telemetry   TelemetryConfig       `mapstructure:"telemetry"`

	// ProjectRoot is resolved at load time (PYNCHY_PROJECT_ROOT or the
	// config file's directory), never read from the file itself.
	ProjectRoot string `mapstructure:"-"`
}

// AgentConfig names the agent and selects its in-container core.
type AgentConfig struct {
	Name           string   `mapstructure:"name"`
	TriggerAliases []string `mapstructure:"trigger_aliases"`
	CoreModule     string   `mapstructure:"core_module"`
	CoreClass      string   `mapstructure:"core_class"`
}

// ContainerConfig controls the agent container runtime.
type ContainerConfig struct {
	Image         string `mapstructure:"image"`
	TimeoutMs     int    `mapstructure:"timeout_ms"`
	MaxOutputSize int    `mapstructure:"max_output_size"`
	IdleTimeoutMs int    `mapstructure:"idle_timeout_ms"`
	MaxConcurrent int    `mapstructure:"max_concurrent"`
	Runtime       string `mapstructure:"runtime"` // docker (default) or compatible
}

// ServerConfig is the local status/control HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig selects the slog level.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// SecretsConfig holds provider credentials. Any value may be a literal or
// empty with the matching env var set instead.
type SecretsConfig struct {
	AnthropicAPIKey  string `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey     string `mapstructure:"openai_api_key"`
	GitHubToken      string `mapstructure:"gh_token"`
	ClaudeOAuthToken string `mapstructure:"claude_oauth_token"`
}

// GatewayConfig configures the LLM gateway (built-in reverse proxy by
// default; LiteLLM mode when litellm_config is set).
type GatewayConfig struct {
	Port          int    `mapstructure:"port"`
	Bind          string `mapstructure:"bind"`
	ContainerHost string `mapstructure:"container_host"` // hostname containers use to reach the host
	LiteLLMConfig string `mapstructure:"litellm_config"` // path to litellm yaml; empty = built-in proxy
	LiteLLMImage  string `mapstructure:"litellm_image"`
	PostgresImage string `mapstructure:"postgres_image"`
	MasterKey     string `mapstructure:"master_key"`
	UIUsername    string `mapstructure:"ui_username"`
	UIPassword    string `mapstructure:"ui_password"`
	MCPPort       int    `mapstructure:"mcp_port"`
}

// OwnerConfig identifies the owner per platform, used by the "owner"
// allowed_users wildcard.
type OwnerConfig struct {
	Slack    string `mapstructure:"slack"`
	WhatsApp string `mapstructure:"whatsapp"`
	Telegram string `mapstructure:"telegram"`
	Discord  string `mapstructure:"discord"`
}

// ConnectionsConfig groups channel connections by platform.
type ConnectionsConfig struct {
	Slack    map[string]SlackConnection    `mapstructure:"slack"`
	WhatsApp map[string]WhatsAppConnection `mapstructure:"whatsapp"`
	Telegram map[string]TelegramConnection `mapstructure:"telegram"`
	Discord  map[string]DiscordConnection  `mapstructure:"discord"`
}

// ChannelSecurity is the per-connection (or per-chat) access override.
type ChannelSecurity struct {
	Access       string   `mapstructure:"access"` // read | write-only | read-write
	AllowedUsers []string `mapstructure:"allowed_users"`
	Trigger      string   `mapstructure:"trigger"`
}

// SlackConnection configures one Slack workspace connection.
type SlackConnection struct {
	BotTokenEnv string                     `mapstructure:"bot_token_env"`
	AppTokenEnv string                     `mapstructure:"app_token_env"`
	Security    *ChannelSecurity           `mapstructure:"security"`
	Chat        map[string]ChannelSecurity `mapstructure:"chat"`
}

// WhatsAppConnection configures one WhatsApp bridge connection.
type WhatsAppConnection struct {
	AuthDBPath string                     `mapstructure:"auth_db_path"`
	Security   *ChannelSecurity           `mapstructure:"security"`
	Chat       map[string]ChannelSecurity `mapstructure:"chat"`
}

// TelegramConnection configures one Telegram bot connection.
type TelegramConnection struct {
	TokenEnv string                     `mapstructure:"token_env"`
	Security *ChannelSecurity           `mapstructure:"security"`
	Chat     map[string]ChannelSecurity `mapstructure:"chat"`
}

// DiscordConnection configures one Discord bot connection.
type DiscordConnection struct {
	TokenEnv string                     `mapstructure:"token_env"`
	Security *ChannelSecurity           `mapstructure:"security"`
	Chat     map[string]ChannelSecurity `mapstructure:"chat"`
}

// CommandCenterConfig names the privileged admin connection.
type CommandCenterConfig struct {
	Connection string `mapstructure:"connection"`
}

// WorkspaceDefaults are inherited by every workspace unless overridden.
type WorkspaceDefaults struct {
	ContextMode  string   `mapstructure:"context_mode"` // group | isolated
	Access       string   `mapstructure:"access"`
	Mode         string   `mapstructure:"mode"`
	Trust        string   `mapstructure:"trust"`
	Trigger      string   `mapstructure:"trigger"` // "mention" or literal
	AllowedUsers []string `mapstructure:"allowed_users"`
}

// WorkspaceSecurity is the per-workspace MCP security profile.
type WorkspaceSecurity struct {
	ToolTiers       map[string]string `mapstructure:"tool_tiers"` // tool → always-approve | rules-engine | human-approval
	DefaultTier     string            `mapstructure:"default_tier"`
	MaxCallsPerHour int               `mapstructure:"max_calls_per_hour"`
	ToolRateLimits  map[string]int    `mapstructure:"tool_rate_limits"`
	AllowFilesystem bool              `mapstructure:"allow_filesystem"`
	AllowNetwork    bool              `mapstructure:"allow_network"`
}

// MCPServerConfig declares one MCP server ([mcp_servers.<name>]).
// Instances are started lazily when a workspace that lists the server
// runs a query.
type MCPServerConfig struct {
	Kind               string            `mapstructure:"kind"` // docker | script | url
	Image              string            `mapstructure:"image"`
	Command            string            `mapstructure:"command"`
	Args               []string          `mapstructure:"args"`
	Env                map[string]string `mapstructure:"env"`
	URL                string            `mapstructure:"url"` // kind=url: external endpoint
	Port               int               `mapstructure:"port"`
	Transport          string            `mapstructure:"transport"` // sse | streamable-http
	PublicSource       bool              `mapstructure:"public_source"`
	IdleTimeoutSeconds int               `mapstructure:"idle_timeout_seconds"` // 0 = never stop
}

// WorkspaceConfig is one registered workspace ([workspaces.<folder>]).
type WorkspaceConfig struct {
	Name         string             `mapstructure:"name"`
	Chat         string             `mapstructure:"chat"` // channel-native chat ref
	IsAdmin      bool               `mapstructure:"is_admin"`
	RepoAccess   string             `mapstructure:"repo_access"`
	Schedule     string             `mapstructure:"schedule"`
	Prompt       string             `mapstructure:"prompt"`
	ContextMode  string             `mapstructure:"context_mode"`
	Security     *WorkspaceSecurity `mapstructure:"security"`
	Skills       []string           `mapstructure:"skills"`
	MCPServers   []string           `mapstructure:"mcp_servers"`
	MCPKwargs    map[string]string  `mapstructure:"mcp_kwargs"`
	Access       string             `mapstructure:"access"`
	Mode         string             `mapstructure:"mode"`
	Trust        string             `mapstructure:"trust"`
	Trigger      string             `mapstructure:"trigger"`
	AllowedUsers []string           `mapstructure:"allowed_users"`
	GitPolicy    string             `mapstructure:"git_policy"` // merge-to-main (default) | pull-request
	IdleTerminate bool              `mapstructure:"idle_terminate"`
	TimeoutMs    int                `mapstructure:"timeout_ms"` // query timeout override
}

// CommandsConfig is the magic-command grammar. Verbs and nouns combine in
// either order; aliases match the whole message.
type CommandsConfig struct {
	ResetVerbs      []string `mapstructure:"reset_verbs"`
	ResetNouns      []string `mapstructure:"reset_nouns"`
	ResetAliases    []string `mapstructure:"reset_aliases"`
	EndVerbs        []string `mapstructure:"end_verbs"`
	EndNouns        []string `mapstructure:"end_nouns"`
	EndAliases      []string `mapstructure:"end_aliases"`
	RedeployAliases []string `mapstructure:"redeploy_aliases"`
}

// SchedulerConfig controls the task loop.
type SchedulerConfig struct {
	PollInterval int    `mapstructure:"poll_interval"` // seconds
	Timezone     string `mapstructure:"timezone"`      // empty = auto-detect
}

// CronJobConfig is a host-level shell job ([cron_jobs.<name>]).
type CronJobConfig struct {
	Schedule       string `mapstructure:"schedule"`
	Command        string `mapstructure:"command"`
	Cwd            string `mapstructure:"cwd"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	Enabled        bool   `mapstructure:"enabled"`
}

// IntervalsConfig are the host polling intervals in seconds.
type IntervalsConfig struct {
	MessagePoll float64 `mapstructure:"message_poll"`
	IPCPoll     float64 `mapstructure:"ipc_poll"`
}

// QueueConfig controls per-workspace retry policy.
type QueueConfig struct {
	MaxRetries       int     `mapstructure:"max_retries"`
	BaseRetrySeconds float64 `mapstructure:"base_retry_seconds"`
}

// CalDAVConfig groups CalDAV servers.
type CalDAVConfig struct {
	Servers map[string]CalDAVServer `mapstructure:"servers"`
}

// CalDAVServer is one configured CalDAV endpoint.
type CalDAVServer struct {
	URL             string   `mapstructure:"url"`
	Username        string   `mapstructure:"username"`
	Password        string   `mapstructure:"password"`
	DefaultCalendar string   `mapstructure:"default_calendar"`
	Allow           []string `mapstructure:"allow"`
	Ignore          []string `mapstructure:"ignore"`
}

// SecurityConfig holds host-level blocked patterns.
type SecurityConfig struct {
	BlockedFilePatterns []string `mapstructure:"blocked_file_patterns"`
	BlockedPathPatterns []string `mapstructure:"blocked_path_patterns"`
}

// DirectiveConfig maps a system-prompt directive file to a scope.
type DirectiveConfig struct {
	File  string   `mapstructure:"file"`
	Scope []string `mapstructure:"scope"` // workspace folders, "all", or repo slugs
}

// RepoConfig is one tracked git repository ([repos."owner/repo"]).
type RepoConfig struct {
	Path    string `mapstructure:"path"`
	GHToken string `mapstructure:"gh_token"`
}

// TelemetryConfig configures OTLP trace export.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Protocol    string `mapstructure:"protocol"` // grpc (default) or http
	Insecure    bool   `mapstructure:"insecure"`
	ServiceName string `mapstructure:"service_name"`
}

// TriggerPattern compiles the case-insensitive word-boundary pattern that
// matches @<name> and any configured alias.
func (c *Config) TriggerPattern() *regexp.Regexp {
	names := []string{regexp.QuoteMeta(c.Agent.Name)}
	for _, a := range c.Agent.TriggerAliases {
		if a != "" {
			names = append(names, regexp.QuoteMeta(a))
		}
	}
	pat := fmt.Sprintf(`(?i)(^|\W)@?(%s)\b`, strings.Join(names, "|"))
	return regexp.MustCompile(pat)
}

// WorkspaceByJID finds the workspace whose chat ref or folder matches jid.
func (c *Config) WorkspaceByJID(jid string) (string, *WorkspaceConfig) {
	for folder, ws := range c.Workspaces {
		if ws.Chat == jid || folder == jid {
			w := ws
			return folder, &w
		}
	}
	return "", nil
}

// EffectiveChannel resolves the channel security cascade for one workspace
// on one connection: defaults → workspace overrides → per-chat override.
func (c *Config) EffectiveChannel(ws *WorkspaceConfig, connSecurity *ChannelSecurity, chatOverride *ChannelSecurity) ChannelSecurity {
	eff := ChannelSecurity{
		Access:       c.WorkspaceDefaults.Access,
		AllowedUsers: c.WorkspaceDefaults.AllowedUsers,
		Trigger:      c.WorkspaceDefaults.Trigger,
	}
	apply := func(o *ChannelSecurity) {
		if o == nil {
			return
		}
		if o.Access != "" {
			eff.Access = o.Access
		}
		if len(o.AllowedUsers) > 0 {
			eff.AllowedUsers = o.AllowedUsers
		}
		if o.Trigger != "" {
			eff.Trigger = o.Trigger
		}
	}
	if ws != nil {
		apply(&ChannelSecurity{Access: ws.Access, AllowedUsers: ws.AllowedUsers, Trigger: ws.Trigger})
	}
	apply(connSecurity)
	apply(chatOverride)
	if eff.Access == "" {
		eff.Access = "read-write"
	}
	return eff
}
