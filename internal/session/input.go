package session

// MCPServerRef points the in-container agent at one MCP instance via
// the host's MCP proxy.
type MCPServerRef struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	Transport string `json:"transport,omitempty"`
}

// ContainerInput is the immutable boot payload written to
// ipc/<folder>/input/initial.json. The container reads it once on start.
type ContainerInput struct {
	Messages     string         `json:"messages"`
	GroupFolder  string         `json:"group_folder"`
	ChatJID      string         `json:"chat_jid"`
	IsAdmin      bool           `json:"is_admin"`
	SessionID    string         `json:"session_id,omitempty"`
	IsTask       bool           `json:"is_scheduled_task,omitempty"`
	Notices      []string       `json:"system_notices,omitempty"`
	RepoAccess   string         `json:"repo_access,omitempty"`
	AgentModule  string         `json:"agent_module,omitempty"`
	AgentClass   string         `json:"agent_class,omitempty"`
	LLMBaseURL   string         `json:"llm_base_url,omitempty"`
	LLMAPIKey    string         `json:"llm_api_key,omitempty"`
	MCPServers   []MCPServerRef `json:"mcp_servers,omitempty"`
	InvocationTS string         `json:"invocation_ts,omitempty"`
}

// ContainerSpec is everything the spawner needs to start one container.
type ContainerSpec struct {
	Name       string
	Image      string
	Folder     string
	Env        map[string]string
	Mounts     []Mount
	NetworkEnv bool // expose host.docker.internal
}

// Mount is one bind mount.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}
