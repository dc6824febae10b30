// Package protocol defines the wire shapes shared between the host, the
// in-container agent runtime, and the TUI client: IPC file payloads,
// output-event discriminants, and server-sent event names.
package protocol

// Output event types emitted by the agent container, one JSON object per
// file under ipc/<folder>/output/. The Type field is the discriminant.
const (
	OutputText       = "text"
	OutputThinking   = "thinking"
	OutputToolUse    = "tool_use"
	OutputToolResult = "tool_result"
	OutputSystem     = "system"
	OutputResult     = "result"
)

// Output event statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Message types stored in the messages table.
const (
	MessageUser         = "user"
	MessageAssistant    = "assistant"
	MessageSystem       = "system"
	MessageHost         = "host"
	MessageSystemNotice = "system_notice"
	MessageToolResult   = "tool_result"
)

// Event names broadcast on the internal event bus and mirrored over
// /api/events (SSE) and /ws.
const (
	EventMessage       = "message"
	EventAgentActivity = "agent_activity"
	EventAgentTrace    = "agent_trace"
	EventChatCleared   = "chat_cleared"
	EventShutdown      = "shutdown"
)

// OutputEvent is one agent output file. Filenames are monotonic timestamps;
// the host processes them in lexicographic order. The query-done pulse is
// {Status: "success", Type: "result", Result: nil, NewSessionID: "<sid>"}.
type OutputEvent struct {
	Status       string          `json:"status"`
	Type         string          `json:"type"`
	Text         string          `json:"text,omitempty"`
	Thinking     string          `json:"thinking,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolInput    map[string]any  `json:"tool_input,omitempty"`
	ToolResult   string          `json:"tool_result,omitempty"`
	Result       *map[string]any `json:"result"`
	NewSessionID string          `json:"new_session_id,omitempty"`
	Error        string          `json:"error,omitempty"`
}

// IsQueryDonePulse reports whether this event terminates one agent turn.
func (e *OutputEvent) IsQueryDonePulse() bool {
	return e.Type == OutputResult && e.Result == nil && e.Error == ""
}

// InputMessage is a queued message the host writes into ipc/<folder>/input/.
type InputMessage struct {
	Type string `json:"type"` // always "message"
	Text string `json:"text"`
}

// CloseSentinel is the filename of the empty file that closes the input
// channel. The container exits its wait loop when it appears.
const CloseSentinel = "_close"

// InitialInputFile is the boot-time input file name.
const InitialInputFile = "initial.json"

// Task is a container-originated command file under ipc/<folder>/tasks/.
// Type selects the handler; extra fields are command-specific and kept raw.
type Task struct {
	Type      string         `json:"type"`
	RequestID string         `json:"request_id,omitempty"`
	ChatJID   string         `json:"chat_jid,omitempty"`
	Data      map[string]any `json:"-"`
}

// TaskResponse is the host's reply to a blocking container task, written
// to ipc/<folder>/responses/<request_id>.json.
type TaskResponse struct {
	Result map[string]any `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// PendingApproval is the file-backed record of a human-approval request.
type PendingApproval struct {
	RequestID   string         `json:"request_id"`
	ShortID     string         `json:"short_id"`
	SourceGroup string         `json:"source_group"`
	ChatJID     string         `json:"chat_jid"`
	ToolName    string         `json:"tool_name"`
	RequestData map[string]any `json:"request_data,omitempty"`
	Timestamp   string         `json:"timestamp"`
}

// ApprovalDecision resolves a pending approval. Written by the in-chat
// command handler, consumed by the IPC watcher.
type ApprovalDecision struct {
	Approved bool `json:"approved"`
}

// Question is one ask-user question, optionally with preset options.
type Question struct {
	Question string   `json:"question"`
	Options  []string `json:"options,omitempty"`
}

// PendingQuestion is the file-backed record of an ask-user request.
type PendingQuestion struct {
	RequestID   string     `json:"request_id"`
	ShortID     string     `json:"short_id"`
	SourceGroup string     `json:"source_group"`
	ChatJID     string     `json:"chat_jid"`
	ChannelName string     `json:"channel_name"`
	SessionID   string     `json:"session_id,omitempty"`
	Questions   []Question `json:"questions"`
	MessageID   string     `json:"message_id,omitempty"`
	Timestamp   string     `json:"timestamp"`
}

// DeployContinuation is persisted before a self-deploy restart and consumed
// on the next boot. Parsed tolerantly (JSON5) because operators hand-edit it
// during recovery.
type DeployContinuation struct {
	PreviousCommitSHA string            `json:"previous_commit_sha"`
	CommitSHA         string            `json:"commit_sha"`
	CommitSubject     string            `json:"commit_subject,omitempty"`
	ResumePrompt      string            `json:"resume_prompt,omitempty"`
	ActiveSessions    map[string]string `json:"active_sessions,omitempty"`
	RollbackNote      string            `json:"rollback_note,omitempty"`
}
