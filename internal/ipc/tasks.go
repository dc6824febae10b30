package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pynchy/pynchy/internal/herr"
	"github.com/pynchy/pynchy/pkg/protocol"
)

// ErrDeferredResponse tells the dispatcher not to write a response file:
// the handler (or another subsystem) will write responses/<request_id>.json
// itself once the real result is available.
var ErrDeferredResponse = errors.New("task response deferred")

// TaskContext is what a handler learns about a container task: which
// workspace wrote it, the parsed envelope, and the raw payload fields.
type TaskContext struct {
	Folder  string
	IsAdmin bool
	Task    protocol.Task
}

// TaskHandler processes one container task. The returned map, if any,
// is written to responses/<request_id>.json.
type TaskHandler func(ctx context.Context, tc TaskContext) (map[string]any, error)

// TaskDispatcher routes container task files by type. Signal types are
// bare {"type": ...} payloads restricted to admin workspaces; command
// handlers match exactly or by "prefix:" (longest prefix wins is not
// needed, first match by exact then prefix scan).
type TaskDispatcher struct {
	layout   Layout
	log      *slog.Logger
	isAdmin  func(folder string) bool
	signals  map[string]TaskHandler
	commands map[string]TaskHandler
	prefixes map[string]TaskHandler

	// WorkspaceJID resolves a folder to its own chat JID. Non-admin
	// tasks may only address that JID; admin workspaces may address any.
	WorkspaceJID func(folder string) string
}

// NewTaskDispatcher builds an empty dispatcher. isAdmin reports whether
// a workspace folder has admin privileges.
func NewTaskDispatcher(layout Layout, log *slog.Logger, isAdmin func(folder string) bool) *TaskDispatcher {
	return &TaskDispatcher{
		layout:   layout,
		log:      log,
		isAdmin:  isAdmin,
		signals:  make(map[string]TaskHandler),
		commands: make(map[string]TaskHandler),
		prefixes: make(map[string]TaskHandler),
	}
}

// HandleSignal registers an admin-only signal type.
func (d *TaskDispatcher) HandleSignal(typ string, h TaskHandler) { d.signals[typ] = h }

// HandleCommand registers a data-carrying command type.
func (d *TaskDispatcher) HandleCommand(typ string, h TaskHandler) { d.commands[typ] = h }

// HandlePrefix registers a handler for every type sharing a "name:" prefix.
func (d *TaskDispatcher) HandlePrefix(prefix string, h TaskHandler) { d.prefixes[prefix] = h }

// Dispatch parses and routes one task file. The file is unlinked on a
// successful parse; unparseable files are quarantined. A handler error
// is written back as an error response when the task has a request id.
func (d *TaskDispatcher) Dispatch(ctx context.Context, folder, path string) {
	task, err := readTaskFile(path)
	if err != nil {
		d.log.Error("unparseable task file", "folder", folder, "file", filepath.Base(path), "error", err)
		if qerr := d.layout.Quarantine(folder, path); qerr != nil {
			d.log.Error("quarantine failed", "file", path, "error", qerr)
		}
		return
	}

	tc := TaskContext{Folder: folder, IsAdmin: d.isAdmin(folder), Task: task}
	d.enforceChatTarget(&tc)
	result, err := d.route(ctx, tc)
	if errors.Is(err, ErrDeferredResponse) {
		return
	}
	if task.RequestID == "" {
		if err != nil {
			d.log.Error("task failed", "folder", folder, "type", task.Type, "error", err)
		}
		return
	}

	resp := protocol.TaskResponse{Result: result}
	if err != nil {
		resp.Error = err.Error()
	}
	respPath := filepath.Join(d.layout.Dir(folder, DirResponses), task.RequestID+".json")
	if werr := WriteJSON(respPath, resp); werr != nil {
		d.log.Error("task response write failed", "folder", folder, "request_id", task.RequestID, "error", werr)
	}
}

// enforceChatTarget pins a non-admin task to its own workspace chat.
// The chat_jid field comes straight from the container, so a workspace
// must not be able to reach another chat by writing a foreign JID.
func (d *TaskDispatcher) enforceChatTarget(tc *TaskContext) {
	if tc.IsAdmin || tc.Task.ChatJID == "" {
		return
	}
	own := ""
	if d.WorkspaceJID != nil {
		own = d.WorkspaceJID(tc.Folder)
	}
	if tc.Task.ChatJID != own {
		d.log.Warn("task addressed a foreign chat, pinned to own workspace",
			"folder", tc.Folder, "type", tc.Task.Type, "requested", tc.Task.ChatJID)
		tc.Task.ChatJID = own
	}
}

func (d *TaskDispatcher) route(ctx context.Context, tc TaskContext) (map[string]any, error) {
	typ := tc.Task.Type
	if h, ok := d.signals[typ]; ok {
		if !tc.IsAdmin {
			return nil, herr.New(herr.Unauthorized, "signal %q requires an admin workspace", typ)
		}
		return h(ctx, tc)
	}
	if h, ok := d.commands[typ]; ok {
		return h(ctx, tc)
	}
	if i := strings.IndexByte(typ, ':'); i > 0 {
		if h, ok := d.prefixes[typ[:i]]; ok {
			return h(ctx, tc)
		}
	}
	return nil, herr.New(herr.Validation, "unknown task type %q", typ)
}

// readTaskFile parses a task envelope plus its raw payload and unlinks
// the file on success.
func readTaskFile(path string) (protocol.Task, error) {
	var task protocol.Task
	data, err := os.ReadFile(path)
	if err != nil {
		return task, err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return task, herr.E(herr.ParseError, err)
	}
	typ, _ := raw["type"].(string)
	if typ == "" {
		return task, herr.New(herr.ParseError, "task missing type")
	}
	task.Type = typ
	task.RequestID, _ = raw["request_id"].(string)
	task.ChatJID, _ = raw["chat_jid"].(string)
	task.Data = raw
	if err := os.Remove(path); err != nil {
		return task, err
	}
	return task, nil
}
