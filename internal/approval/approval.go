// Package approval holds the file-backed pending state for human
// approvals and ask-user questions. Pending files live under the
// workspace's IPC tree so they survive container death and host
// restarts; resolution happens through chat commands, decision files,
// or channel callbacks.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pynchy/pynchy/internal/channels"
	"github.com/pynchy/pynchy/internal/herr"
	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/pkg/protocol"
)

const shortIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// Notifier is the outbound slice the approval machine needs.
type Notifier interface {
	SendHostMessage(ctx context.Context, chatJID, text string)
}

// Enqueuer re-runs a workspace message check. Satisfied by wsq.Queue.
type Enqueuer interface {
	EnqueueMessageCheck(chatJID string)
}

// Manager owns both pending state machines. The zero timeout defaults
// to ten minutes.
type Manager struct {
	layout ipc.Layout
	st     *store.Store
	mgr    *channels.Manager
	out    Notifier
	queue  Enqueuer
	log    *slog.Logger

	Timeout time.Duration

	// Execute runs the approved tool call for decisions that arrive
	// through the file path rather than a blocked in-flight request.
	Execute func(ctx context.Context, folder string, p protocol.PendingApproval) (map[string]any, error)

	// SessionAlive reports whether the workspace has a live container
	// that can consume a response file directly.
	SessionAlive func(folder string) bool

	mu      sync.Mutex
	waiters map[string]chan bool // request_id -> decision
}

func NewManager(layout ipc.Layout, st *store.Store, mgr *channels.Manager, out Notifier, queue Enqueuer, log *slog.Logger) *Manager {
	return &Manager{
		layout:  layout,
		st:      st,
		mgr:     mgr,
		out:     out,
		queue:   queue,
		log:     log,
		Timeout: 10 * time.Minute,
		waiters: make(map[string]chan bool),
	}
}

func (m *Manager) timeout() time.Duration {
	if m.Timeout > 0 {
		return m.Timeout
	}
	return 10 * time.Minute
}

// Create writes a pending approval and broadcasts the notification the
// user answers with "approve <id>" or "deny <id>". An empty requestID
// gets a generated one.
func (m *Manager) Create(ctx context.Context, folder, chatJID, tool, requestID string, data map[string]any) (protocol.PendingApproval, error) {
	if requestID == "" {
		requestID = uuid.Must(uuid.NewV7()).String()
	}
	shortID, err := m.newShortID(folder)
	if err != nil {
		return protocol.PendingApproval{}, err
	}
	p := protocol.PendingApproval{
		RequestID:   requestID,
		ShortID:     shortID,
		SourceGroup: folder,
		ChatJID:     chatJID,
		ToolName:    tool,
		RequestData: data,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	path := filepath.Join(m.layout.Dir(folder, ipc.DirPendingApprovals), requestID+".json")
	if err := ipc.WriteJSON(path, p); err != nil {
		return protocol.PendingApproval{}, err
	}

	text := fmt.Sprintf("🔐 Approval required for %s: approve %s / deny %s\n%s",
		tool, shortID, shortID, summarizePayload(data))
	m.out.SendHostMessage(ctx, chatJID, text)
	return p, nil
}

// Await blocks until the approval is decided, the timeout elapses, or
// ctx is done. Timeout writes the error response and drops the pending
// file so the container unblocks.
func (m *Manager) Await(ctx context.Context, folder, requestID string) (bool, error) {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.waiters[requestID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.waiters, requestID)
		m.mu.Unlock()
	}()

	timer := time.NewTimer(m.timeout())
	defer timer.Stop()
	select {
	case approved := <-ch:
		return approved, nil
	case <-timer.C:
		m.expire(folder, requestID)
		return false, herr.New(herr.ApprovalTimeout, "approval %s timed out", requestID)
	case <-ctx.Done():
		m.removePending(folder, requestID)
		return false, ctx.Err()
	}
}

// Resolve finds the workspace's pending approval by short id and writes
// the decision file. The watcher applies it; a second resolve for the
// same id fails because the pending file is already gone.
func (m *Manager) Resolve(ctx context.Context, folder, shortID string, approved bool) error {
	pendings, err := m.pendingApprovals(folder)
	if err != nil {
		return err
	}
	for _, p := range pendings {
		if p.ShortID != shortID {
			continue
		}
		path := filepath.Join(m.layout.Dir(folder, ipc.DirApprovalDecisions), p.RequestID+".json")
		return ipc.WriteJSON(path, protocol.ApprovalDecision{Approved: approved})
	}
	return herr.New(herr.NotFound, "no pending approval %q in %s", shortID, folder)
}

// ApplyDecision consumes one approval_decisions/ file. With a blocked
// in-flight request the waiter is signalled and writes its own result;
// otherwise the decision runs through Execute and the response file.
func (m *Manager) ApplyDecision(ctx context.Context, folder, path string) {
	var dec protocol.ApprovalDecision
	if err := ipc.ReadAndRemove(path, &dec); err != nil {
		m.log.Error("unreadable approval decision", "folder", folder, "file", filepath.Base(path), "error", err)
		if qerr := m.layout.Quarantine(folder, path); qerr != nil {
			m.log.Error("quarantine failed", "file", path, "error", qerr)
		}
		return
	}
	requestID := strings.TrimSuffix(filepath.Base(path), ".json")

	p, ok := m.takePending(folder, requestID)
	if !ok {
		// Orphan decision: the pending expired or was already resolved.
		m.log.Warn("decision without pending approval", "folder", folder, "request_id", requestID)
		return
	}

	m.mu.Lock()
	ch, waiting := m.waiters[requestID]
	m.mu.Unlock()
	if waiting {
		ch <- dec.Approved
		return
	}

	if !dec.Approved {
		m.writeResponse(folder, requestID, nil, fmt.Sprintf("request %s denied by user", p.ShortID))
		return
	}
	if m.Execute == nil {
		m.writeResponse(folder, requestID, nil, "no handler available for approved request")
		return
	}
	result, err := m.Execute(ctx, folder, p)
	if err != nil {
		m.writeResponse(folder, requestID, nil, err.Error())
		return
	}
	m.writeResponse(folder, requestID, result, "")
}

// Sweep expires pending approvals and questions older than the timeout
// and removes decision files that no longer match a pending request.
func (m *Manager) Sweep(ctx context.Context) {
	folders, err := m.layout.Folders()
	if err != nil {
		m.log.Error("approval sweep failed", "error", err)
		return
	}
	cutoff := time.Now().Add(-m.timeout())
	for _, folder := range folders {
		m.sweepApprovals(folder, cutoff)
		m.sweepQuestions(folder, cutoff)
		m.sweepOrphanDecisions(folder)
	}
}

func (m *Manager) sweepApprovals(folder string, cutoff time.Time) {
	pendings, err := m.pendingApprovals(folder)
	if err != nil {
		m.log.Error("pending approval scan failed", "folder", folder, "error", err)
		return
	}
	for _, p := range pendings {
		ts, err := time.Parse(time.RFC3339Nano, p.Timestamp)
		if err != nil || ts.After(cutoff) {
			continue
		}
		m.expire(folder, p.RequestID)
		m.log.Info("pending approval expired", "folder", folder, "request_id", p.RequestID, "tool", p.ToolName)
	}
}

func (m *Manager) sweepOrphanDecisions(folder string) {
	dir := m.layout.Dir(folder, ipc.DirApprovalDecisions)
	files, err := ipc.ListJSONSorted(dir)
	if err != nil {
		return
	}
	for _, f := range files {
		requestID := strings.TrimSuffix(filepath.Base(f), ".json")
		pendingPath := filepath.Join(m.layout.Dir(folder, ipc.DirPendingApprovals), requestID+".json")
		if _, err := os.Stat(pendingPath); err == nil {
			continue
		}
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			m.log.Error("orphan decision cleanup failed", "file", f, "error", err)
		}
	}
}

// expire drops a pending approval and writes the timeout error response.
func (m *Manager) expire(folder, requestID string) {
	m.removePending(folder, requestID)
	m.writeResponse(folder, requestID, nil, "approval request timed out")
}

func (m *Manager) removePending(folder, requestID string) {
	path := filepath.Join(m.layout.Dir(folder, ipc.DirPendingApprovals), requestID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		m.log.Error("pending approval remove failed", "file", path, "error", err)
	}
}

// takePending reads and unlinks the pending approval file.
func (m *Manager) takePending(folder, requestID string) (protocol.PendingApproval, bool) {
	path := filepath.Join(m.layout.Dir(folder, ipc.DirPendingApprovals), requestID+".json")
	var p protocol.PendingApproval
	if err := ipc.ReadAndRemove(path, &p); err != nil {
		return p, false
	}
	return p, true
}

func (m *Manager) pendingApprovals(folder string) ([]protocol.PendingApproval, error) {
	dir := m.layout.Dir(folder, ipc.DirPendingApprovals)
	files, err := ipc.ListJSONSorted(dir)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.PendingApproval, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var p protocol.PendingApproval
		if err := json.Unmarshal(data, &p); err != nil {
			m.log.Warn("unreadable pending approval", "file", f, "error", err)
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func (m *Manager) writeResponse(folder, requestID string, result map[string]any, errText string) {
	resp := protocol.TaskResponse{Result: result, Error: errText}
	path := filepath.Join(m.layout.Dir(folder, ipc.DirResponses), requestID+".json")
	if err := ipc.WriteJSON(path, resp); err != nil {
		m.log.Error("response write failed", "folder", folder, "request_id", requestID, "error", err)
	}
}

// newShortID picks a 2-char id avoiding the folder's currently-pending
// set. Collision avoidance is best-effort: after ten attempts the last
// candidate wins.
func (m *Manager) newShortID(folder string) (string, error) {
	taken := make(map[string]bool)
	approvals, err := m.pendingApprovals(folder)
	if err != nil {
		return "", err
	}
	for _, p := range approvals {
		taken[p.ShortID] = true
	}
	questions, err := m.pendingQuestions(folder)
	if err != nil {
		return "", err
	}
	for _, q := range questions {
		taken[q.ShortID] = true
	}

	var id string
	for i := 0; i < 10; i++ {
		id = string([]byte{
			shortIDAlphabet[rand.IntN(len(shortIDAlphabet))],
			shortIDAlphabet[rand.IntN(len(shortIDAlphabet))],
		})
		if !taken[id] {
			return id, nil
		}
	}
	return id, nil
}

// summarizePayload renders the request payload for the notification:
// internal routing fields are dropped, long values truncated.
func summarizePayload(data map[string]any) string {
	hidden := map[string]bool{
		"request_id": true, "type": true, "source_group": true,
		"chat_jid": true, "short_id": true,
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		if !hidden[k] {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return "(no details)"
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		v := fmt.Sprintf("%v", data[k])
		if len(v) > 200 {
			v = v[:200] + "…"
		}
		fmt.Fprintf(&b, "%s: %s", k, v)
	}
	return b.String()
}
