// Package router converts the ordered inbound message stream into
// per-workspace agent activations: a single poll loop, a persisted
// cursor, and the routing decision that gates, intercepts, and
// dispatches each workspace's new messages.
package router

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/config"
	"github.com/pynchy/pynchy/internal/session"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/internal/wsq"
	"github.com/pynchy/pynchy/pkg/protocol"
)

// SessionRunner is the slice of the session manager the router needs.
type SessionRunner interface {
	RunQuery(ctx context.Context, req session.QueryRequest) error
	Destroy(ctx context.Context, folder string)
}

// Notifier is the slice of the outbound bus the router needs.
type Notifier interface {
	BroadcastFormatted(ctx context.Context, chatJID, text string, opts bus.BroadcastOpts) (map[string]string, error)
	SendHostMessage(ctx context.Context, chatJID, text string)
	SendSystemNotice(ctx context.Context, chatJID, text string)
}

// Approvals resolves pending approvals by short id.
type Approvals interface {
	Resolve(ctx context.Context, folder, shortID string, approved bool) error
}

// Router owns the message poll loop and cursor state.
type Router struct {
	cfg      *config.Config
	store    *store.Store
	log      *slog.Logger
	queue    *wsq.Queue
	reg      *wsq.Registry
	sessions SessionRunner
	out      Notifier

	// Optional collaborators, wired at boot.
	Approvals Approvals
	Deploy    func(ctx context.Context) error
	React     func(ctx context.Context, chatJID, messageID, emoji string)
	Catchup   func(ctx context.Context)

	CatchupInterval time.Duration

	mu         sync.Mutex
	state      store.RouterState
	dispatched map[string]time.Time // in-memory over-advance, reset on restart
}

// New builds a router. SetQueue must be called before Run.
func New(cfg *config.Config, st *store.Store, log *slog.Logger, reg *wsq.Registry, sessions SessionRunner, out Notifier) *Router {
	return &Router{
		cfg:             cfg,
		store:           st,
		log:             log,
		reg:             reg,
		sessions:        sessions,
		out:             out,
		CatchupInterval: 10 * time.Second,
		dispatched:      make(map[string]time.Time),
	}
}

// SetQueue attaches the per-workspace queue whose Runner should be
// RunMessageCheck.
func (r *Router) SetQueue(q *wsq.Queue) { r.queue = q }

// Run polls at intervals.message_poll until ctx is done. A fresh
// database starts the cursor at "now" so history is not replayed.
func (r *Router) Run(ctx context.Context) error {
	st, err := r.store.LoadRouterState()
	if err != nil {
		return err
	}
	if st.LastTimestamp.IsZero() {
		st.LastTimestamp = time.Now()
	}
	r.mu.Lock()
	r.state = st
	r.mu.Unlock()

	interval := time.Duration(r.cfg.Intervals.MessagePoll * float64(time.Second))
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastCatchup := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.Tick(ctx)
			if r.Catchup != nil && time.Since(lastCatchup) >= r.CatchupInterval {
				r.Catchup(ctx)
				lastCatchup = time.Now()
			}
		}
	}
}

// Tick runs one poll pass: read new messages past the cursor, persist
// the advanced cursor before routing, then route per chat.
func (r *Router) Tick(ctx context.Context) {
	workspaces, err := r.store.Workspaces()
	if err != nil {
		r.log.Error("workspace list failed", "error", err)
		return
	}
	if len(workspaces) == 0 {
		return
	}
	byJID := make(map[string]*store.Workspace, len(workspaces))
	jids := make([]string, 0, len(workspaces))
	for i := range workspaces {
		w := &workspaces[i]
		byJID[w.JID] = w
		jids = append(jids, w.JID)
	}

	r.mu.Lock()
	after, afterID := r.state.LastTimestamp, r.state.LastTimestampID
	r.mu.Unlock()

	msgs, err := r.store.MessagesSince(after, afterID, jids)
	if err != nil {
		r.log.Error("message poll failed", "error", err)
		return
	}
	if len(msgs) == 0 {
		return
	}

	// Persist the cursor before routing: the same rows must never be
	// re-observed, even if routing crashes mid-way.
	last := msgs[len(msgs)-1]
	r.mu.Lock()
	r.state.LastTimestamp = last.Timestamp
	r.state.LastTimestampID = last.ID
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	if err := r.store.SaveRouterState(snapshot); err != nil {
		r.log.Error("cursor persist failed", "error", err)
		return
	}

	batches := make(map[string][]store.Message)
	order := []string{}
	for _, m := range msgs {
		if _, seen := batches[m.ChatJID]; !seen {
			order = append(order, m.ChatJID)
		}
		batches[m.ChatJID] = append(batches[m.ChatJID], m)
	}
	for _, jid := range order {
		r.routeBatch(ctx, byJID[jid], batches[jid])
	}
}

func (r *Router) snapshotLocked() store.RouterState {
	cp := store.RouterState{
		LastTimestamp:   r.state.LastTimestamp,
		LastTimestampID: r.state.LastTimestampID,
		AgentTimestamps: make(map[string]time.Time, len(r.state.AgentTimestamps)),
	}
	for k, v := range r.state.AgentTimestamps {
		cp.AgentTimestamps[k] = v
	}
	return cp
}

func (r *Router) routeBatch(ctx context.Context, ws *store.Workspace, batch []store.Message) {
	if ws == nil || len(batch) == 0 {
		return
	}
	jid := ws.JID
	var wsCfg *config.WorkspaceConfig
	if w, ok := r.cfg.Workspaces[ws.Folder]; ok {
		wsCfg = &w
	}
	eff := r.cfg.EffectiveChannel(wsCfg, nil, nil)

	// 1. Access: read and write-only chats never activate the agent.
	if eff.Access == "read" || eff.Access == "write-only" {
		return
	}

	// 2. Sender filter. Agent and host output never re-triggers routing.
	allowed := batch[:0:0]
	for _, m := range batch {
		if m.MessageType == protocol.MessageAssistant || m.MessageType == protocol.MessageHost {
			continue
		}
		if r.senderAllowed(eff.AllowedUsers, m) {
			allowed = append(allowed, m)
		}
	}
	if len(allowed) == 0 {
		return
	}
	lastMsg := allowed[len(allowed)-1]
	cmd := ParseCommand(r.cfg.Commands, lastMsg.Content)

	// 3. Trigger gate.
	if !ws.IsAdmin && eff.Trigger == "mention" {
		if !r.batchMentions(allowed) && cmd.Kind == CmdNone {
			return
		}
	}

	// 4. Pending messages since the true agent cursor, or the in-memory
	// over-advance when a dispatch is already in flight.
	r.mu.Lock()
	since := r.state.AgentTimestamps[jid]
	if d := r.dispatched[jid]; d.After(since) {
		since = d
	}
	r.mu.Unlock()
	pending, err := r.store.MessagesForChatAfter(jid, since)
	if err != nil {
		r.log.Error("pending load failed", "jid", jid, "error", err)
		return
	}
	if len(pending) == 0 {
		return
	}

	// 5. Notices alone never wake a cold workspace.
	if r.reg.Active(jid) == nil && allNotices(pending) {
		return
	}

	// 6. Magic command interception.
	if cmd.Kind != CmdNone {
		r.handleCommand(ctx, ws, lastMsg, cmd)
		return
	}

	// 7. Dispatch.
	r.dispatch(ctx, ws, pending, lastMsg)
}

func (r *Router) senderAllowed(allowedUsers []string, m store.Message) bool {
	if m.MessageType == protocol.MessageSystemNotice {
		return true
	}
	if len(allowedUsers) == 0 {
		return true
	}
	for _, u := range allowedUsers {
		switch u {
		case "owner":
			if m.IsFromMe || r.isOwner(m.Sender) {
				return true
			}
		default:
			if u == m.Sender {
				return true
			}
		}
	}
	return false
}

func (r *Router) isOwner(sender string) bool {
	o := r.cfg.Owner
	return sender != "" && (sender == o.Slack || sender == o.WhatsApp || sender == o.Telegram || sender == o.Discord)
}

func (r *Router) batchMentions(batch []store.Message) bool {
	pat := r.cfg.TriggerPattern()
	for _, m := range batch {
		if pat.MatchString(m.Content) {
			return true
		}
	}
	return false
}

func allNotices(msgs []store.Message) bool {
	for _, m := range msgs {
		if m.MessageType != protocol.MessageSystemNotice {
			return false
		}
	}
	return true
}

func (r *Router) dispatch(ctx context.Context, ws *store.Workspace, pending []store.Message, lastMsg store.Message) {
	jid := ws.JID
	lower := strings.ToLower(lastMsg.Content)
	isTodo := strings.HasPrefix(lower, "todo ")
	appendOnly := strings.HasPrefix(lower, "btw ") || isTodo

	if r.reg.IsActiveTask(jid) {
		if appendOnly {
			sent, err := r.reg.SendMessage(jid, FormatBatch(pending))
			if err != nil {
				r.log.Error("task append failed", "jid", jid, "error", err)
			} else if sent && isTodo {
				r.out.SendHostMessage(ctx, jid, "Added to the todo list. 📝")
			}
			r.queue.EnqueueMessageCheck(jid)
			return
		}
		// Interrupt the scheduled task: drain, stop, re-check.
		r.log.Info("interrupting scheduled task", "folder", ws.Folder)
		r.queue.DrainPending(jid)
		r.reg.StopActiveProcess(ctx, jid)
		r.queue.EnqueueMessageCheck(jid)
		return
	}

	if r.reg.Active(jid) != nil {
		sent, err := r.reg.SendMessage(jid, FormatBatch(pending))
		if err != nil {
			r.log.Error("pipe to active container failed", "jid", jid, "error", err)
			return
		}
		if !sent {
			r.queue.EnqueueMessageCheck(jid)
			return
		}
		if appendOnly {
			if isTodo {
				r.out.SendHostMessage(ctx, jid, "Added to the todo list. 📝")
			}
			r.queue.EnqueueMessageCheck(jid)
			return
		}
		r.mu.Lock()
		r.dispatched[jid] = lastMsg.Timestamp
		r.mu.Unlock()
		if r.React != nil {
			r.React(ctx, jid, lastMsg.ID, "⚙️")
		}
		return
	}

	r.queue.EnqueueMessageCheck(jid)
}

// advanceAgentCursor records that the agent has consumed messages
// through ts, persists it, and clears the transient over-advance.
func (r *Router) advanceAgentCursor(jid string, ts time.Time) {
	r.mu.Lock()
	if r.state.AgentTimestamps == nil {
		r.state.AgentTimestamps = make(map[string]time.Time)
	}
	// A message piped to the container mid-run sits past this batch's
	// end; fold it in or the next pass delivers it a second time.
	if d, ok := r.dispatched[jid]; ok && d.After(ts) {
		ts = d
	}
	if ts.After(r.state.AgentTimestamps[jid]) {
		r.state.AgentTimestamps[jid] = ts
	}
	delete(r.dispatched, jid)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()
	if err := r.store.SaveRouterState(snapshot); err != nil {
		r.log.Error("agent cursor persist failed", "jid", jid, "error", err)
	}
}

// FormatBatch renders a message batch as the agent sees it.
func FormatBatch(msgs []store.Message) string {
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteByte('\n')
		}
		name := m.SenderName
		if name == "" {
			name = m.Sender
		}
		if name == "" || m.MessageType == protocol.MessageSystemNotice {
			b.WriteString(m.Content)
			continue
		}
		b.WriteString(name)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}
