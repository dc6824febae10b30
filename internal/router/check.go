package router

import (
	"context"
	"fmt"
	"time"

	"github.com/pynchy/pynchy/internal/bus"
	"github.com/pynchy/pynchy/internal/session"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/internal/wsq"
	"github.com/pynchy/pynchy/pkg/protocol"
)

func (r *Router) handleCommand(ctx context.Context, ws *store.Workspace, lastMsg store.Message, cmd Command) {
	jid := ws.JID

	// The command message itself is consumed, whatever happens next.
	defer r.advanceAgentCursor(jid, lastMsg.Timestamp)

	switch cmd.Kind {
	case CmdReset:
		if err := r.store.ClearSessionID(ws.Folder); err != nil {
			r.log.Error("session id clear failed", "folder", ws.Folder, "error", err)
		}
		r.sessions.Destroy(ctx, ws.Folder)
		if err := r.store.ClearChatHistory(jid); err != nil {
			r.log.Error("chat history clear failed", "jid", jid, "error", err)
		}
		r.out.SendHostMessage(ctx, jid, "Session reset. Starting fresh. 💥")

	case CmdEndSession:
		r.sessions.Destroy(ctx, ws.Folder)
		r.out.SendHostMessage(ctx, jid, "Session ended. Context is kept; the next message starts a fresh container. 👋")

	case CmdRedeploy:
		if r.Deploy == nil {
			r.out.SendHostMessage(ctx, jid, "Redeploy is not available on this host.")
			return
		}
		r.out.SendHostMessage(ctx, jid, "Redeploying...")
		if err := r.Deploy(ctx); err != nil {
			r.out.SendHostMessage(ctx, jid, fmt.Sprintf("Redeploy failed: %v", err))
		}

	case CmdApprove, CmdDeny:
		if r.Approvals == nil {
			r.out.SendHostMessage(ctx, jid, "No approvals are pending.")
			return
		}
		approved := cmd.Kind == CmdApprove
		if err := r.Approvals.Resolve(ctx, ws.Folder, cmd.ShortID, approved); err != nil {
			r.out.SendHostMessage(ctx, jid, fmt.Sprintf("Approval %s failed: %v", cmd.ShortID, err))
			return
		}
		verdict := "approved"
		if !approved {
			verdict = "denied"
		}
		r.out.SendHostMessage(ctx, jid, fmt.Sprintf("Request %s %s.", cmd.ShortID, verdict))
	}
}

// RunMessageCheck is the queue Runner: it re-reads pending messages from
// the true agent cursor and runs one agent turn. The cursor advances
// only after the query-done pulse.
func (r *Router) RunMessageCheck(ctx context.Context, jid string) wsq.Outcome {
	ws, err := r.store.WorkspaceByJID(jid)
	if err != nil || ws == nil {
		if err != nil {
			r.log.Error("workspace lookup failed", "jid", jid, "error", err)
		}
		return wsq.Done
	}

	r.mu.Lock()
	since := r.state.AgentTimestamps[jid]
	r.mu.Unlock()
	pending, err := r.store.MessagesForChatAfter(jid, since)
	if err != nil {
		r.log.Error("pending load failed", "jid", jid, "error", err)
		return wsq.Retry
	}
	if len(pending) == 0 {
		return wsq.Done
	}

	var batch []store.Message
	var notices []string
	for _, m := range pending {
		switch m.MessageType {
		case protocol.MessageAssistant, protocol.MessageHost:
			// The agent's own output and host chatter are not input.
			continue
		case protocol.MessageSystemNotice:
			notices = append(notices, m.Content)
		}
		batch = append(batch, m)
	}
	lastTS := pending[len(pending)-1].Timestamp
	if len(batch) == 0 {
		r.advanceAgentCursor(jid, lastTS)
		return wsq.Done
	}

	req := session.QueryRequest{
		ChatJID:  jid,
		Folder:   ws.Folder,
		Text:     FormatBatch(batch),
		IsAdmin:  ws.IsAdmin,
		Notices:  notices,
		OnOutput: r.outputHandler(jid),
	}
	if err := r.sessions.RunQuery(ctx, req); err != nil {
		r.log.Error("agent run failed", "folder", ws.Folder, "error", err)
		return wsq.Retry
	}

	r.advanceAgentCursor(jid, lastTS)
	return wsq.Done
}

// outputHandler turns agent output events into outbound broadcasts.
func (r *Router) outputHandler(jid string) func(protocol.OutputEvent) {
	return func(ev protocol.OutputEvent) {
		switch ev.Type {
		case protocol.OutputText:
			if ev.Text == "" {
				return
			}
			r.storeAgentMessage(jid, ev.Text)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if _, err := r.out.BroadcastFormatted(ctx, jid, ev.Text, bus.BroadcastOpts{SuppressErrors: true, Source: "agent"}); err != nil {
				r.log.Error("agent text broadcast failed", "jid", jid, "error", err)
			}
		case protocol.OutputResult:
			// An error result carries no done pulse; without surfacing
			// it the chat goes silent until the run times out.
			if ev.Error == "" {
				return
			}
			r.log.Warn("agent run errored", "jid", jid, "error", ev.Error)
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			r.out.SendHostMessage(ctx, jid, "⚠️ Agent error: "+ev.Error)
		case protocol.OutputSystem:
			if ev.Error != "" {
				r.log.Warn("agent system event", "jid", jid, "error", ev.Error)
			}
		}
	}
}

func (r *Router) storeAgentMessage(jid, text string) {
	m := store.Message{
		ID:          fmt.Sprintf("agent-%d", time.Now().UnixNano()),
		ChatJID:     jid,
		Sender:      r.cfg.Agent.Name,
		SenderName:  r.cfg.Agent.Name,
		Content:     text,
		Timestamp:   time.Now(),
		IsFromMe:    true,
		MessageType: protocol.MessageAssistant,
	}
	if err := r.store.StoreMessage(m); err != nil {
		r.log.Error("agent message store failed", "jid", jid, "error", err)
	}
}
