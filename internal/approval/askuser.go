package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pynchy/pynchy/internal/channels"
	"github.com/pynchy/pynchy/internal/herr"
	"github.com/pynchy/pynchy/internal/ipc"
	"github.com/pynchy/pynchy/internal/store"
	"github.com/pynchy/pynchy/pkg/protocol"
)

// HandleAskTask handles the ask_user:ask container task. It parks the
// question as a pending file and defers the IPC response until a channel
// callback delivers the answer.
func (m *Manager) HandleAskTask(ctx context.Context, tc ipc.TaskContext) (map[string]any, error) {
	if tc.Task.RequestID == "" {
		return nil, herr.New(herr.Validation, "ask_user task missing request_id")
	}
	questions := parseQuestions(tc.Task.Data["questions"])
	if len(questions) == 0 {
		return nil, herr.New(herr.Validation, "ask_user task has no questions")
	}

	// Only admin workspaces may address an arbitrary chat; everyone
	// else asks in their own.
	chatJID := tc.Task.ChatJID
	if chatJID == "" || !tc.IsAdmin {
		ws, err := m.st.WorkspaceByFolder(tc.Folder)
		if err != nil || ws == nil {
			return nil, herr.New(herr.NotFound, "no workspace for folder %q", tc.Folder)
		}
		if !tc.IsAdmin && chatJID != "" && chatJID != ws.JID {
			m.log.Warn("ask_user addressed a foreign chat, pinned to own workspace",
				"folder", tc.Folder, "requested", chatJID)
		}
		chatJID = ws.JID
	}

	sender := m.askUserChannel(chatJID)
	if sender == nil {
		return nil, herr.New(herr.Validation, "channel does not support ask_user")
	}

	shortID, err := m.newShortID(tc.Folder)
	if err != nil {
		return nil, err
	}
	sessionID, err := m.st.SessionID(tc.Folder)
	if err != nil {
		m.log.Warn("session id lookup failed", "folder", tc.Folder, "error", err)
	}
	q := protocol.PendingQuestion{
		RequestID:   tc.Task.RequestID,
		ShortID:     shortID,
		SourceGroup: tc.Folder,
		ChatJID:     chatJID,
		ChannelName: sender.Name(),
		SessionID:   sessionID,
		Questions:   questions,
		Timestamp:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	path := m.questionPath(tc.Folder, tc.Task.RequestID)
	if err := ipc.WriteJSON(path, q); err != nil {
		return nil, err
	}

	var messageID string
	for _, question := range questions {
		id, err := sender.SendAskUser(ctx, chatJID, question.Question, question.Options)
		if err != nil {
			os.Remove(path)
			return nil, fmt.Errorf("send ask_user: %w", err)
		}
		if id != "" {
			messageID = id
		}
	}
	if messageID != "" {
		q.MessageID = messageID
		if err := ipc.WriteJSON(path, q); err != nil {
			m.log.Error("pending question update failed", "file", path, "error", err)
		}
	}
	return nil, ipc.ErrDeferredResponse
}

// HandleAnswer resolves a pending question from a channel callback. A
// live session gets the answers as a response file; a dead one gets a
// synthetic chat message that cold-starts the container with context.
func (m *Manager) HandleAnswer(ctx context.Context, requestID string, answers []string) error {
	folder, q, err := m.findQuestion(requestID)
	if err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(m.questionPath(folder, requestID)); err != nil && !os.IsNotExist(err) {
			m.log.Error("pending question remove failed", "request_id", requestID, "error", err)
		}
	}()

	if m.SessionAlive != nil && m.SessionAlive(folder) {
		result := map[string]any{"answers": answers}
		m.writeResponse(folder, requestID, result, "")
		return nil
	}

	text := resumeMessage(q.Questions, answers)
	msg := store.Message{
		ID:          fmt.Sprintf("askuser-%d", time.Now().UnixNano()),
		ChatJID:     q.ChatJID,
		Sender:      "user",
		Content:     text,
		Timestamp:   time.Now(),
		MessageType: protocol.MessageUser,
	}
	if err := m.st.StoreMessage(msg); err != nil {
		return err
	}
	m.queue.EnqueueMessageCheck(q.ChatJID)
	return nil
}

// AnswerByMessage resolves a pending question by the platform message
// id it was sent as. Channels that answer through button callbacks only
// know the message id, not the request id.
func (m *Manager) AnswerByMessage(ctx context.Context, messageID string, answers []string) error {
	folders, err := m.layout.Folders()
	if err != nil {
		return err
	}
	for _, folder := range folders {
		questions, err := m.pendingQuestions(folder)
		if err != nil {
			continue
		}
		for _, q := range questions {
			if q.MessageID == messageID {
				return m.HandleAnswer(ctx, q.RequestID, answers)
			}
		}
	}
	return herr.New(herr.NotFound, "no pending question for message %q", messageID)
}

// resumeMessage formats the cold-start prompt that replays the question
// and its answer to a fresh container.
func resumeMessage(questions []protocol.Question, answers []string) string {
	var b strings.Builder
	for i, q := range questions {
		answer := "(no answer)"
		if i < len(answers) {
			answer = answers[i]
		}
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "Earlier you asked: %q — user answered: %q.", q.Question, answer)
	}
	b.WriteString(" Continue from where you left off.")
	return b.String()
}

func (m *Manager) askUserChannel(chatJID string) channels.AskUserSender {
	for _, ch := range m.mgr.Running() {
		sender, ok := ch.(channels.AskUserSender)
		if ok && ch.OwnsJID(chatJID) {
			return sender
		}
	}
	return nil
}

func (m *Manager) questionPath(folder, requestID string) string {
	return filepath.Join(m.layout.Dir(folder, ipc.DirPendingQuestions), requestID+".json")
}

func (m *Manager) findQuestion(requestID string) (string, protocol.PendingQuestion, error) {
	folders, err := m.layout.Folders()
	if err != nil {
		return "", protocol.PendingQuestion{}, err
	}
	for _, folder := range folders {
		data, err := os.ReadFile(m.questionPath(folder, requestID))
		if err != nil {
			continue
		}
		var q protocol.PendingQuestion
		if err := json.Unmarshal(data, &q); err != nil {
			return "", q, herr.E(herr.ParseError, err)
		}
		return folder, q, nil
	}
	return "", protocol.PendingQuestion{}, herr.New(herr.NotFound, "no pending question %q", requestID)
}

func (m *Manager) pendingQuestions(folder string) ([]protocol.PendingQuestion, error) {
	dir := m.layout.Dir(folder, ipc.DirPendingQuestions)
	files, err := ipc.ListJSONSorted(dir)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.PendingQuestion, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			continue
		}
		var q protocol.PendingQuestion
		if err := json.Unmarshal(data, &q); err != nil {
			m.log.Warn("unreadable pending question", "file", f, "error", err)
			continue
		}
		out = append(out, q)
	}
	return out, nil
}

func (m *Manager) sweepQuestions(folder string, cutoff time.Time) {
	questions, err := m.pendingQuestions(folder)
	if err != nil {
		m.log.Error("pending question scan failed", "folder", folder, "error", err)
		return
	}
	for _, q := range questions {
		ts, err := time.Parse(time.RFC3339Nano, q.Timestamp)
		if err != nil || ts.After(cutoff) {
			continue
		}
		if err := os.Remove(m.questionPath(folder, q.RequestID)); err != nil && !os.IsNotExist(err) {
			continue
		}
		m.writeResponse(folder, q.RequestID, nil, "ask_user request timed out")
		m.log.Info("pending question expired", "folder", folder, "request_id", q.RequestID)
	}
}

// parseQuestions accepts the raw task payload shape:
// [{"question": "...", "options": ["a", "b"]}, ...].
func parseQuestions(raw any) []protocol.Question {
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	out := make([]protocol.Question, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		text, _ := obj["question"].(string)
		if text == "" {
			continue
		}
		q := protocol.Question{Question: text}
		if opts, ok := obj["options"].([]any); ok {
			for _, o := range opts {
				if s, ok := o.(string); ok {
					q.Options = append(q.Options, s)
				}
			}
		}
		out = append(out, q)
	}
	return out
}
