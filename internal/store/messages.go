package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Chat is one conversation, created on first inbound message.
type Chat struct {
	JID             string
	Name            string
	LastMessageTime time.Time
	ClearedAt       time.Time
}

// Message is one stored chat message. (ID, ChatJID) is the primary key;
// Timestamp plus ID is the router's ordering cursor.
type Message struct {
	ID          string
	ChatJID     string
	Sender      string
	SenderName  string
	Content     string
	Timestamp   time.Time
	IsFromMe    bool
	MessageType string
	Metadata    map[string]string
}

func fmtTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UpsertChat creates the chat row if missing and bumps last_message_time.
func (s *Store) UpsertChat(jid, name string, lastMessage time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO chats (jid, name, last_message_time) VALUES (?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message_time = MAX(COALESCE(chats.last_message_time, ''), excluded.last_message_time)`,
		jid, name, fmtTime(lastMessage))
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// StoreMessage inserts a message, ignoring duplicates (merge-insert used
// by channel reconciliation). The chat row is upserted in the same call.
func (s *Store) StoreMessage(m Message) error {
	if m.MessageType == "" {
		m.MessageType = "user"
	}
	var meta any
	if len(m.Metadata) > 0 {
		b, err := json.Marshal(m.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		meta = string(b)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO chats (jid, name, last_message_time) VALUES (?, '', ?)
		ON CONFLICT (jid) DO UPDATE SET
			last_message_time = MAX(COALESCE(chats.last_message_time, ''), excluded.last_message_time)`,
		m.ChatJID, fmtTime(m.Timestamp)); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (id, chat_jid, sender, sender_name, content, timestamp, is_from_me, message_type, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id, chat_jid) DO NOTHING`,
		m.ID, m.ChatJID, m.Sender, m.SenderName, m.Content, fmtTime(m.Timestamp), boolInt(m.IsFromMe), m.MessageType, meta); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return tx.Commit()
}

// MessagesSince returns messages strictly after the (timestamp, id) cursor
// for the given chat JIDs, in (timestamp, id) order.
func (s *Store) MessagesSince(after time.Time, afterID string, jids []string) ([]Message, error) {
	if len(jids) == 0 {
		return nil, nil
	}
	query := `
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, message_type, metadata
		FROM messages
		WHERE (timestamp > ? OR (timestamp = ? AND id > ?)) AND chat_jid IN (` + placeholders(len(jids)) + `)
		ORDER BY timestamp, id`
	args := []any{fmtTime(after), fmtTime(after), afterID}
	for _, j := range jids {
		args = append(args, j)
	}
	return s.queryMessages(query, args...)
}

// MessagesForChatAfter returns one chat's messages strictly after ts.
func (s *Store) MessagesForChatAfter(jid string, after time.Time) ([]Message, error) {
	return s.queryMessages(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, message_type, metadata
		FROM messages WHERE chat_jid = ? AND timestamp > ?
		ORDER BY timestamp, id`, jid, fmtTime(after))
}

// RecentMessages returns up to limit newest messages for a chat, oldest first.
func (s *Store) RecentMessages(jid string, limit int) ([]Message, error) {
	msgs, err := s.queryMessages(`
		SELECT id, chat_jid, sender, sender_name, content, timestamp, is_from_me, message_type, metadata
		FROM messages WHERE chat_jid = ?
		ORDER BY timestamp DESC, id DESC LIMIT ?`, jid, limit)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// ClearChatHistory deletes a chat's messages and stamps cleared_at.
// Used by the context-reset magic command.
func (s *Store) ClearChatHistory(jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM messages WHERE chat_jid = ?`, jid); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}
	if _, err := tx.Exec(`UPDATE chats SET cleared_at = ? WHERE jid = ?`, fmtTime(time.Now()), jid); err != nil {
		return fmt.Errorf("stamp cleared_at: %w", err)
	}
	return tx.Commit()
}

// HasMessagesAfter reports whether a chat has any message after ts.
func (s *Store) HasMessagesAfter(jid string, after time.Time) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM messages WHERE chat_jid = ? AND timestamp > ? LIMIT 1`,
		jid, fmtTime(after)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) queryMessages(query string, args ...any) ([]Message, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var ts string
		var fromMe int
		var meta sql.NullString
		if err := rows.Scan(&m.ID, &m.ChatJID, &m.Sender, &m.SenderName, &m.Content, &ts, &fromMe, &m.MessageType, &meta); err != nil {
			return nil, err
		}
		m.Timestamp = parseTime(ts)
		m.IsFromMe = fromMe != 0
		if meta.Valid && meta.String != "" {
			_ = json.Unmarshal([]byte(meta.String), &m.Metadata)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := make([]byte, 0, n*2-1)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '?')
	}
	return string(out)
}
