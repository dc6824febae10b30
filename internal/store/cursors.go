package store

import (
	"database/sql"
	"fmt"
	"time"
)

// ChannelCursor marks how far a channel has been reconciled for one chat
// in one direction ("inbound" or "outbound"). The cursor value is opaque
// to the store; each channel defines its own (message id, timestamp, ...).
func (s *Store) ChannelCursor(channelName, chatJID, direction string) (string, error) {
	var v string
	err := s.db.QueryRow(`
		SELECT cursor_value FROM channel_cursors
		WHERE channel_name = ? AND chat_jid = ? AND direction = ?`,
		channelName, chatJID, direction).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetChannelCursor advances a channel's reconciliation cursor.
func (s *Store) SetChannelCursor(channelName, chatJID, direction, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO channel_cursors (channel_name, chat_jid, direction, cursor_value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (channel_name, chat_jid, direction) DO UPDATE SET
			cursor_value = excluded.cursor_value,
			updated_at = excluded.updated_at`,
		channelName, chatJID, direction, value, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("set channel cursor: %w", err)
	}
	return nil
}

// SaveJIDAlias records that alias_jid and canonical_jid are the same
// conversation as seen by channelName. Idempotent.
func (s *Store) SaveJIDAlias(aliasJID, canonicalJID, channelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO jid_aliases (alias_jid, canonical_jid, channel_name) VALUES (?, ?, ?)
		ON CONFLICT (alias_jid) DO UPDATE SET
			canonical_jid = excluded.canonical_jid,
			channel_name = excluded.channel_name`,
		aliasJID, canonicalJID, channelName)
	return err
}

// CanonicalJID resolves an alias to its canonical JID. Unknown JIDs
// resolve to themselves.
func (s *Store) CanonicalJID(jid string) (string, error) {
	var canonical string
	err := s.db.QueryRow(`SELECT canonical_jid FROM jid_aliases WHERE alias_jid = ?`, jid).Scan(&canonical)
	if err == sql.ErrNoRows {
		return jid, nil
	}
	if err != nil {
		return "", err
	}
	return canonical, nil
}

// AliasesFor returns the channel-local alias JIDs for a canonical JID,
// keyed by channel name.
func (s *Store) AliasesFor(canonicalJID string) (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT channel_name, alias_jid FROM jid_aliases WHERE canonical_jid = ?`, canonicalJID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var ch, alias string
		if err := rows.Scan(&ch, &alias); err != nil {
			return nil, err
		}
		out[ch] = alias
	}
	return out, rows.Err()
}
