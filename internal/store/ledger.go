package store

import (
	"database/sql"
	"fmt"
	"time"
)

// LedgerEntry is one outbound message: exactly one row per send, with
// one delivery row per channel it fans out to.
type LedgerEntry struct {
	ID        string
	ChatJID   string
	Content   string
	Timestamp time.Time
	Source    string
}

// Delivery tracks one channel's copy of a ledger entry. DeliveredAt is
// zero until the channel confirms the send.
type Delivery struct {
	LedgerID    string
	ChannelName string
	DeliveredAt time.Time
	Error       string
}

// AppendLedger records an outbound message and its per-channel delivery
// rows in one transaction.
func (s *Store) AppendLedger(e LedgerEntry, channels []string) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO outbound_ledger (id, chat_jid, content, timestamp, source)
		VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.ChatJID, e.Content, fmtTime(e.Timestamp), e.Source); err != nil {
		return fmt.Errorf("append ledger: %w", err)
	}
	for _, ch := range channels {
		if _, err := tx.Exec(`
			INSERT INTO outbound_deliveries (ledger_id, channel_name) VALUES (?, ?)
			ON CONFLICT (ledger_id, channel_name) DO NOTHING`,
			e.ID, ch); err != nil {
			return fmt.Errorf("append delivery %s: %w", ch, err)
		}
	}
	return tx.Commit()
}

// MarkDelivered stamps a delivery as confirmed and clears any prior error.
func (s *Store) MarkDelivered(ledgerID, channelName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE outbound_deliveries SET delivered_at = ?, error = NULL
		WHERE ledger_id = ? AND channel_name = ?`,
		fmtTime(time.Now()), ledgerID, channelName)
	return err
}

// MarkDeliveryError records a failed send attempt; the row stays pending
// so the retry sweep picks it up.
func (s *Store) MarkDeliveryError(ledgerID, channelName, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE outbound_deliveries SET error = ?
		WHERE ledger_id = ? AND channel_name = ?`,
		errMsg, ledgerID, channelName)
	return err
}

// PendingDelivery pairs an undelivered row with its ledger entry.
type PendingDelivery struct {
	Entry       LedgerEntry
	ChannelName string
	Error       string
}

// PendingDeliveries returns undelivered rows no newer than before,
// oldest first. The cutoff keeps the retry sweep off in-flight sends.
func (s *Store) PendingDeliveries(before time.Time, limit int) ([]PendingDelivery, error) {
	rows, err := s.db.Query(`
		SELECT l.id, l.chat_jid, l.content, l.timestamp, l.source, d.channel_name, d.error
		FROM outbound_deliveries d
		JOIN outbound_ledger l ON l.id = d.ledger_id
		WHERE d.delivered_at IS NULL AND l.timestamp <= ?
		ORDER BY l.timestamp LIMIT ?`, fmtTime(before), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending deliveries: %w", err)
	}
	defer rows.Close()

	var out []PendingDelivery
	for rows.Next() {
		var p PendingDelivery
		var ts string
		var errStr sql.NullString
		if err := rows.Scan(&p.Entry.ID, &p.Entry.ChatJID, &p.Entry.Content, &ts, &p.Entry.Source, &p.ChannelName, &errStr); err != nil {
			return nil, err
		}
		p.Entry.Timestamp = parseTime(ts)
		p.Error = strOrEmpty(errStr)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeliveryCounts returns (delivered, pending) row counts for a ledger id.
func (s *Store) DeliveryCounts(ledgerID string) (delivered, pending int, err error) {
	err = s.db.QueryRow(`
		SELECT COUNT(CASE WHEN delivered_at IS NOT NULL THEN 1 END),
		       COUNT(CASE WHEN delivered_at IS NULL THEN 1 END)
		FROM outbound_deliveries WHERE ledger_id = ?`, ledgerID).Scan(&delivered, &pending)
	return
}
