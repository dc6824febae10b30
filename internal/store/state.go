package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	routerKeyLastTimestamp   = "last_timestamp"
	routerKeyAgentTimestamps = "last_agent_timestamps"
	routerKeyLastTimestampID = "last_timestamp_id"
)

// RouterState is the router's persisted cursor: the global inbound
// watermark plus per-chat timestamps of the newest message each agent
// has actually consumed.
type RouterState struct {
	LastTimestamp   time.Time
	LastTimestampID string
	// AgentTimestamps maps chat JID to the timestamp of the last
	// message handed to that chat's agent.
	AgentTimestamps map[string]time.Time
}

// LoadRouterState reads the router cursor. A fresh database yields zero
// timestamps, which the router treats as "start from now".
func (s *Store) LoadRouterState() (RouterState, error) {
	st := RouterState{AgentTimestamps: make(map[string]time.Time)}

	get := func(key string) (string, error) {
		var v string
		err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&v)
		if err == sql.ErrNoRows {
			return "", nil
		}
		return v, err
	}

	last, err := get(routerKeyLastTimestamp)
	if err != nil {
		return st, fmt.Errorf("load router state: %w", err)
	}
	st.LastTimestamp = parseTime(last)

	if st.LastTimestampID, err = get(routerKeyLastTimestampID); err != nil {
		return st, fmt.Errorf("load router state: %w", err)
	}

	raw, err := get(routerKeyAgentTimestamps)
	if err != nil {
		return st, fmt.Errorf("load router state: %w", err)
	}
	if raw != "" {
		var m map[string]string
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return st, fmt.Errorf("decode agent timestamps: %w", err)
		}
		for jid, ts := range m {
			st.AgentTimestamps[jid] = parseTime(ts)
		}
	}
	return st, nil
}

// SaveRouterState persists the full cursor in one transaction so the
// watermark and the per-chat map never diverge on disk.
func (s *Store) SaveRouterState(st RouterState) error {
	m := make(map[string]string, len(st.AgentTimestamps))
	for jid, ts := range st.AgentTimestamps {
		m[jid] = fmtTime(ts)
	}
	encoded, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode agent timestamps: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	put := func(key, value string) error {
		_, err := tx.Exec(`
			INSERT INTO router_state (key, value) VALUES (?, ?)
			ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
		return err
	}
	if err := put(routerKeyLastTimestamp, fmtTime(st.LastTimestamp)); err != nil {
		return fmt.Errorf("save router state: %w", err)
	}
	if err := put(routerKeyLastTimestampID, st.LastTimestampID); err != nil {
		return fmt.Errorf("save router state: %w", err)
	}
	if err := put(routerKeyAgentTimestamps, string(encoded)); err != nil {
		return fmt.Errorf("save router state: %w", err)
	}
	return tx.Commit()
}

// StateValue reads an arbitrary host state key ("" when absent).
func (s *Store) StateValue(key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM router_state WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// SetStateValue writes an arbitrary host state key.
func (s *Store) SetStateValue(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO router_state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}
