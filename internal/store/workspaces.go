package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Workspace is a registered chat-to-folder binding. Security holds the
// per-workspace tool policy as opaque JSON owned by the security gate.
type Workspace struct {
	JID      string
	Name     string
	Folder   string
	Trigger  string
	IsAdmin  bool
	Security string
	AddedAt  time.Time
}

// UpsertWorkspace registers or updates a workspace binding.
func (s *Store) UpsertWorkspace(w Workspace) error {
	if w.AddedAt.IsZero() {
		w.AddedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO workspaces (jid, name, folder, trigger_mode, is_admin, security, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (jid) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			trigger_mode = excluded.trigger_mode,
			is_admin = excluded.is_admin,
			security = excluded.security`,
		w.JID, w.Name, w.Folder, w.Trigger, boolInt(w.IsAdmin), nullStr(w.Security), fmtTime(w.AddedAt))
	if err != nil {
		return fmt.Errorf("upsert workspace: %w", err)
	}
	return nil
}

// Workspaces returns all registered workspaces.
func (s *Store) Workspaces() ([]Workspace, error) {
	rows, err := s.db.Query(`SELECT jid, name, folder, trigger_mode, is_admin, security, added_at FROM workspaces ORDER BY folder`)
	if err != nil {
		return nil, fmt.Errorf("query workspaces: %w", err)
	}
	defer rows.Close()

	var out []Workspace
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// WorkspaceByJID returns the workspace bound to a chat JID, or nil.
func (s *Store) WorkspaceByJID(jid string) (*Workspace, error) {
	row := s.db.QueryRow(`SELECT jid, name, folder, trigger_mode, is_admin, security, added_at FROM workspaces WHERE jid = ?`, jid)
	w, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// WorkspaceByFolder returns the workspace owning a folder, or nil.
func (s *Store) WorkspaceByFolder(folder string) (*Workspace, error) {
	row := s.db.QueryRow(`SELECT jid, name, folder, trigger_mode, is_admin, security, added_at FROM workspaces WHERE folder = ?`, folder)
	w, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// DeleteWorkspace removes a workspace binding.
func (s *Store) DeleteWorkspace(jid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM workspaces WHERE jid = ?`, jid)
	return err
}

type rowScanner interface{ Scan(dest ...any) error }

func scanWorkspace(r rowScanner) (Workspace, error) {
	var w Workspace
	var isAdmin int
	var security sql.NullString
	var added string
	if err := r.Scan(&w.JID, &w.Name, &w.Folder, &w.Trigger, &isAdmin, &security, &added); err != nil {
		return w, err
	}
	w.IsAdmin = isAdmin != 0
	w.Security = strOrEmpty(security)
	w.AddedAt = parseTime(added)
	return w, nil
}

// SessionID returns the persisted agent session id for a folder, or "".
func (s *Store) SessionID(folder string) (string, error) {
	var id string
	err := s.db.QueryRow(`SELECT session_id FROM sessions WHERE group_folder = ?`, folder).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// SaveSessionID persists the agent session id reported by a query-done
// pulse, so warm context survives host restarts.
func (s *Store) SaveSessionID(folder, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO sessions (group_folder, session_id) VALUES (?, ?)
		ON CONFLICT (group_folder) DO UPDATE SET session_id = excluded.session_id`,
		folder, sessionID)
	return err
}

// ClearSessionID drops a folder's session id (context reset).
func (s *Store) ClearSessionID(folder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM sessions WHERE group_folder = ?`, folder)
	return err
}

// PluginVerdict is a cached review of a plugin at a specific commit.
type PluginVerdict struct {
	PluginName string
	GitSHA     string
	Verdict    string
	Reasoning  string
	VerifiedAt time.Time
}

// PluginVerification returns the cached verdict for (plugin, sha), or nil.
func (s *Store) PluginVerification(pluginName, gitSHA string) (*PluginVerdict, error) {
	var v PluginVerdict
	var at string
	err := s.db.QueryRow(`
		SELECT plugin_name, git_sha, verdict, reasoning, verified_at
		FROM plugin_verifications WHERE plugin_name = ? AND git_sha = ?`,
		pluginName, gitSHA).Scan(&v.PluginName, &v.GitSHA, &v.Verdict, &v.Reasoning, &at)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.VerifiedAt = parseTime(at)
	return &v, nil
}

// SavePluginVerification caches a verdict. "error" verdicts are never
// cached: a failed review must be retried, not remembered.
func (s *Store) SavePluginVerification(v PluginVerdict) error {
	if v.Verdict == "error" {
		return nil
	}
	if v.VerifiedAt.IsZero() {
		v.VerifiedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO plugin_verifications (plugin_name, git_sha, verdict, reasoning, verified_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (plugin_name, git_sha) DO UPDATE SET
			verdict = excluded.verdict,
			reasoning = excluded.reasoning,
			verified_at = excluded.verified_at`,
		v.PluginName, v.GitSHA, v.Verdict, v.Reasoning, fmtTime(v.VerifiedAt))
	return err
}

// SecurityJSON marshals a policy value for the workspace security column.
func SecurityJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
