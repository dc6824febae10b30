// Package store is the durable state store: a single sqlite database at
// data/pynchy.db holding chats, messages, workspaces, sessions, scheduled
// tasks, host jobs, aliases, channel cursors, the outbound ledger, router
// state, and plugin verification verdicts.
//
// Schema versions live as embedded migrations; on top of them the store
// reconciles additive columns at boot (ALTER TABLE ADD COLUMN for any
// column the binary knows about that the database lacks) so downgraded
// databases migrate forward without operator action.
package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	sqlitemig "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the sqlite handle. Writes are serialized by a mutex on top
// of sqlite's own locking so multi-statement updates stay atomic.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if needed) the database and migrates it forward.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// sqlite allows one writer; a single conn avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.reconcileColumns(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the handle for read-only consumers (status server).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) migrate() error {
	m, err := newMigrator(s.db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func newMigrator(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("migrations source: %w", err)
	}
	drv, err := sqlitemig.WithInstance(db, &sqlitemig.Config{})
	if err != nil {
		return nil, fmt.Errorf("migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return nil, fmt.Errorf("migrator: %w", err)
	}
	return m, nil
}

// Migrator opens the database at path and returns a migrator over the
// embedded migrations, for the migrate CLI subcommands. The caller owns
// both handles.
func Migrator(path string) (*migrate.Migrate, *sql.DB, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	m, err := newMigrator(db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return m, db, nil
}

// additiveColumns lists columns added after a table's initial migration.
// Older databases get them via ALTER TABLE at boot; failure is fatal.
var additiveColumns = map[string][]struct{ name, decl string }{
	"chats":           {{"cleared_at", "cleared_at TEXT"}},
	"messages":        {{"metadata", "metadata TEXT"}},
	"scheduled_tasks": {{"repo_access", "repo_access TEXT"}, {"context_mode", "context_mode TEXT NOT NULL DEFAULT 'group'"}},
	"host_jobs":       {{"last_output", "last_output TEXT"}},
}

func (s *Store) reconcileColumns() error {
	for table, cols := range additiveColumns {
		existing, err := s.tableColumns(table)
		if err != nil {
			return err
		}
		for _, col := range cols {
			if existing[col.name] {
				continue
			}
			if _, err := s.db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col.decl)); err != nil {
				return fmt.Errorf("add column %s.%s: %w", table, col.name, err)
			}
		}
	}
	return nil
}

func (s *Store) tableColumns(table string) (map[string]bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return nil, err
		}
		cols[strings.ToLower(name)] = true
	}
	return cols, rows.Err()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func strOrEmpty(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}
