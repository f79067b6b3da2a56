// Package store provides SQLite-backed persistence for workspace snapshots,
// finished sessions and the learnings derived from them.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrProtected     = errors.New("snapshot is protected")
	ErrFileTooLarge  = errors.New("file exceeds snapshot size limit")
	ErrTooManyFiles  = errors.New("too many files for one snapshot")
	ErrEmptySnapshot = errors.New("snapshot has no files")
)

// Limits bounds snapshot capture.
type Limits struct {
	MaxFileSize int64
	MaxFiles    int
	Workers     int
}

// DefaultLimits are used until SetLimits is called.
var DefaultLimits = Limits{MaxFileSize: 5 << 20, MaxFiles: 500, Workers: 8}

// Store is the persistence layer behind the snapshot and learning engines.
type Store struct {
	db     *sql.DB
	limits Limits
}

// New opens (creating if needed) the database at dbPath.
func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, limits: DefaultLimits}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", dbPath, err)
	}
	return s, nil
}

// SetLimits replaces the snapshot limits. Zero fields keep their defaults.
func (s *Store) SetLimits(l Limits) {
	if l.MaxFileSize <= 0 {
		l.MaxFileSize = DefaultLimits.MaxFileSize
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = DefaultLimits.MaxFiles
	}
	if l.Workers <= 0 {
		l.Workers = DefaultLimits.Workers
	}
	s.limits = l
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS snapshots (
		id          TEXT PRIMARY KEY,
		workspace   TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		protected   BOOLEAN NOT NULL DEFAULT FALSE,
		file_count  INTEGER NOT NULL,
		total_bytes INTEGER NOT NULL,
		checksum    TEXT NOT NULL,
		created_at  DATETIME NOT NULL
	);

	-- One row per captured file; exists = 0 records a path that was absent
	-- at capture time so restore can remove it again.
	CREATE TABLE IF NOT EXISTS snapshot_files (
		snapshot_id TEXT NOT NULL,
		path        TEXT NOT NULL,
		exists_flag BOOLEAN NOT NULL,
		size        INTEGER NOT NULL DEFAULT 0,
		mode        INTEGER NOT NULL DEFAULT 420,
		checksum    TEXT NOT NULL DEFAULT '',
		content     BLOB,

		PRIMARY KEY (snapshot_id, path),
		FOREIGN KEY (snapshot_id) REFERENCES snapshots(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id            TEXT PRIMARY KEY,
		workspace     TEXT NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		started_at    DATETIME NOT NULL,
		ended_at      DATETIME NOT NULL,
		files_touched INTEGER NOT NULL,
		reads         INTEGER NOT NULL,
		writes        INTEGER NOT NULL,
		high_risk     TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS learnings (
		id             TEXT PRIMARY KEY,
		workspace      TEXT NOT NULL,
		kind           TEXT NOT NULL,
		key            TEXT NOT NULL,
		value          TEXT NOT NULL DEFAULT '',
		confidence     REAL NOT NULL DEFAULT 0,
		hits           INTEGER NOT NULL DEFAULT 1,
		source_session TEXT NOT NULL DEFAULT '',
		created_at     DATETIME NOT NULL,
		updated_at     DATETIME NOT NULL,

		UNIQUE (workspace, kind, key)
	);

	CREATE INDEX IF NOT EXISTS idx_snapshots_workspace ON snapshots(workspace, created_at);
	CREATE INDEX IF NOT EXISTS idx_sessions_workspace ON sessions(workspace, ended_at);
	CREATE INDEX IF NOT EXISTS idx_learnings_updated ON learnings(updated_at);
	`

	_, err := s.db.Exec(schema)
	return err
}
