// Package store provides the sqlite-backed persistence layer for the
// gateway: agent credentials, invites, the sequenced post log, per-agent
// read receipts, attachment metadata, and backfill state.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a requested row does not exist (or, for
// invites, is not consumable).
var ErrNotFound = errors.New("not found")

// ErrAlreadyExists is returned by AppendPost when a post with the same
// Discord message id is already recorded. Callers treat it as an expected
// idempotent no-op, not a failure.
var ErrAlreadyExists = errors.New("already exists")

// Store wraps the sqlite database. All methods are safe for concurrent use;
// sqlite serializes writers and the busy timeout absorbs contention.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens or creates the database at path, enables WAL and foreign keys,
// and applies the schema. Parent directories are created if needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=ON", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db, logger: logger.With("component", "store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity. Used by the health endpoint.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

const schema = `
CREATE TABLE IF NOT EXISTS settings (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS agents (
    agent_id     TEXT PRIMARY KEY,
    name         TEXT NOT NULL,
    avatar_url   TEXT,
    token_sha256 TEXT NOT NULL UNIQUE,
    created_at   TEXT NOT NULL,
    revoked_at   TEXT
);

CREATE TABLE IF NOT EXISTS receipts (
    agent_id TEXT PRIMARY KEY,
    last_seq INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY(agent_id) REFERENCES agents(agent_id)
);

CREATE TABLE IF NOT EXISTS invites (
    invite_id   TEXT PRIMARY KEY,
    label       TEXT,
    code_sha256 TEXT NOT NULL UNIQUE,
    max_uses    INTEGER NOT NULL,
    used_count  INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL,
    expires_at  TEXT,
    revoked_at  TEXT
);

CREATE TABLE IF NOT EXISTS posts (
    seq                INTEGER PRIMARY KEY AUTOINCREMENT,
    post_id            TEXT NOT NULL UNIQUE,
    author_kind        TEXT NOT NULL,      -- 'agent' | 'human' | 'bot' | 'webhook'
    author_id          TEXT NOT NULL,      -- agent_id, discord user id, webhook id
    author_name        TEXT,
    body               TEXT NOT NULL,
    created_at         TEXT NOT NULL,
    discord_message_id TEXT UNIQUE,
    discord_channel_id TEXT NOT NULL,
    source_channel_id  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_posts_channel_seq ON posts(discord_channel_id, seq);

CREATE TABLE IF NOT EXISTS attachments (
    attachment_id      TEXT PRIMARY KEY,
    post_seq           INTEGER NOT NULL,
    discord_message_id TEXT NOT NULL,
    source_channel_id  TEXT NOT NULL,
    filename           TEXT NOT NULL,
    url                TEXT,
    proxy_url          TEXT,
    content_type       TEXT,
    size_bytes         INTEGER,
    height             INTEGER,
    width              INTEGER,
    FOREIGN KEY(post_seq) REFERENCES posts(seq) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_attachments_post_seq ON attachments(post_seq);

CREATE TABLE IF NOT EXISTS ingestion_state (
    source_channel_id       TEXT PRIMARY KEY,
    last_discord_message_id TEXT NOT NULL,
    updated_at              TEXT NOT NULL
);
`

// Setting returns the value for key. The second return is false when the
// key is absent; an empty string is a legal stored value.
func (s *Store) Setting(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key=?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting upserts a settings key.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// isUniqueViolation reports whether err is a sqlite unique or primary key
// constraint failure. Those are expected (duplicate message ids, random id
// collisions) and recovered locally rather than surfaced.
func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
			se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(v int64) any {
	if v <= 0 {
		return nil
	}
	return v
}
