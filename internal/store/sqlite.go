// Package store provides storage backends for CitaBot.
//
// This file implements the SQLite-backed store.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/citabot/citabot/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultDirPermissions defines the default permissions for database
// directories.
const DefaultDirPermissions = 0755

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists sessions and dedup records in a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	ttl time.Duration
}

// Compile-time check that SQLiteStore implements Store.
var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store with the given DSN. The DSN is a
// file path; its directory is created when missing.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	cfg := Opts{DedupTTL: DefaultDedupTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(cfg.DSN)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db, ttl: cfg.DedupTTL}, nil
}

func (s *SQLiteStore) GetSession(id string) (*models.Session, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		slog.Error("SQLiteStore GetSession unmarshal failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *SQLiteStore) SaveSession(session *models.Session) error {
	session.UpdatedAt = time.Now()
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", session.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		session.ID, string(data), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "session_id", session.ID)
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) SeenInbound(messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	now := time.Now()

	// Lazy reap of expired entries bounds table growth.
	if _, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE expires_at < ?`, now); err != nil {
		return false, fmt.Errorf("dedup reap failed: %w", err)
	}

	var id string
	err := s.db.QueryRow(`SELECT message_id FROM inbound_dedup WHERE message_id = ?`, messageID).Scan(&id)
	if err == nil {
		slog.Debug("SQLiteStore SeenInbound duplicate suppressed", "message_id", messageID)
		return true, nil
	}
	if err != sql.ErrNoRows {
		return false, fmt.Errorf("dedup check failed: %w", err)
	}

	_, err = s.db.Exec(`INSERT OR IGNORE INTO inbound_dedup (message_id, expires_at) VALUES (?, ?)`,
		messageID, now.Add(s.ttl))
	if err != nil {
		return false, fmt.Errorf("dedup record failed: %w", err)
	}
	return false, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }
