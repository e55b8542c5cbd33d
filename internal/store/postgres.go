// Package store provides storage backends for CitaBot.
//
// This file implements the PostgreSQL-backed store for multi-restart
// deployments that point DATABASE_URL at a Postgres instance.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/citabot/citabot/internal/models"
	_ "github.com/lib/pq"
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists sessions and dedup records in PostgreSQL.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// Compile-time check that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL store with the given DSN.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	cfg := Opts{DedupTTL: DefaultDedupTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewPostgresStore invoked", "DSN_set", cfg.DSN != "")

	if cfg.DSN == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")

	return &PostgresStore{db: db, ttl: cfg.DedupTTL}, nil
}

func (s *PostgresStore) GetSession(id string) (*models.Session, error) {
	var data string
	err := s.db.QueryRow(`SELECT data FROM sessions WHERE id = $1`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session %s: %w", id, err)
	}

	var sess models.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		slog.Error("PostgresStore GetSession unmarshal failed", "error", err, "session_id", id)
		return nil, fmt.Errorf("failed to decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (s *PostgresStore) SaveSession(session *models.Session) error {
	session.UpdatedAt = time.Now()
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", session.ID, err)
	}
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, data, created_at, updated_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at`,
		session.ID, string(data), session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "session_id", session.ID)
		return fmt.Errorf("failed to save session %s: %w", session.ID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(id string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return nil
}

func (s *PostgresStore) SeenInbound(messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	now := time.Now()

	if _, err := s.db.Exec(`DELETE FROM inbound_dedup WHERE expires_at < $1`, now); err != nil {
		return false, fmt.Errorf("dedup reap failed: %w", err)
	}

	// A single upsert tells us whether the ID was new: no row inserted means
	// it was already recorded inside the TTL window.
	res, err := s.db.Exec(
		`INSERT INTO inbound_dedup (message_id, expires_at) VALUES ($1, $2)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, now.Add(s.ttl),
	)
	if err != nil {
		return false, fmt.Errorf("dedup record failed: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("dedup rows affected failed: %w", err)
	}
	if inserted == 0 {
		slog.Debug("PostgresStore SeenInbound duplicate suppressed", "message_id", messageID)
		return true, nil
	}
	return false, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }
