// Package store provides session and deduplication storage backends for
// CitaBot.
//
// It includes an in-memory store for single-instance deployments and
// SQLite/Postgres stores for deployments that want sessions to survive a
// restart. All implementations expose the same Store interface.
package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/citabot/citabot/internal/models"
)

// DefaultDedupTTL is how long an inbound message ID is remembered for
// duplicate suppression.
const DefaultDedupTTL = 300 * time.Second

// Store is the session-store abstraction: get-or-create, save, delete, plus
// the inbound-message deduplication filter.
type Store interface {
	// GetSession returns the stored session for the given key, or nil when
	// the key has never been seen.
	GetSession(id string) (*models.Session, error)

	// SaveSession persists the session.
	SaveSession(session *models.Session) error

	// DeleteSession removes all state for a session key.
	DeleteSession(id string) error

	// SeenInbound reports whether the message ID was already processed and
	// marks it seen for the TTL window. An empty ID is never a duplicate.
	// Expired entries are reaped lazily on each call.
	SeenInbound(messageID string) (bool, error)

	// Close releases any underlying resources.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN      string
	DedupTTL time.Duration
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithDedupTTL overrides the duplicate-suppression window.
func WithDedupTTL(ttl time.Duration) Option {
	return func(o *Opts) { o.DedupTTL = ttl }
}

// InMemoryStore keeps sessions and dedup records in process memory. It is the
// default backend: the system assumes a single process instance owns all
// session state.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.Session
	seen     map[string]time.Time // message ID -> expiry
	ttl      time.Duration
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	cfg := Opts{DedupTTL: DefaultDedupTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &InMemoryStore{
		sessions: make(map[string]*models.Session),
		seen:     make(map[string]time.Time),
		ttl:      cfg.DedupTTL,
	}
}

func (s *InMemoryStore) GetSession(id string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, nil
	}
	// Hand out a copy so callers cannot mutate shared state without Save.
	return sess.Clone(), nil
}

func (s *InMemoryStore) SaveSession(session *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session.UpdatedAt = time.Now()
	s.sessions[session.ID] = session.Clone()
	return nil
}

func (s *InMemoryStore) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

func (s *InMemoryStore) SeenInbound(messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Lazy reap keeps the map bounded without a background goroutine.
	for id, expiry := range s.seen {
		if expiry.Before(now) {
			delete(s.seen, id)
		}
	}

	if expiry, ok := s.seen[messageID]; ok && expiry.After(now) {
		slog.Debug("InMemoryStore SeenInbound duplicate suppressed", "message_id", messageID)
		return true, nil
	}
	s.seen[messageID] = now.Add(s.ttl)
	return false, nil
}

func (s *InMemoryStore) Close() error { return nil }
