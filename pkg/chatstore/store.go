package chatstore

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/lrhodin/ephemera/pkg/chat"
)

// DefaultLifetime is how long a message stays observable after creation.
const DefaultLifetime = 24 * time.Hour

// Publisher receives every committed insert. Realtime feeds implement it.
type Publisher interface {
	Publish(ctx context.Context, evt chat.Event) error
}

// Store is the persistence collaborator: conversations, participants and
// ephemeral messages in a dbutil database (SQLite or Postgres).
type Store struct {
	db  *dbutil.Database
	log zerolog.Logger

	// Lifetime is added to created_at to compute expires_at on insert.
	Lifetime time.Duration
	// Now is the server clock used for expiry filtering and timestamps.
	Now func() time.Time
	// Publisher, when set, is notified after each new message is committed.
	Publisher Publisher
}

func New(db *dbutil.Database, log zerolog.Logger) *Store {
	return &Store{
		db:       db,
		log:      log.With().Str("component", "chatstore").Logger(),
		Lifetime: DefaultLifetime,
		Now:      time.Now,
	}
}

// Open connects to the configured database and ensures the schema exists.
func Open(ctx context.Context, cfg dbutil.Config, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewFromConfig("ephemera", cfg, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	store := New(db, log)
	if err = store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *dbutil.Database {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// now returns the server clock truncated to the millisecond precision stored in the database.
func (s *Store) now() time.Time {
	return time.UnixMilli(s.Now().UnixMilli())
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversation (
			id TEXT NOT NULL PRIMARY KEY,
			kind TEXT NOT NULL,
			title TEXT,
			created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS participant (
			conversation_id TEXT NOT NULL REFERENCES conversation(id),
			user_id TEXT NOT NULL,
			role TEXT NOT NULL DEFAULT 'member',
			joined_at BIGINT NOT NULL,
			last_read_at BIGINT,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (conversation_id, user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS message (
			id TEXT NOT NULL PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversation(id),
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			kind TEXT NOT NULL,
			idempotency_key TEXT,
			created_at BIGINT NOT NULL,
			expires_at BIGINT NOT NULL,
			CHECK (expires_at > created_at)
		)`,
		`CREATE INDEX IF NOT EXISTS participant_user_idx
			ON participant (user_id, active)`,
		`CREATE INDEX IF NOT EXISTS message_conversation_ts_idx
			ON message (conversation_id, created_at, id)`,
		`CREATE INDEX IF NOT EXISTS message_expiry_idx
			ON message (expires_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS message_idempotency_idx
			ON message (conversation_id, sender_id, idempotency_key)`,
	}
	for _, query := range queries {
		if _, err := s.db.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to ensure chat schema: %w", err)
		}
	}
	return nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
