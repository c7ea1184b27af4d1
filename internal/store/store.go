package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the dev gateway tables. Every statement is idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS dm_users (
    id              TEXT PRIMARY KEY,
    name            TEXT NOT NULL UNIQUE,
    avatar_url      TEXT NOT NULL DEFAULT '',
    hashed_password TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS dm_conversations (
    id         TEXT PRIMARY KEY,
    user_a     TEXT NOT NULL REFERENCES dm_users (id),
    user_b     TEXT NOT NULL REFERENCES dm_users (id),
    created_at TIMESTAMPTZ NOT NULL,
    UNIQUE (user_a, user_b)
);
CREATE TABLE IF NOT EXISTS dm_messages (
    id              TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES dm_conversations (id),
    sender_id       TEXT NOT NULL REFERENCES dm_users (id),
    content         TEXT NOT NULL,
    status          TEXT NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS dm_messages_conversation_created
    ON dm_messages (conversation_id, created_at DESC, id DESC);
`

// Stores bundles the three stores the gateway handlers depend on.
type Stores struct {
	Users         UserStore
	Conversations ConversationStore
	Messages      MessageStore

	close func()
}

// Close releases the database pool, if any.
func (s *Stores) Close() {
	if s.close != nil {
		s.close()
	}
}

// NewMemoryStores returns empty in-process stores.
func NewMemoryStores() *Stores {
	return &Stores{
		Users:         NewMemoryUserStore(),
		Conversations: NewMemoryConversationStore(),
		Messages:      NewMemoryMessageStore(),
	}
}

// OpenPostgres connects to databaseURL, applies Schema and returns
// PostgreSQL-backed stores.
func OpenPostgres(ctx context.Context, databaseURL string) (*Stores, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Stores{
		Users:         NewPostgresUserStore(pool),
		Conversations: NewPostgresConversationStore(pool),
		Messages:      NewPostgresMessageStore(pool),
		close:         pool.Close,
	}, nil
}
