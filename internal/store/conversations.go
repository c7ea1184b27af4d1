package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
)

// ConversationRecord is a stored two-party conversation. Participants are
// kept in ascending order so a pair maps to exactly one record.
type ConversationRecord struct {
	ID           string
	Participants [2]string
	CreatedAt    time.Time
}

// Has reports whether userID takes part in the conversation.
func (r *ConversationRecord) Has(userID string) bool {
	return r.Participants[0] == userID || r.Participants[1] == userID
}

// Other returns the participant that is not userID.
func (r *ConversationRecord) Other(userID string) string {
	if r.Participants[0] == userID {
		return r.Participants[1]
	}
	return r.Participants[0]
}

// ConversationStore defines persistence operations for conversations.
type ConversationStore interface {
	// GetOrCreateConversation returns the conversation between a and b,
	// creating it when absent. created reports which happened.
	GetOrCreateConversation(ctx context.Context, a, b string) (rec *ConversationRecord, created bool, err error)
	GetConversation(ctx context.Context, id string) (*ConversationRecord, error)
	ListUserConversations(ctx context.Context, userID string) ([]*ConversationRecord, error)
}

func orderedPair(a, b string) ([2]string, error) {
	if a == b {
		return [2]string{}, ErrSelfConversation
	}
	if b < a {
		a, b = b, a
	}
	return [2]string{a, b}, nil
}

// PostgresConversationStore implements ConversationStore with PostgreSQL.
type PostgresConversationStore struct {
	db *pgxpool.Pool
}

func NewPostgresConversationStore(db *pgxpool.Pool) *PostgresConversationStore {
	return &PostgresConversationStore{db: db}
}

func (s *PostgresConversationStore) GetOrCreateConversation(ctx context.Context, a, b string) (*ConversationRecord, bool, error) {
	pair, err := orderedPair(a, b)
	if err != nil {
		return nil, false, err
	}
	rec := &ConversationRecord{Participants: pair}
	err = s.db.QueryRow(ctx, `
		INSERT INTO dm_conversations (id, user_a, user_b, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (user_a, user_b) DO NOTHING
		RETURNING id, created_at
	`, uuid.NewString(), pair[0], pair[1]).Scan(&rec.ID, &rec.CreatedAt)
	if err == nil {
		return rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to create conversation: %w", err)
	}

	err = s.db.QueryRow(ctx, `SELECT id, created_at FROM dm_conversations WHERE user_a = $1 AND user_b = $2`,
		pair[0], pair[1]).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load conversation for %s and %s: %w", pair[0], pair[1], err)
	}
	return rec, false, nil
}

func (s *PostgresConversationStore) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	rec := &ConversationRecord{}
	err := s.db.QueryRow(ctx, `SELECT id, user_a, user_b, created_at FROM dm_conversations WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Participants[0], &rec.Participants[1], &rec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	return rec, nil
}

func (s *PostgresConversationStore) ListUserConversations(ctx context.Context, userID string) ([]*ConversationRecord, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, user_a, user_b, created_at
		FROM dm_conversations
		WHERE user_a = $1 OR user_b = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations for user %s: %w", userID, err)
	}
	defer rows.Close()

	var out []*ConversationRecord
	for rows.Next() {
		rec := &ConversationRecord{}
		if err := rows.Scan(&rec.ID, &rec.Participants[0], &rec.Participants[1], &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversation rows: %w", err)
	}
	return out, nil
}

// MemoryConversationStore keeps conversations in process memory.
type MemoryConversationStore struct {
	mu     sync.RWMutex
	byID   map[string]*ConversationRecord
	byPair map[[2]string]string
	now    func() time.Time
}

func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{
		byID:   make(map[string]*ConversationRecord),
		byPair: make(map[[2]string]string),
		now:    time.Now,
	}
}

func (s *MemoryConversationStore) GetOrCreateConversation(ctx context.Context, a, b string) (*ConversationRecord, bool, error) {
	pair, err := orderedPair(a, b)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byPair[pair]; ok {
		cp := *s.byID[id]
		return &cp, false, nil
	}
	rec := &ConversationRecord{ID: uuid.NewString(), Participants: pair, CreatedAt: s.now().UTC()}
	s.byID[rec.ID] = rec
	s.byPair[pair] = rec.ID
	cp := *rec
	return &cp, true, nil
}

func (s *MemoryConversationStore) GetConversation(ctx context.Context, id string) (*ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return nil, ErrConversationNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryConversationStore) ListUserConversations(ctx context.Context, userID string) ([]*ConversationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ConversationRecord
	for _, rec := range s.byID {
		if rec.Has(userID) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}
