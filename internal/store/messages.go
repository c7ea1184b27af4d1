package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"skatedm-client/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var ErrMessageExists = errors.New("message id already exists")

// MessageStore defines persistence operations for messages.
type MessageStore interface {
	CreateMessage(ctx context.Context, message *models.Message) error
	// GetMessages returns up to limit messages newest first, skipping offset.
	GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]*models.Message, error)
	// GetLastMessage returns nil without error for an empty conversation.
	GetLastMessage(ctx context.Context, conversationID string) (*models.Message, error)
	// CountUnread counts messages written by others that userID has not read.
	CountUnread(ctx context.Context, conversationID, userID string) (int, error)
	// MarkRead marks every message not written by readerID as read and
	// returns how many changed.
	MarkRead(ctx context.Context, conversationID, readerID string) (int, error)
}

// PostgresMessageStore implements MessageStore with PostgreSQL.
type PostgresMessageStore struct {
	db *pgxpool.Pool
}

func NewPostgresMessageStore(db *pgxpool.Pool) *PostgresMessageStore {
	return &PostgresMessageStore{db: db}
}

const messageColumns = `id, conversation_id, sender_id, content, status, created_at`

func scanMessage(row pgx.Row) (*models.Message, error) {
	var msg models.Message
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.Status, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return &msg, nil
}

func (s *PostgresMessageStore) CreateMessage(ctx context.Context, message *models.Message) error {
	query := `
        INSERT INTO dm_messages (` + messageColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6)
    `
	_, err := s.db.Exec(ctx, query,
		message.ID,
		message.ConversationID,
		message.SenderID,
		message.Content,
		message.Status,
		message.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrMessageExists
		}
		return fmt.Errorf("failed to create message: %w", err)
	}
	return nil
}

func (s *PostgresMessageStore) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]*models.Message, error) {
	rows, err := s.db.Query(ctx, `
        SELECT `+messageColumns+`
        FROM dm_messages
        WHERE conversation_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2 OFFSET $3
    `, conversationID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages for conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	messages := make([]*models.Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

func (s *PostgresMessageStore) GetLastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	msg, err := scanMessage(s.db.QueryRow(ctx, `
        SELECT `+messageColumns+`
        FROM dm_messages
        WHERE conversation_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT 1
    `, conversationID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last message for conversation %s: %w", conversationID, err)
	}
	return msg, nil
}

func (s *PostgresMessageStore) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
        SELECT COUNT(*)
        FROM dm_messages
        WHERE conversation_id = $1 AND sender_id != $2 AND status != $3
    `, conversationID, userID, models.StatusRead).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to get unread message count: %w", err)
	}
	return count, nil
}

func (s *PostgresMessageStore) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE dm_messages
        SET status = $3
        WHERE conversation_id = $1 AND sender_id != $2 AND status != $3
    `, conversationID, readerID, models.StatusRead)
	if err != nil {
		return 0, fmt.Errorf("failed to mark conversation %s read: %w", conversationID, err)
	}
	return int(tag.RowsAffected()), nil
}

// MemoryMessageStore keeps messages in process memory, oldest first per
// conversation.
type MemoryMessageStore struct {
	mu     sync.RWMutex
	byConv map[string][]*models.Message
	ids    map[string]struct{}
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		byConv: make(map[string][]*models.Message),
		ids:    make(map[string]struct{}),
	}
}

func (s *MemoryMessageStore) CreateMessage(ctx context.Context, message *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[message.ID]; ok {
		return ErrMessageExists
	}
	m := *message
	msgs := append(s.byConv[m.ConversationID], &m)
	if n := len(msgs); n > 1 && msgs[n-2].Compare(&m) > 0 {
		slices.SortFunc(msgs, func(a, b *models.Message) int { return a.Compare(b) })
	}
	s.byConv[m.ConversationID] = msgs
	s.ids[m.ID] = struct{}{}
	return nil
}

func (s *MemoryMessageStore) GetMessages(ctx context.Context, conversationID string, limit, offset int) ([]*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byConv[conversationID]
	out := make([]*models.Message, 0, limit)
	for i := len(msgs) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		cp := *msgs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryMessageStore) GetLastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byConv[conversationID]
	if len(msgs) == 0 {
		return nil, nil
	}
	cp := *msgs[len(msgs)-1]
	return &cp, nil
}

func (s *MemoryMessageStore) CountUnread(ctx context.Context, conversationID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.byConv[conversationID] {
		if m.SenderID != userID && m.Status != models.StatusRead {
			n++
		}
	}
	return n, nil
}

func (s *MemoryMessageStore) MarkRead(ctx context.Context, conversationID, readerID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.byConv[conversationID] {
		if m.SenderID != readerID && m.Status != models.StatusRead {
			m.Status = models.StatusRead
			n++
		}
	}
	return n, nil
}
