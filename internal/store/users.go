package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"skatedm-client/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// UserStore defines the interface for user data operations.
type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByName(ctx context.Context, name string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
}

var (
	ErrUserNotFound   = errors.New("user not found")
	ErrUsernameExists = errors.New("username already exists")
)

// PostgresUserStore implements the UserStore interface using PostgreSQL.
type PostgresUserStore struct {
	db *pgxpool.Pool
}

func NewPostgresUserStore(db *pgxpool.Pool) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

// CreateUser inserts a user whose ID and HashedPassword are already set.
func (s *PostgresUserStore) CreateUser(ctx context.Context, user *models.User) error {
	query := `
        INSERT INTO dm_users (id, name, avatar_url, hashed_password, created_at)
        VALUES ($1, $2, $3, $4, $5)
    `
	_, err := s.db.Exec(ctx, query, user.ID, user.Name, user.AvatarURL, user.HashedPassword, user.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" { // unique_violation
			return ErrUsernameExists
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	return s.getUser(ctx, "name", name)
}

func (s *PostgresUserStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	return s.getUser(ctx, "id", id)
}

func (s *PostgresUserStore) getUser(ctx context.Context, column, value string) (*models.User, error) {
	query := `
		SELECT id, name, avatar_url, hashed_password, created_at
		FROM dm_users
		WHERE ` + column + ` = $1
	`
	user := &models.User{}
	err := s.db.QueryRow(ctx, query, value).Scan(
		&user.ID,
		&user.Name,
		&user.AvatarURL,
		&user.HashedPassword,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user by %s: %w", column, err)
	}
	return user, nil
}

// MemoryUserStore keeps users in process memory.
type MemoryUserStore struct {
	mu     sync.RWMutex
	byID   map[string]*models.User
	byName map[string]string
}

func NewMemoryUserStore() *MemoryUserStore {
	return &MemoryUserStore{
		byID:   make(map[string]*models.User),
		byName: make(map[string]string),
	}
}

func (s *MemoryUserStore) CreateUser(ctx context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byName[user.Name]; ok {
		return ErrUsernameExists
	}
	if _, ok := s.byID[user.ID]; ok {
		return fmt.Errorf("user id %s already exists", user.ID)
	}
	u := *user
	s.byID[u.ID] = &u
	s.byName[u.Name] = u.ID
	return nil
}

func (s *MemoryUserStore) GetUserByName(ctx context.Context, name string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, ErrUserNotFound
	}
	u := *s.byID[id]
	return &u, nil
}

func (s *MemoryUserStore) GetUserByID(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}
