package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"chatrelay-backend/internal/models"
)

var (
	// ErrUserNotFound is returned when no user matches a lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when an insert violates a users constraint (duplicate username).
	ErrUserExists = errors.New("user already exists")
)

type UserRepository interface {
	Create(ctx context.Context, user *models.User) error
	GetByUsername(ctx context.Context, username string) (*models.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.User, error)
}

// MessageRepository is an append-only log of chat messages per user.
// ListByUser returns messages oldest first; insertion order breaks timestamp ties.
type MessageRepository interface {
	Create(ctx context.Context, msg *models.ChatMessage) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.ChatMessage, error)
}

// pgxQuerier is the part of *pgxpool.Pool the Postgres repositories use.
type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
