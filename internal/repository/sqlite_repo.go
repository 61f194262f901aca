package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"chatrelay-backend/internal/models"
)

// SQLite stores timestamps as Unix nanoseconds so ORDER BY is numeric.

type SQLiteUserRepo struct {
	db *sql.DB
}

func NewSQLiteUserRepo(db *sql.DB) *SQLiteUserRepo {
	return &SQLiteUserRepo{db: db}
}

func (r *SQLiteUserRepo) Create(ctx context.Context, user *models.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (id, username, password_hash, email, created_at) VALUES (?, ?, ?, ?, ?)`,
		user.ID.String(), user.Username, user.PasswordHash, user.Email, now.UnixNano(),
	)
	if isSQLiteConstraint(err) {
		return ErrUserExists
	}
	if err != nil {
		return err
	}

	user.CreatedAt = now
	return nil
}

func (r *SQLiteUserRepo) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getOne(ctx, `SELECT id, username, password_hash, email, created_at FROM users WHERE username = ?`, username)
}

func (r *SQLiteUserRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	return r.getOne(ctx, `SELECT id, username, password_hash, email, created_at FROM users WHERE id = ?`, id.String())
}

func (r *SQLiteUserRepo) getOne(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	var (
		user      models.User
		id        string
		createdAt int64
	)
	err := r.db.QueryRowContext(ctx, query, arg).Scan(&id, &user.Username, &user.PasswordHash, &user.Email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	if user.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	user.CreatedAt = time.Unix(0, createdAt).UTC()
	return &user, nil
}

type SQLiteMessageRepo struct {
	db *sql.DB
}

func NewSQLiteMessageRepo(db *sql.DB) *SQLiteMessageRepo {
	return &SQLiteMessageRepo{db: db}
}

func (r *SQLiteMessageRepo) Create(ctx context.Context, msg *models.ChatMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO chat_message (id, sender, content, timestamp, user_id) VALUES (?, ?, ?, ?, ?)`,
		msg.ID.String(), msg.Sender, msg.Content, msg.Timestamp.UnixNano(), msg.UserID.String(),
	)
	return err
}

func (r *SQLiteMessageRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.ChatMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, sender, content, timestamp, user_id
		FROM chat_message
		WHERE user_id = ?
		ORDER BY timestamp ASC, seq ASC`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var (
			m            models.ChatMessage
			id, owner    string
			timestampRaw int64
		)
		if err := rows.Scan(&id, &m.Sender, &m.Content, &timestampRaw, &owner); err != nil {
			return nil, err
		}
		if m.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if m.UserID, err = uuid.Parse(owner); err != nil {
			return nil, err
		}
		m.Timestamp = time.Unix(0, timestampRaw).UTC()
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

func isSQLiteConstraint(err error) bool {
	var sqlErr *sqlite.Error
	return errors.As(err, &sqlErr) && sqlErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}
