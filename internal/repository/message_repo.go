package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"chatrelay-backend/internal/models"
)

type MessageRepo struct {
	pool pgxQuerier
}

func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

func (r *MessageRepo) Create(ctx context.Context, msg *models.ChatMessage) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO chat_message (id, sender, content, timestamp, user_id) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.Sender, msg.Content, msg.Timestamp, msg.UserID,
	)
	return err
}

func (r *MessageRepo) ListByUser(ctx context.Context, userID uuid.UUID) ([]models.ChatMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, sender, content, timestamp, user_id
		FROM chat_message
		WHERE user_id = $1
		ORDER BY timestamp ASC, seq ASC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]models.ChatMessage, 0)
	for rows.Next() {
		var m models.ChatMessage
		if err := rows.Scan(&m.ID, &m.Sender, &m.Content, &m.Timestamp, &m.UserID); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}
