package models

import (
	"time"

	"github.com/google/uuid"
)

// ModelSender is the sender label stored on every model-generated reply.
const ModelSender = "gpt"

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one persisted turn of a user's conversation.
type ChatMessage struct {
	ID        uuid.UUID `json:"id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	UserID    uuid.UUID `json:"user_id"`
}

// RoleForSender maps a stored sender label to a conversation role.
// Only ModelSender becomes "assistant"; every other sender is "user",
// so conversations are single-party by construction.
func RoleForSender(sender string) string {
	if sender == ModelSender {
		return RoleAssistant
	}
	return RoleUser
}

// History converts a stored message into its client-facing form.
func (m ChatMessage) History() HistoryMessage {
	return HistoryMessage{
		ID:        m.ID,
		Role:      RoleForSender(m.Sender),
		Content:   m.Content,
		Timestamp: m.Timestamp,
	}
}

// ChatRequest is the payload sent to the chat endpoint.
type ChatRequest struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ChatResponse is the reply from the model.
type ChatResponse struct {
	Reply string `json:"reply"`
}

type HistoryMessage struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"` // "user" or "assistant"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type HistoryResponse struct {
	Messages []HistoryMessage `json:"messages"`
}
