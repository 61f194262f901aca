package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"chatrelay-backend/internal/models"
)

type messageRepository interface {
	Create(ctx context.Context, msg *models.ChatMessage) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]models.ChatMessage, error)
}

// MessagePublisher receives every message after it has been persisted.
type MessagePublisher interface {
	PublishMessage(ctx context.Context, userID uuid.UUID, msg models.ChatMessage)
}

type ChatService struct {
	messages  messageRepository
	completer Completer
	locker    TurnLocker
	publisher MessagePublisher
	timeout   time.Duration
	log       logrus.FieldLogger
	now       func() time.Time
}

// NewChatService wires the pipeline. A nil locker lets turns interleave; a nil publisher drops events.
func NewChatService(
	messages messageRepository,
	completer Completer,
	locker TurnLocker,
	publisher MessagePublisher,
	timeout time.Duration,
	log logrus.FieldLogger,
) *ChatService {
	if locker == nil {
		locker = NoopTurnLocker()
	}
	return &ChatService{
		messages:  messages,
		completer: completer,
		locker:    locker,
		publisher: publisher,
		timeout:   timeout,
		log:       log,
		now:       time.Now,
	}
}

// Send persists the caller's turn, replays the full history to the model and
// persists the reply. On an upstream failure the user turn stays persisted
// without an answer.
func (s *ChatService) Send(ctx context.Context, id models.Identity, req models.ChatRequest) (string, error) {
	if id.UserID == uuid.Nil {
		return "", &UnauthorizedError{Message: "Missing caller identity"}
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return "", &ValidationError{Fields: map[string]string{"content": "Message content is required"}}
	}

	sender := id.Username
	if sender == "" {
		sender = strings.TrimSpace(req.Role)
	}
	if sender == "" {
		sender = models.RoleUser
	}

	log := s.log.WithField("user_id", id.UserID)

	// Waiting for an earlier turn is bounded like the completion call itself.
	lockCtx, cancelLock := context.WithTimeout(ctx, s.timeout)
	unlock, err := s.locker.Lock(lockCtx, id.UserID)
	cancelLock()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn("chat: gave up waiting for the previous turn")
			return "", ErrTurnBusy
		}
		log.WithError(err).Error("chat: failed to acquire turn lock")
		return "", &StorageError{Op: "acquire turn lock", Err: err}
	}
	defer unlock()

	// From here on writes and the model call finish together even if the client goes away.
	ctx = context.WithoutCancel(ctx)

	inbound := models.ChatMessage{
		ID:        uuid.New(),
		Sender:    sender,
		Content:   content,
		Timestamp: s.now().UTC(),
		UserID:    id.UserID,
	}
	if err := s.messages.Create(ctx, &inbound); err != nil {
		log.WithError(err).Error("chat: failed to save user message")
		return "", &StorageError{Op: "save user message", Err: err}
	}
	s.publish(ctx, inbound)

	stored, err := s.messages.ListByUser(ctx, id.UserID)
	if err != nil {
		log.WithError(err).Error("chat: failed to load history")
		return "", &StorageError{Op: "load history", Err: err}
	}
	conversation := buildConversation(stored, inbound)

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	reply, err := s.completer.Complete(callCtx, conversation)
	if err != nil {
		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)
		log.WithError(err).WithField("timeout", timedOut).Error("chat: completion failed")
		return "", &UpstreamError{Timeout: timedOut, Err: err}
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		log.Error("chat: completion returned empty reply")
		return "", &UpstreamError{Err: ErrEmptyCompletion}
	}

	answer := models.ChatMessage{
		ID:        uuid.New(),
		Sender:    models.ModelSender,
		Content:   reply,
		Timestamp: s.now().UTC(),
		UserID:    id.UserID,
	}
	if err := s.messages.Create(ctx, &answer); err != nil {
		log.WithError(err).Error("chat: failed to save model reply")
		return "", &StorageError{Op: "save model reply", Err: err}
	}
	s.publish(ctx, answer)

	return reply, nil
}

// History returns the caller's messages oldest first.
func (s *ChatService) History(ctx context.Context, userID uuid.UUID) ([]models.HistoryMessage, error) {
	stored, err := s.messages.ListByUser(ctx, userID)
	if err != nil {
		s.log.WithError(err).WithField("user_id", userID).Error("chat: failed to fetch history")
		return nil, &StorageError{Op: "load history", Err: err}
	}

	history := make([]models.HistoryMessage, 0, len(stored))
	for _, m := range stored {
		history = append(history, m.History())
	}
	return history, nil
}

// buildConversation maps stored rows to roles and places the new turn last, exactly once,
// whether or not the store already returned it.
func buildConversation(stored []models.ChatMessage, inbound models.ChatMessage) []CompletionMessage {
	conversation := make([]CompletionMessage, 0, len(stored)+1)
	for _, m := range stored {
		if m.ID == inbound.ID {
			continue
		}
		conversation = append(conversation, CompletionMessage{
			Role:    models.RoleForSender(m.Sender),
			Content: m.Content,
		})
	}
	return append(conversation, CompletionMessage{Role: models.RoleUser, Content: inbound.Content})
}

func (s *ChatService) publish(ctx context.Context, msg models.ChatMessage) {
	if s.publisher == nil {
		return
	}
	s.publisher.PublishMessage(ctx, msg.UserID, msg)
}
