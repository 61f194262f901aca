package services

import (
	"context"
	"errors"
)

// ErrEmptyCompletion is returned when the model answers with no usable text.
var ErrEmptyCompletion = errors.New("completion returned no content")

// CompletionMessage is one turn sent to the model. Role is models.RoleUser or models.RoleAssistant.
type CompletionMessage struct {
	Role    string
	Content string
}

// Completer produces the next assistant reply for an ordered conversation.
type Completer interface {
	Complete(ctx context.Context, messages []CompletionMessage) (string, error)
}
