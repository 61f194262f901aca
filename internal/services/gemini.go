package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"chatrelay-backend/internal/models"
)

type GeminiCompleter struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

func NewGeminiCompleter(ctx context.Context, apiKey, modelName string) (*GeminiCompleter, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0.7)
	model.SetTopP(0.95)

	return &GeminiCompleter{client: client, model: model}, nil
}

func (g *GeminiCompleter) Close() error {
	return g.client.Close()
}

// Complete replays all but the last turn as chat history and sends the last one.
func (g *GeminiCompleter) Complete(ctx context.Context, messages []CompletionMessage) (string, error) {
	turns := mergeTurns(messages)
	if len(turns) == 0 {
		return "", fmt.Errorf("gemini: no messages to send")
	}

	cs := g.model.StartChat()
	cs.History = geminiHistory(turns[:len(turns)-1])

	last := turns[len(turns)-1]
	resp, err := cs.SendMessage(ctx, genai.Text(last.Content))
	if err != nil {
		return "", fmt.Errorf("gemini chat: %w", err)
	}

	text := strings.TrimSpace(extractText(resp))
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}

// mergeTurns joins consecutive same-role messages; Gemini rejects histories
// where roles do not alternate, which happens after an unanswered user turn.
func mergeTurns(messages []CompletionMessage) []CompletionMessage {
	merged := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		if n := len(merged); n > 0 && merged[n-1].Role == m.Role {
			merged[n-1].Content += "\n\n" + m.Content
			continue
		}
		merged = append(merged, m)
	}
	return merged
}

func geminiHistory(turns []CompletionMessage) []*genai.Content {
	history := make([]*genai.Content, 0, len(turns))
	for _, t := range turns {
		role := "user"
		if t.Role == models.RoleAssistant {
			role = "model"
		}
		history = append(history, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(t.Content)},
		})
	}
	return history
}

func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var text strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content != nil {
			for _, part := range cand.Content.Parts {
				if t, ok := part.(genai.Text); ok {
					text.WriteString(string(t))
				}
			}
		}
	}
	return text.String()
}
