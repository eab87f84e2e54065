package engine

import (
	"context"
	"fmt"
	"strings"
)

const titleInstruction = "Generate a short title for this conversation, at most five words. Reply with the title only, no quotes or punctuation around it."

// ChatTitler derives conversation titles by asking the engine itself.
type ChatTitler struct {
	engine Engine
}

func NewChatTitler(e Engine) *ChatTitler {
	return &ChatTitler{engine: e}
}

var _ Titler = (*ChatTitler)(nil)

func (t *ChatTitler) Title(ctx context.Context, modelID string, messages []Message) (string, error) {
	if len(messages) == 0 {
		return "", fmt.Errorf("no messages to title")
	}
	req := make([]Message, 0, len(messages)+1)
	req = append(req, messages...)
	req = append(req, Message{Role: RoleUser, Content: titleInstruction})

	var b strings.Builder
	if err := t.engine.Chat(ctx, modelID, req, func(delta string) {
		b.WriteString(delta)
	}); err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}

	title := strings.Trim(strings.TrimSpace(b.String()), `"'`)
	title = strings.ReplaceAll(title, "\n", " ")
	if title == "" {
		return "", fmt.Errorf("engine returned an empty title")
	}
	return title, nil
}
