package engine

import "context"

// Message is one turn of generation context, oldest-first.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Engine is the on-device inference capability for a catalog of models.
// Download and Chat block until complete; both honor context cancellation.
// The delta callback receives incremental text chunks in order and must not
// be called after Chat returns.
type Engine interface {
	IsDownloaded(ctx context.Context, modelID string) (bool, error)
	Download(ctx context.Context, modelID string, onProgress func(percent int)) error
	Prepare(ctx context.Context, modelID string) error
	Unload(ctx context.Context, modelID string) error
	Remove(ctx context.Context, modelID string) error

	Chat(ctx context.Context, modelID string, messages []Message, onDelta func(delta string)) error
	Complete(ctx context.Context, modelID string, prompt string, onDelta func(delta string)) error
}

// Titler produces a short natural-language title for a message excerpt.
type Titler interface {
	Title(ctx context.Context, modelID string, messages []Message) (string, error)
}
