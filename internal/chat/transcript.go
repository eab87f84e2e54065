package chat

import (
	"sync"

	"pocketllm/internal/conversation"
)

// Transcript is the live message buffer for the active conversation,
// newest-first. All methods are safe for concurrent use; Snapshot returns
// a copy so callers never observe a mutation mid-read.
type Transcript struct {
	mu   sync.Mutex
	msgs []conversation.Message
}

func NewTranscript() *Transcript {
	return &Transcript{}
}

// Prepend inserts msg as the newest entry.
func (t *Transcript) Prepend(msg conversation.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append([]conversation.Message{msg}, t.msgs...)
}

// SetText replaces the text of the message with the given id, recomputing
// its token estimate. Reports whether the message was found.
func (t *Transcript) SetText(id, text string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.msgs {
		if t.msgs[i].ID == id {
			t.msgs[i].Text = text
			t.msgs[i].RemainTokens = conversation.ApproxTokens(text)
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the buffer, newest-first.
func (t *Transcript) Snapshot() []conversation.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]conversation.Message(nil), t.msgs...)
}

// Replace swaps the whole buffer, e.g. after switching conversations.
func (t *Transcript) Replace(msgs []conversation.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = append([]conversation.Message(nil), msgs...)
}

// Latest returns the newest message, if any.
func (t *Transcript) Latest() (conversation.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.msgs) == 0 {
		return conversation.Message{}, false
	}
	return t.msgs[0], true
}

func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.msgs)
}

func (t *Transcript) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.msgs = nil
}
