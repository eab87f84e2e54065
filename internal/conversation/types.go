package conversation

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Meta is one conversation thread's metadata. Title, Summary and
// LastMessagePreview are empty until set. Timestamps are persisted as
// RFC 3339 strings.
type Meta struct {
	ID                 string    `json:"id"`
	ModelID            string    `json:"modelId"`
	Title              string    `json:"title,omitempty"`
	Summary            string    `json:"summary,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
	UpdatedAt          time.Time `json:"updatedAt"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
}

// Message belongs to exactly one conversation. Live state holds messages
// newest-first; storage holds them oldest-first. RemainTokens is an advisory
// length-derived approximation.
type Message struct {
	ID               string    `json:"id"`
	Text             string    `json:"text"`
	IsUser           bool      `json:"isUser"`
	Timestamp        time.Time `json:"timestamp"`
	IncludeInContext bool      `json:"includeInContext"`
	RemainTokens     int       `json:"remainTokens"`
}

// UnmarshalJSON keeps IncludeInContext defaulting to true for records
// written before the field existed.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	aux := struct {
		*alias
		IncludeInContext *bool `json:"includeInContext"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.IncludeInContext == nil {
		m.IncludeInContext = true
	} else {
		m.IncludeInContext = *aux.IncludeInContext
	}
	return nil
}

func NewMessage(text string, isUser bool) Message {
	now := time.Now().UTC()
	return Message{
		ID:               newMessageID(now),
		Text:             text,
		IsUser:           isUser,
		Timestamp:        now,
		IncludeInContext: true,
		RemainTokens:     ApproxTokens(text),
	}
}

// ApproxTokens estimates a token count from text length alone.
func ApproxTokens(text string) int {
	return len(text) / 4
}

// Truncate limits s to max runes.
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

func newMessageID(now time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("msg-%d", now.UnixNano())
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), hex.EncodeToString(buf))
}
