package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"pocketllm/internal/engine"
	"pocketllm/internal/kvstore"
	"pocketllm/internal/metrics"
)

// DefaultMigratedTitle names the conversation synthesized from legacy data
// when title generation fails.
const DefaultMigratedTitle = "Chat 1"

const (
	previewLimit          = 100
	titleLimit            = 50
	migrationTitleContext = 5
)

// Store owns all durable conversation state for every model: metadata
// lists, message records, last-active pointers and the one-time legacy
// migration. A single mutex serializes mutating operations so that each
// record is always written whole.
type Store struct {
	kv      kvstore.Store
	titler  engine.Titler
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu sync.Mutex
}

type Config struct {
	KV      kvstore.Store
	Titler  engine.Titler
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

func New(cfg Config) *Store {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Store{
		kv:      cfg.KV,
		titler:  cfg.Titler,
		logger:  cfg.Logger,
		metrics: m,
	}
}

// LoadList returns the model's conversations, most recently created first.
// Absent or corrupt records read as empty.
func (s *Store) LoadList(ctx context.Context, modelID string) ([]Meta, error) {
	raw, found, err := s.kv.Load(ctx, kvstore.ConversationListKey(modelID))
	if err != nil {
		return nil, fmt.Errorf("load conversation list: %w", err)
	}
	if !found {
		return []Meta{}, nil
	}
	var list []Meta
	if err := json.Unmarshal(raw, &list); err != nil {
		s.logger.Warn().Err(err).Str("model_id", modelID).Msg("corrupt conversation list, treating as empty")
		return []Meta{}, nil
	}
	return list, nil
}

// ResolveActive picks the conversation a reopened screen should show: the
// persisted last-active pointer when it still names a member of list,
// otherwise the most recently updated entry, otherwise "".
func (s *Store) ResolveActive(ctx context.Context, modelID string, list []Meta) string {
	raw, found, err := s.kv.Load(ctx, kvstore.LastConversationKey(modelID))
	if err == nil && found {
		id := string(raw)
		for _, m := range list {
			if m.ID == id {
				return id
			}
		}
	}
	return mostRecentlyUpdated(list)
}

// MigrateLegacy converts a pre-multi-conversation message record into a
// single conversation. Idempotent and fail-closed: it reports false without
// touching storage when there is nothing to migrate or when a conversation
// list already exists. Title generation failure degrades to the default
// title; the structural move always completes before the legacy record is
// deleted.
func (s *Store) MigrateLegacy(ctx context.Context, modelID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	legacyKey := kvstore.LegacyMessagesKey(modelID)
	rawLegacy, found, err := s.kv.Load(ctx, legacyKey)
	if err != nil {
		return false, fmt.Errorf("load legacy record: %w", err)
	}
	if !found {
		return false, nil
	}
	if _, listExists, err := s.kv.Load(ctx, kvstore.ConversationListKey(modelID)); err != nil {
		return false, fmt.Errorf("check conversation list: %w", err)
	} else if listExists {
		return false, nil
	}

	var legacy []Message
	if err := json.Unmarshal(rawLegacy, &legacy); err != nil {
		s.logger.Warn().Err(err).Str("model_id", modelID).Msg("corrupt legacy record, treating as empty")
		legacy = nil
	}

	title := s.migrationTitle(ctx, modelID, legacy)

	now := time.Now().UTC()
	meta := Meta{
		ID:        uuid.NewString(),
		ModelID:   modelID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if len(legacy) > 0 {
		meta.LastMessagePreview = Truncate(legacy[len(legacy)-1].Text, previewLimit)
	}

	// The legacy record is already chronological; move the bytes unchanged.
	if err := s.kv.Save(ctx, kvstore.MessagesKey(meta.ID), rawLegacy); err != nil {
		return false, fmt.Errorf("move legacy messages: %w", err)
	}
	if err := s.saveList(ctx, modelID, []Meta{meta}); err != nil {
		return false, err
	}
	if err := s.kv.Save(ctx, kvstore.LastConversationKey(modelID), []byte(meta.ID)); err != nil {
		return false, fmt.Errorf("set last-active pointer: %w", err)
	}
	if err := s.kv.Remove(ctx, legacyKey); err != nil {
		return false, fmt.Errorf("delete legacy record: %w", err)
	}

	s.metrics.ConversationsMigrated.Inc()
	s.logger.Info().Str("model_id", modelID).Str("conversation_id", meta.ID).Int("messages", len(legacy)).Msg("migrated legacy messages")
	return true, nil
}

func (s *Store) migrationTitle(ctx context.Context, modelID string, legacy []Message) string {
	if s.titler == nil || len(legacy) == 0 {
		return DefaultMigratedTitle
	}
	excerpt := legacy
	if len(excerpt) > migrationTitleContext {
		excerpt = excerpt[:migrationTitleContext]
	}
	title, err := s.titler.Title(ctx, modelID, ToEngineMessages(excerpt))
	if err != nil {
		s.logger.Warn().Err(err).Str("model_id", modelID).Msg("migration title generation failed, using default")
		return DefaultMigratedTitle
	}
	title = Truncate(strings.TrimSpace(title), titleLimit)
	if title == "" {
		return DefaultMigratedTitle
	}
	return title
}

// Create prepends a new conversation to the model's list, initializes its
// empty message record, points last-active at it and returns its id.
func (s *Store) Create(ctx context.Context, modelID, initialTitle string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.LoadList(ctx, modelID)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	meta := Meta{
		ID:        uuid.NewString(),
		ModelID:   modelID,
		Title:     initialTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	list = append([]Meta{meta}, list...)

	if err := s.kv.Save(ctx, kvstore.MessagesKey(meta.ID), []byte("[]")); err != nil {
		return "", fmt.Errorf("init message record: %w", err)
	}
	if err := s.saveList(ctx, modelID, list); err != nil {
		return "", err
	}
	if err := s.kv.Save(ctx, kvstore.LastConversationKey(modelID), []byte(meta.ID)); err != nil {
		return "", fmt.Errorf("set last-active pointer: %w", err)
	}
	return meta.ID, nil
}

// Select updates the last-active pointer. Membership is the caller's
// responsibility.
func (s *Store) Select(ctx context.Context, modelID, conversationID string) error {
	if err := s.kv.Save(ctx, kvstore.LastConversationKey(modelID), []byte(conversationID)); err != nil {
		return fmt.Errorf("set last-active pointer: %w", err)
	}
	return nil
}

// Delete removes a conversation and its messages. When the deleted
// conversation was active, the most recently updated survivor becomes
// active; with no survivors the pointer is cleared.
func (s *Store) Delete(ctx context.Context, modelID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.kv.Remove(ctx, kvstore.MessagesKey(conversationID)); err != nil {
		return fmt.Errorf("remove message record: %w", err)
	}

	list, err := s.LoadList(ctx, modelID)
	if err != nil {
		return err
	}
	survivors := make([]Meta, 0, len(list))
	for _, m := range list {
		if m.ID != conversationID {
			survivors = append(survivors, m)
		}
	}
	if err := s.saveList(ctx, modelID, survivors); err != nil {
		return err
	}

	raw, found, err := s.kv.Load(ctx, kvstore.LastConversationKey(modelID))
	if err != nil {
		return fmt.Errorf("load last-active pointer: %w", err)
	}
	if !found || string(raw) != conversationID {
		return nil
	}
	if next := mostRecentlyUpdated(survivors); next != "" {
		if err := s.kv.Save(ctx, kvstore.LastConversationKey(modelID), []byte(next)); err != nil {
			return fmt.Errorf("set last-active pointer: %w", err)
		}
		return nil
	}
	if err := s.kv.Remove(ctx, kvstore.LastConversationKey(modelID)); err != nil {
		return fmt.Errorf("clear last-active pointer: %w", err)
	}
	return nil
}

// MetaUpdate carries the fields UpdateMeta merges. Nil fields are left
// untouched; a nil UpdatedAt defaults to the current time.
type MetaUpdate struct {
	Title              *string
	Summary            *string
	LastMessagePreview *string
	UpdatedAt          *time.Time
}

func (s *Store) UpdateMeta(ctx context.Context, modelID, conversationID string, upd MetaUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.LoadList(ctx, modelID)
	if err != nil {
		return err
	}
	updated := false
	for i := range list {
		if list[i].ID != conversationID {
			continue
		}
		if upd.Title != nil {
			list[i].Title = *upd.Title
		}
		if upd.Summary != nil {
			list[i].Summary = *upd.Summary
		}
		if upd.LastMessagePreview != nil {
			list[i].LastMessagePreview = Truncate(*upd.LastMessagePreview, previewLimit)
		}
		if upd.UpdatedAt != nil {
			list[i].UpdatedAt = *upd.UpdatedAt
		} else {
			list[i].UpdatedAt = time.Now().UTC()
		}
		updated = true
		break
	}
	if !updated {
		return fmt.Errorf("conversation %q: %w", conversationID, kvstore.ErrNotFound)
	}
	return s.saveList(ctx, modelID, list)
}

// DeleteAll removes every record for the model: message records, the list
// and the last-active pointer. Used when the model itself is removed.
func (s *Store) DeleteAll(ctx context.Context, modelID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.LoadList(ctx, modelID)
	if err != nil {
		return err
	}
	for _, m := range list {
		if err := s.kv.Remove(ctx, kvstore.MessagesKey(m.ID)); err != nil {
			return fmt.Errorf("remove message record: %w", err)
		}
	}
	if err := s.kv.Remove(ctx, kvstore.ConversationListKey(modelID)); err != nil {
		return fmt.Errorf("remove conversation list: %w", err)
	}
	if err := s.kv.Remove(ctx, kvstore.LastConversationKey(modelID)); err != nil {
		return fmt.Errorf("clear last-active pointer: %w", err)
	}
	return nil
}

// LoadMessages is one of the two ordering boundaries: storage is
// chronological, the returned slice is live order (newest first). Absent or
// corrupt records read as empty.
func (s *Store) LoadMessages(ctx context.Context, conversationID string) ([]Message, error) {
	raw, found, err := s.kv.Load(ctx, kvstore.MessagesKey(conversationID))
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	if !found {
		return []Message{}, nil
	}
	var stored []Message
	if err := json.Unmarshal(raw, &stored); err != nil {
		s.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("corrupt message record, treating as empty")
		return []Message{}, nil
	}
	return reversed(stored), nil
}

// SaveMessages is the other ordering boundary: it takes live order (newest
// first) and persists chronological order.
func (s *Store) SaveMessages(ctx context.Context, conversationID string, live []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(reversed(live))
	if err != nil {
		return fmt.Errorf("marshal messages: %w", err)
	}
	if err := s.kv.Save(ctx, kvstore.MessagesKey(conversationID), raw); err != nil {
		return fmt.Errorf("save messages: %w", err)
	}
	return nil
}

func (s *Store) saveList(ctx context.Context, modelID string, list []Meta) error {
	raw, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("marshal conversation list: %w", err)
	}
	if err := s.kv.Save(ctx, kvstore.ConversationListKey(modelID), raw); err != nil {
		return fmt.Errorf("save conversation list: %w", err)
	}
	return nil
}

func mostRecentlyUpdated(list []Meta) string {
	id := ""
	var latest time.Time
	for _, m := range list {
		if id == "" || m.UpdatedAt.After(latest) {
			id = m.ID
			latest = m.UpdatedAt
		}
	}
	return id
}

func reversed(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}

// ToEngineMessages maps chronological messages to generation-request turns,
// role keyed by IsUser.
func ToEngineMessages(msgs []Message) []engine.Message {
	out := make([]engine.Message, 0, len(msgs))
	for _, m := range msgs {
		role := engine.RoleAssistant
		if m.IsUser {
			role = engine.RoleUser
		}
		out = append(out, engine.Message{Role: role, Content: m.Text})
	}
	return out
}
