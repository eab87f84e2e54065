package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pocketllm/internal/conversation"
	"pocketllm/internal/engine"
	"pocketllm/internal/metrics"
	"pocketllm/internal/model"
)

const (
	defaultFlushDelay = 400 * time.Millisecond
	titleMaxLen       = 50
	titleMinMessages  = 3
	titleContextSize  = 5
	previewLimit      = 100
)

type SessionConfig struct {
	Store     *conversation.Store
	Lifecycle *model.Lifecycle
	Engine    engine.Engine
	Titler    engine.Titler
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics

	// UseHistory includes the prior transcript in generation requests.
	UseHistory bool
	// FlushDelay batches rapid transcript updates into one persistence
	// write. Zero means the default.
	FlushDelay time.Duration
	// OnScroll is forwarded to the stream's throttled scroll notifier.
	OnScroll func()
}

// Session composes the conversation store, the model lifecycle and the
// message stream into the operations a chat screen consumes. One Session
// serves one model at a time.
type Session struct {
	store      *conversation.Store
	lifecycle  *model.Lifecycle
	titler     engine.Titler
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	flushDelay time.Duration

	transcript *Transcript
	stream     *Stream

	mu            sync.Mutex
	modelID       string
	activeConv    string
	titleInFlight map[string]struct{}
	flushTimer    *time.Timer
	closed        bool
}

func NewSession(cfg SessionConfig) *Session {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	delay := cfg.FlushDelay
	if delay <= 0 {
		delay = defaultFlushDelay
	}

	s := &Session{
		store:         cfg.Store,
		lifecycle:     cfg.Lifecycle,
		titler:        cfg.Titler,
		logger:        cfg.Logger,
		metrics:       m,
		flushDelay:    delay,
		transcript:    NewTranscript(),
		titleInFlight: map[string]struct{}{},
	}
	s.stream = NewStream(StreamConfig{
		Engine:     cfg.Engine,
		Transcript: s.transcript,
		Logger:     cfg.Logger,
		Metrics:    m,
		UseHistory: cfg.UseHistory,
		OnScroll:   cfg.OnScroll,
		Model: func() (string, bool) {
			st := cfg.Lifecycle.Status()
			return st.ModelID, st.State == model.Ready
		},
		OnDone: s.streamDone,
	})
	return s
}

// Start binds the session to modelID: runs the legacy migration, resolves
// the active conversation and loads its messages, then kicks off missing
// title generation in the background.
func (s *Session) Start(ctx context.Context, modelID string) error {
	s.mu.Lock()
	s.modelID = modelID
	s.mu.Unlock()

	if _, err := s.store.MigrateLegacy(ctx, modelID); err != nil {
		s.logger.Warn().Err(err).Str("model", modelID).Msg("legacy migration failed")
	}

	list, err := s.store.LoadList(ctx, modelID)
	if err != nil {
		return err
	}
	active := s.store.ResolveActive(ctx, modelID, list)

	s.mu.Lock()
	s.activeConv = active
	s.mu.Unlock()

	if active != "" {
		msgs, err := s.store.LoadMessages(ctx, active)
		if err != nil {
			return err
		}
		s.transcript.Replace(msgs)
	} else {
		s.transcript.Clear()
	}

	go s.GenerateMissingTitles(context.Background())
	return nil
}

// Transcript returns the live message buffer, newest-first.
func (s *Session) Transcript() *Transcript { return s.transcript }

// ActiveConversation returns the current conversation id, or "".
func (s *Session) ActiveConversation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeConv
}

// Streaming reports whether a response is being generated.
func (s *Session) Streaming() bool { return s.stream.Streaming() }

// HandleSend sends text in the active conversation, creating one first if
// none exists. Persistence of the updated transcript is flushed
// asynchronously shortly after, batching rapid streaming updates.
func (s *Session) HandleSend(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	modelID, active := s.modelID, s.activeConv
	s.mu.Unlock()

	if active == "" {
		id, err := s.store.Create(ctx, modelID, "")
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.activeConv = id
		s.mu.Unlock()
	}

	if s.stream.Send(ctx, text) {
		s.scheduleFlush()
	}
	return nil
}

// Abort cancels the in-flight response, if any.
func (s *Session) Abort() { s.stream.Abort() }

// streamDone runs after every finished stream: persist what streamed and
// see whether the conversation earned a title.
func (s *Session) streamDone() {
	s.scheduleFlush()
	go s.GenerateMissingTitles(context.Background())
}

// Flush persists the live transcript and refreshes the active
// conversation's preview and update time from the newest message.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	modelID, active := s.modelID, s.activeConv
	s.mu.Unlock()
	if active == "" {
		return nil
	}

	if err := s.store.SaveMessages(ctx, active, s.transcript.Snapshot()); err != nil {
		return err
	}
	latest, ok := s.transcript.Latest()
	if !ok {
		return nil
	}
	preview := conversation.Truncate(latest.Text, previewLimit)
	if err := s.store.UpdateMeta(ctx, modelID, active, conversation.MetaUpdate{
		LastMessagePreview: &preview,
	}); err != nil {
		s.logger.Warn().Err(err).Str("conversation", active).Msg("meta update failed")
	}
	return nil
}

func (s *Session) scheduleFlush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if s.flushTimer != nil {
		s.flushTimer.Stop()
	}
	s.flushTimer = time.AfterFunc(s.flushDelay, func() {
		if err := s.Flush(context.Background()); err != nil {
			s.logger.Warn().Err(err).Msg("transcript flush failed")
		}
	})
}

// GenerateMissingTitles titles every untitled conversation of the model
// that has at least three persisted messages. Generation per conversation
// is deduplicated; distinct conversations may title concurrently.
func (s *Session) GenerateMissingTitles(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.titler == nil {
		s.mu.Unlock()
		return
	}
	modelID := s.modelID
	s.mu.Unlock()

	list, err := s.store.LoadList(ctx, modelID)
	if err != nil {
		s.logger.Warn().Err(err).Msg("title scan failed")
		return
	}

	var wg sync.WaitGroup
	for _, meta := range list {
		if meta.Title != "" {
			continue
		}
		s.mu.Lock()
		if _, busy := s.titleInFlight[meta.ID]; busy || s.closed {
			s.mu.Unlock()
			continue
		}
		s.titleInFlight[meta.ID] = struct{}{}
		s.mu.Unlock()

		wg.Add(1)
		go func(conversationID string) {
			defer wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.titleInFlight, conversationID)
				s.mu.Unlock()
			}()
			s.generateTitle(ctx, modelID, conversationID)
		}(meta.ID)
	}
	wg.Wait()
}

func (s *Session) generateTitle(ctx context.Context, modelID, conversationID string) {
	live, err := s.store.LoadMessages(ctx, conversationID)
	if err != nil || len(live) < titleMinMessages {
		return
	}
	oldest := make([]conversation.Message, 0, titleContextSize)
	for i := len(live) - 1; i >= 0 && len(oldest) < titleContextSize; i-- {
		oldest = append(oldest, live[i])
	}

	title, err := s.titler.Title(ctx, modelID, conversation.ToEngineMessages(oldest))
	if err != nil {
		s.logger.Warn().Err(err).Str("conversation", conversationID).Msg("title generation failed")
		return
	}
	title = conversation.Truncate(strings.TrimSpace(title), titleMaxLen)
	if title == "" {
		return
	}
	if err := s.store.UpdateMeta(ctx, modelID, conversationID, conversation.MetaUpdate{Title: &title}); err != nil {
		s.logger.Warn().Err(err).Str("conversation", conversationID).Msg("title save failed")
		return
	}
	s.metrics.TitlesGenerated.Inc()
	s.logger.Debug().Str("conversation", conversationID).Str("title", title).Msg("conversation titled")
}

// SwitchConversation persists the current buffer, marks conversationID
// active and loads its messages.
func (s *Session) SwitchConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	modelID, active := s.modelID, s.activeConv
	s.mu.Unlock()
	if conversationID == active {
		return nil
	}

	s.stream.Abort()
	if err := s.Flush(ctx); err != nil {
		return err
	}
	if err := s.store.Select(ctx, modelID, conversationID); err != nil {
		return err
	}
	msgs, err := s.store.LoadMessages(ctx, conversationID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.activeConv = conversationID
	s.mu.Unlock()
	s.transcript.Replace(msgs)
	return nil
}

// NewConversation persists the current buffer and starts an empty
// conversation, which becomes active.
func (s *Session) NewConversation(ctx context.Context) (string, error) {
	s.mu.Lock()
	modelID := s.modelID
	s.mu.Unlock()

	s.stream.Abort()
	if err := s.Flush(ctx); err != nil {
		return "", err
	}
	id, err := s.store.Create(ctx, modelID, "")
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.activeConv = id
	s.mu.Unlock()
	s.transcript.Clear()
	return id, nil
}

// DeleteConversation removes conversationID. Deleting the active
// conversation switches to the most recently updated survivor, or to an
// empty buffer when none remain.
func (s *Session) DeleteConversation(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	modelID, active := s.modelID, s.activeConv
	s.mu.Unlock()

	if conversationID == active {
		s.stream.Abort()
	}
	if err := s.store.Delete(ctx, modelID, conversationID); err != nil {
		return err
	}
	if conversationID != active {
		return nil
	}

	list, err := s.store.LoadList(ctx, modelID)
	if err != nil {
		return err
	}
	next := s.store.ResolveActive(ctx, modelID, list)

	s.mu.Lock()
	s.activeConv = next
	s.mu.Unlock()

	if next == "" {
		s.transcript.Clear()
		return nil
	}
	msgs, err := s.store.LoadMessages(ctx, next)
	if err != nil {
		return err
	}
	s.transcript.Replace(msgs)
	return nil
}

// RemoveModel cascades: every conversation of the model is deleted, the
// live buffer cleared, then the model itself is removed from the device.
func (s *Session) RemoveModel(ctx context.Context) error {
	s.mu.Lock()
	modelID := s.modelID
	s.mu.Unlock()

	s.stream.Abort()
	if err := s.store.DeleteAll(ctx, modelID); err != nil {
		return err
	}
	s.transcript.Clear()

	s.mu.Lock()
	s.activeConv = ""
	s.mu.Unlock()
	return s.lifecycle.Remove(ctx)
}

// Close aborts any in-flight stream, flushes pending persistence and stops
// honoring late asynchronous results.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.flushTimer != nil {
		s.flushTimer.Stop()
		s.flushTimer = nil
	}
	s.mu.Unlock()

	s.stream.Close()
	if err := s.Flush(context.Background()); err != nil {
		s.logger.Warn().Err(err).Msg("final flush failed")
	}
}
