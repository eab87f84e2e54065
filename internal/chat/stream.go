package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"pocketllm/internal/conversation"
	"pocketllm/internal/engine"
	"pocketllm/internal/metrics"
)

// ErrorReplyText replaces a response that failed mid-generation.
const ErrorReplyText = "Sorry, I ran into a problem generating a response. Please try again."

const (
	scrollThrottle = 200 * time.Millisecond
	scrollDebounce = 100 * time.Millisecond
)

type StreamConfig struct {
	Engine     engine.Engine
	Transcript *Transcript
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics

	// Model reports the ready model to generate with, if any.
	Model func() (string, bool)
	// UseHistory includes the prior transcript in each request instead of
	// the bare latest prompt.
	UseHistory bool
	// OnScroll, if set, is invoked (throttled) as deltas arrive.
	OnScroll func()
	// OnDone, if set, is invoked after a stream finishes, however it ended.
	OnDone func()
}

// Stream runs at most one generation at a time, accumulating deltas into
// the placeholder assistant message. Send while streaming is a no-op.
type Stream struct {
	engine     engine.Engine
	transcript *Transcript
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	model      func() (string, bool)
	useHistory bool
	onDone     func()
	scroll     *scrollNotifier

	mu        sync.Mutex
	streaming bool
	closed    bool
	cancel    context.CancelFunc
	reqID     uint64
}

func NewStream(cfg StreamConfig) *Stream {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	model := cfg.Model
	if model == nil {
		model = func() (string, bool) { return "", false }
	}
	return &Stream{
		engine:     cfg.Engine,
		transcript: cfg.Transcript,
		logger:     cfg.Logger,
		metrics:    m,
		model:      model,
		useHistory: cfg.UseHistory,
		onDone:     cfg.OnDone,
		scroll:     newScrollNotifier(cfg.OnScroll),
	}
}

// Streaming reports whether a generation is in flight.
func (s *Stream) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Send appends the user message and an empty assistant placeholder, then
// starts streaming the response into the placeholder. It reports whether a
// stream was started; empty text, a stream already in flight, or no ready
// model make it a no-op.
func (s *Stream) Send(ctx context.Context, text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	modelID, ok := s.model()
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.streaming || s.closed {
		s.mu.Unlock()
		return false
	}
	s.streaming = true
	s.reqID++
	id := s.reqID
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	userMsg := conversation.NewMessage(text, true)
	placeholder := conversation.NewMessage("", false)
	s.transcript.Prepend(userMsg)
	s.transcript.Prepend(placeholder)

	request := s.buildRequest(text, placeholder.ID)

	s.metrics.StreamsStarted.Inc()
	s.scroll.Notify()
	go s.run(runCtx, id, modelID, text, placeholder.ID, request)
	return true
}

// Abort cancels the in-flight stream, if any. Safe to call when idle.
func (s *Stream) Abort() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close aborts any in-flight stream and stops all further transcript
// mutation from late deltas.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.scroll.Stop()
}

func (s *Stream) run(ctx context.Context, id uint64, modelID, prompt, placeholderID string, request []engine.Message) {
	var buf strings.Builder
	onDelta := func(delta string) {
		if !s.current(id) {
			return
		}
		buf.WriteString(delta)
		s.transcript.SetText(placeholderID, buf.String())
		s.scroll.Notify()
	}

	var err error
	if request != nil {
		err = s.engine.Chat(ctx, modelID, request, onDelta)
	} else {
		err = s.engine.Complete(ctx, modelID, prompt, onDelta)
	}

	cancelled := ctx.Err() != nil || errors.Is(err, context.Canceled)
	s.finish(id)

	switch {
	case err == nil:
	case cancelled:
		// Whatever streamed before the abort stays.
		s.metrics.StreamsCancelled.Inc()
		s.logger.Debug().Str("model", modelID).Msg("stream cancelled")
	default:
		s.metrics.StreamsFailed.Inc()
		s.logger.Error().Err(err).Str("model", modelID).Msg("stream failed")
		if s.live() {
			s.transcript.SetText(placeholderID, ErrorReplyText)
		}
	}

	s.scroll.Flush()
	if s.onDone != nil && s.live() {
		s.onDone()
	}
}

// buildRequest returns the context-history request, or nil for bare-prompt
// mode. History is oldest-first and skips the placeholder, empty messages
// and messages excluded from context.
func (s *Stream) buildRequest(latest, placeholderID string) []engine.Message {
	if !s.useHistory {
		return nil
	}
	live := s.transcript.Snapshot()
	history := make([]conversation.Message, 0, len(live))
	for i := len(live) - 1; i >= 0; i-- {
		m := live[i]
		if m.ID == placeholderID || m.Text == "" || !m.IncludeInContext {
			continue
		}
		history = append(history, m)
	}
	return conversation.ToEngineMessages(history)
}

// current reports whether id is still the active request and mutation is
// allowed. Deltas from an aborted or superseded stream are dropped here.
func (s *Stream) current(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.streaming && s.reqID == id
}

func (s *Stream) live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Stream) finish(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reqID == id {
		s.streaming = false
		s.cancel = nil
	}
}

// scrollNotifier coalesces scroll requests: at most one per throttle window
// while deltas arrive, with a trailing debounce once they stop.
type scrollNotifier struct {
	fn func()

	mu       sync.Mutex
	last     time.Time
	trailing *time.Timer
	stopped  bool
}

func newScrollNotifier(fn func()) *scrollNotifier {
	return &scrollNotifier{fn: fn}
}

func (n *scrollNotifier) Notify() {
	if n.fn == nil {
		return
	}
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	now := time.Now()
	if now.Sub(n.last) >= scrollThrottle {
		n.last = now
		n.mu.Unlock()
		n.fn()
		return
	}
	if n.trailing != nil {
		n.trailing.Stop()
	}
	n.trailing = time.AfterFunc(scrollDebounce, n.fire)
	n.mu.Unlock()
}

// Flush schedules the trailing notification after a stream ends.
func (n *scrollNotifier) Flush() {
	if n.fn == nil {
		return
	}
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	if n.trailing != nil {
		n.trailing.Stop()
	}
	n.trailing = time.AfterFunc(scrollDebounce, n.fire)
	n.mu.Unlock()
}

func (n *scrollNotifier) Stop() {
	n.mu.Lock()
	n.stopped = true
	if n.trailing != nil {
		n.trailing.Stop()
		n.trailing = nil
	}
	n.mu.Unlock()
}

func (n *scrollNotifier) fire() {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return
	}
	n.last = time.Now()
	n.mu.Unlock()
	n.fn()
}
