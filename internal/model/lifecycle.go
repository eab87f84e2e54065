package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"pocketllm/internal/engine"
	"pocketllm/internal/kvstore"
	"pocketllm/internal/metrics"
)

// State is the install state of the selected model. NotSetup and Ready are
// the only rest states; Downloading and Preparing are transient.
type State int

const (
	NotSetup State = iota
	Downloading
	Preparing
	Ready
)

func (s State) String() string {
	switch s {
	case NotSetup:
		return "not_setup"
	case Downloading:
		return "downloading"
	case Preparing:
		return "preparing"
	case Ready:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status is a point-in-time snapshot of the lifecycle.
type Status struct {
	State    State
	ModelID  string
	Progress int
}

// Loading reports whether the model is between rest states.
func (s Status) Loading() bool {
	return s.State == Downloading || s.State == Preparing
}

type Config struct {
	Engine  engine.Engine
	KV      kvstore.Store
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Lifecycle owns the single selected model and drives it through
// download, prepare, ready and removal. At most one Setup runs at a time;
// overlapping calls are dropped.
type Lifecycle struct {
	engine  engine.Engine
	kv      kvstore.Store
	logger  zerolog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	state      State
	modelID    string
	progress   int
	installing bool
	closed     bool
}

func New(cfg Config) *Lifecycle {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	return &Lifecycle{
		engine:  cfg.Engine,
		kv:      cfg.KV,
		logger:  cfg.Logger,
		metrics: m,
	}
}

// Status returns a snapshot of the current state.
func (l *Lifecycle) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Status{State: l.state, ModelID: l.modelID, Progress: l.progress}
}

// SelectedModel returns the persisted model selection, or "" if none.
func (l *Lifecycle) SelectedModel(ctx context.Context) string {
	raw, found, err := l.kv.Load(ctx, kvstore.SelectedModelKey)
	if err != nil || !found {
		return ""
	}
	return string(raw)
}

// CheckExisting reports whether the model is already on device and, if so,
// prepares it and marks it ready. Any failure leaves the state untouched
// and reports false.
func (l *Lifecycle) CheckExisting(ctx context.Context, modelID string) bool {
	present, err := l.engine.IsDownloaded(ctx, modelID)
	if err != nil {
		l.logger.Warn().Err(err).Str("model", modelID).Msg("presence check failed")
		return false
	}
	if !present {
		return false
	}

	if !l.transition(Preparing, modelID, 0) {
		return false
	}
	if err := l.engine.Prepare(ctx, modelID); err != nil {
		l.logger.Warn().Err(err).Str("model", modelID).Msg("prepare of existing model failed")
		l.reset()
		return false
	}
	if !l.transition(Ready, modelID, 100) {
		return false
	}
	l.persistSelection(ctx, modelID)
	return true
}

// Setup installs modelID end to end: download with progress, prepare, ready.
// A setup already in flight for any model causes the call to be ignored.
// If a different model is selected it is unloaded and removed first; failure
// to remove the old model is logged and does not block the install.
func (l *Lifecycle) Setup(ctx context.Context, modelID string) error {
	l.mu.Lock()
	if l.closed || l.installing {
		l.mu.Unlock()
		return nil
	}
	l.installing = true
	previous := ""
	if l.modelID != "" && l.modelID != modelID {
		previous = l.modelID
	}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.installing = false
		l.mu.Unlock()
	}()

	if previous != "" {
		l.evict(ctx, previous)
	}

	if !l.transition(Downloading, modelID, 0) {
		return nil
	}
	l.metrics.DownloadsStarted.Inc()
	err := l.engine.Download(ctx, modelID, func(percent int) {
		l.setProgress(modelID, percent)
	})
	if err != nil {
		l.metrics.DownloadsFailed.Inc()
		l.logger.Error().Err(err).Str("model", modelID).Msg("download failed")
		l.reset()
		return fmt.Errorf("download %s: %w", modelID, err)
	}

	if !l.transition(Preparing, modelID, 100) {
		return nil
	}
	if err := l.engine.Prepare(ctx, modelID); err != nil {
		l.logger.Error().Err(err).Str("model", modelID).Msg("prepare failed")
		l.reset()
		return fmt.Errorf("prepare %s: %w", modelID, err)
	}

	if !l.transition(Ready, modelID, 100) {
		return nil
	}
	l.persistSelection(ctx, modelID)
	return nil
}

// Remove unloads and removes the selected model and clears the persisted
// selection. Unload errors are swallowed; remove errors are returned after
// the state has already been reset.
func (l *Lifecycle) Remove(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	modelID := l.modelID
	l.mu.Unlock()
	if modelID == "" {
		return nil
	}

	if err := l.engine.Unload(ctx, modelID); err != nil {
		l.logger.Warn().Err(err).Str("model", modelID).Msg("unload failed")
	}
	removeErr := l.engine.Remove(ctx, modelID)

	l.reset()
	if err := l.kv.Remove(ctx, kvstore.SelectedModelKey); err != nil {
		l.logger.Warn().Err(err).Msg("clear model selection failed")
	}
	if removeErr != nil {
		return fmt.Errorf("remove %s: %w", modelID, removeErr)
	}
	return nil
}

// RemoveByID removes modelID from the device. If it is the selected, ready
// model the full Remove path runs; otherwise the engine is called directly
// without touching lifecycle state.
func (l *Lifecycle) RemoveByID(ctx context.Context, modelID string) error {
	l.mu.Lock()
	active := l.state == Ready && l.modelID == modelID
	l.mu.Unlock()
	if active {
		return l.Remove(ctx)
	}
	if err := l.engine.Remove(ctx, modelID); err != nil {
		return fmt.Errorf("remove %s: %w", modelID, err)
	}
	return nil
}

// Close stops all further state mutation. A model left loaded is unloaded
// in the background; the call does not wait for it.
func (l *Lifecycle) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	modelID := ""
	if l.state == Ready {
		modelID = l.modelID
	}
	l.mu.Unlock()

	if modelID != "" {
		go func() {
			if err := l.engine.Unload(context.Background(), modelID); err != nil {
				l.logger.Warn().Err(err).Str("model", modelID).Msg("unload on close failed")
			}
		}()
	}
}

// evict tears down the previously selected model before a swap.
// Best-effort: failures are logged and the swap proceeds.
func (l *Lifecycle) evict(ctx context.Context, modelID string) {
	if err := l.engine.Unload(ctx, modelID); err != nil {
		l.logger.Warn().Err(err).Str("model", modelID).Msg("unload of old model failed")
	}
	if err := l.engine.Remove(ctx, modelID); err != nil {
		l.logger.Warn().Err(err).Str("model", modelID).Msg("remove of old model failed")
	}
}

// transition applies a state change unless the lifecycle is closed.
// Reports whether the change was applied.
func (l *Lifecycle) transition(state State, modelID string, progress int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.state = state
	l.modelID = modelID
	l.progress = progress
	return true
}

func (l *Lifecycle) setProgress(modelID string, percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.state != Downloading || l.modelID != modelID {
		return
	}
	l.progress = percent
}

func (l *Lifecycle) reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.state = NotSetup
	l.modelID = ""
	l.progress = 0
}

func (l *Lifecycle) persistSelection(ctx context.Context, modelID string) {
	if err := l.kv.Save(ctx, kvstore.SelectedModelKey, []byte(modelID)); err != nil {
		l.logger.Warn().Err(err).Str("model", modelID).Msg("persist model selection failed")
	}
}
