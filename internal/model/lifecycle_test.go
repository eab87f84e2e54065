package model

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"pocketllm/internal/engine"
	"pocketllm/internal/kvstore"
)

type fakeEngine struct {
	mu sync.Mutex

	downloaded map[string]bool
	calls      []string

	presenceErr error
	downloadErr error
	prepareErr  error
	unloadErr   error
	removeErr   error

	downloadHold chan struct{}
	progress     []int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{downloaded: map[string]bool{}}
}

func (e *fakeEngine) record(call string) {
	e.mu.Lock()
	e.calls = append(e.calls, call)
	e.mu.Unlock()
}

func (e *fakeEngine) callLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

func (e *fakeEngine) IsDownloaded(_ context.Context, modelID string) (bool, error) {
	e.record("isDownloaded:" + modelID)
	return e.downloaded[modelID], e.presenceErr
}

func (e *fakeEngine) Download(_ context.Context, modelID string, onProgress func(int)) error {
	e.record("download:" + modelID)
	if e.downloadHold != nil {
		<-e.downloadHold
	}
	if e.downloadErr != nil {
		return e.downloadErr
	}
	for _, p := range e.progress {
		onProgress(p)
	}
	e.mu.Lock()
	e.downloaded[modelID] = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Prepare(_ context.Context, modelID string) error {
	e.record("prepare:" + modelID)
	return e.prepareErr
}

func (e *fakeEngine) Unload(_ context.Context, modelID string) error {
	e.record("unload:" + modelID)
	return e.unloadErr
}

func (e *fakeEngine) Remove(_ context.Context, modelID string) error {
	e.record("remove:" + modelID)
	if e.removeErr != nil {
		return e.removeErr
	}
	e.mu.Lock()
	delete(e.downloaded, modelID)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) Chat(_ context.Context, _ string, _ []engine.Message, _ func(string)) error {
	return nil
}

func (e *fakeEngine) Complete(_ context.Context, _ string, _ string, _ func(string)) error {
	return nil
}

type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore { return &memStore{data: map[string][]byte{}} }

func (s *memStore) Save(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *memStore) Close() error { return nil }

func newTestLifecycle(eng *fakeEngine, kv kvstore.Store) *Lifecycle {
	return New(Config{Engine: eng, KV: kv, Logger: zerolog.Nop()})
}

func TestSetupHappyPath(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	eng.progress = []int{10, 55, 100}
	kv := newMemStore()
	lc := newTestLifecycle(eng, kv)

	if err := lc.Setup(ctx, "gemma-2b"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	st := lc.Status()
	if st.State != Ready || st.ModelID != "gemma-2b" || st.Progress != 100 {
		t.Fatalf("unexpected status %+v", st)
	}
	if st.Loading() {
		t.Fatalf("ready state must not report loading")
	}
	if got := lc.SelectedModel(ctx); got != "gemma-2b" {
		t.Fatalf("expected persisted selection, got %q", got)
	}
}

func TestSetupFailureResetsState(t *testing.T) {
	ctx := context.Background()

	for name, mutate := range map[string]func(*fakeEngine){
		"download": func(e *fakeEngine) { e.downloadErr = fmt.Errorf("out of disk") },
		"prepare":  func(e *fakeEngine) { e.prepareErr = fmt.Errorf("bad weights") },
	} {
		eng := newFakeEngine()
		mutate(eng)
		lc := newTestLifecycle(eng, newMemStore())

		if err := lc.Setup(ctx, "m"); err == nil {
			t.Fatalf("%s: expected error", name)
		}
		st := lc.Status()
		if st.State != NotSetup || st.Progress != 0 || st.ModelID != "" {
			t.Fatalf("%s: expected reset, got %+v", name, st)
		}
		if got := lc.SelectedModel(ctx); got != "" {
			t.Fatalf("%s: selection must not persist on failure, got %q", name, got)
		}
	}
}

func TestSetupOverlappingCallDropped(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	eng.downloadHold = make(chan struct{})
	lc := newTestLifecycle(eng, newMemStore())

	done := make(chan error, 1)
	go func() { done <- lc.Setup(ctx, "first") }()

	for lc.Status().State != Downloading {
		time.Sleep(time.Millisecond)
	}

	// Second call while the first is mid-download must be a silent no-op.
	if err := lc.Setup(ctx, "second"); err != nil {
		t.Fatalf("overlapping setup: %v", err)
	}
	close(eng.downloadHold)
	if err := <-done; err != nil {
		t.Fatalf("first setup: %v", err)
	}

	st := lc.Status()
	if st.State != Ready || st.ModelID != "first" {
		t.Fatalf("expected first model ready, got %+v", st)
	}
	for _, call := range eng.callLog() {
		if call == "download:second" {
			t.Fatalf("second download must not have started")
		}
	}
}

func TestSetupSwapEvictsOldModel(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	lc := newTestLifecycle(eng, newMemStore())

	if err := lc.Setup(ctx, "old"); err != nil {
		t.Fatalf("setup old: %v", err)
	}
	if err := lc.Setup(ctx, "new"); err != nil {
		t.Fatalf("setup new: %v", err)
	}

	calls := eng.callLog()
	removeAt, downloadAt := -1, -1
	for i, call := range calls {
		switch call {
		case "remove:old":
			removeAt = i
		case "download:new":
			downloadAt = i
		}
	}
	if removeAt == -1 || downloadAt == -1 || removeAt > downloadAt {
		t.Fatalf("expected old model removed before new download, calls: %v", calls)
	}
	if st := lc.Status(); st.ModelID != "new" || st.State != Ready {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestSetupSwapProceedsWhenEvictionFails(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	lc := newTestLifecycle(eng, newMemStore())

	if err := lc.Setup(ctx, "old"); err != nil {
		t.Fatalf("setup old: %v", err)
	}
	eng.unloadErr = fmt.Errorf("busy")
	if err := lc.Setup(ctx, "new"); err != nil {
		t.Fatalf("setup new: %v", err)
	}
	if st := lc.Status(); st.State != Ready || st.ModelID != "new" {
		t.Fatalf("swap must proceed past unload failure, got %+v", st)
	}
}

func TestCheckExisting(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	eng.downloaded["m"] = true
	kv := newMemStore()
	lc := newTestLifecycle(eng, kv)

	if !lc.CheckExisting(ctx, "m") {
		t.Fatalf("expected existing model to be adopted")
	}
	if st := lc.Status(); st.State != Ready || st.ModelID != "m" {
		t.Fatalf("unexpected status %+v", st)
	}
	if got := lc.SelectedModel(ctx); got != "m" {
		t.Fatalf("expected persisted selection, got %q", got)
	}
}

func TestCheckExistingAbsentOrFailing(t *testing.T) {
	ctx := context.Background()

	eng := newFakeEngine()
	lc := newTestLifecycle(eng, newMemStore())
	if lc.CheckExisting(ctx, "absent") {
		t.Fatalf("absent model must report false")
	}
	if st := lc.Status(); st.State != NotSetup {
		t.Fatalf("state must be untouched, got %+v", st)
	}

	eng = newFakeEngine()
	eng.downloaded["m"] = true
	eng.prepareErr = fmt.Errorf("corrupt")
	lc = newTestLifecycle(eng, newMemStore())
	if lc.CheckExisting(ctx, "m") {
		t.Fatalf("prepare failure must report false")
	}
	if st := lc.Status(); st.State != NotSetup {
		t.Fatalf("expected reset after prepare failure, got %+v", st)
	}

	eng = newFakeEngine()
	eng.presenceErr = fmt.Errorf("io error")
	lc = newTestLifecycle(eng, newMemStore())
	if lc.CheckExisting(ctx, "m") {
		t.Fatalf("presence failure must report false")
	}
}

func TestRemoveClearsSelection(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	kv := newMemStore()
	lc := newTestLifecycle(eng, kv)

	if err := lc.Setup(ctx, "m"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	eng.unloadErr = fmt.Errorf("busy") // swallowed
	if err := lc.Remove(ctx); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if st := lc.Status(); st.State != NotSetup || st.ModelID != "" || st.Progress != 0 {
		t.Fatalf("unexpected status %+v", st)
	}
	if got := lc.SelectedModel(ctx); got != "" {
		t.Fatalf("selection must be cleared, got %q", got)
	}
}

func TestRemoveByID(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	eng.downloaded["other"] = true
	lc := newTestLifecycle(eng, newMemStore())

	if err := lc.Setup(ctx, "active"); err != nil {
		t.Fatalf("setup: %v", err)
	}

	// Non-active model: engine call only, lifecycle untouched.
	if err := lc.RemoveByID(ctx, "other"); err != nil {
		t.Fatalf("remove other: %v", err)
	}
	if st := lc.Status(); st.State != Ready || st.ModelID != "active" {
		t.Fatalf("lifecycle must be untouched, got %+v", st)
	}

	// Active model: full removal path.
	if err := lc.RemoveByID(ctx, "active"); err != nil {
		t.Fatalf("remove active: %v", err)
	}
	if st := lc.Status(); st.State != NotSetup {
		t.Fatalf("expected removal, got %+v", st)
	}
}

func TestProgressClampedAndScoped(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	eng.progress = []int{-5, 42, 150}
	eng.downloadHold = make(chan struct{})
	lc := newTestLifecycle(eng, newMemStore())

	done := make(chan error, 1)
	go func() { done <- lc.Setup(ctx, "m") }()
	for lc.Status().State != Downloading {
		time.Sleep(time.Millisecond)
	}
	close(eng.downloadHold)
	if err := <-done; err != nil {
		t.Fatalf("setup: %v", err)
	}

	// After a completed setup a late progress event must be ignored.
	lc.setProgress("m", 7)
	if st := lc.Status(); st.Progress != 100 {
		t.Fatalf("late progress applied, got %+v", st)
	}
}

func TestCloseBlocksMutation(t *testing.T) {
	ctx := context.Background()
	eng := newFakeEngine()
	lc := newTestLifecycle(eng, newMemStore())

	if err := lc.Setup(ctx, "m"); err != nil {
		t.Fatalf("setup: %v", err)
	}
	lc.Close()

	if err := lc.Setup(ctx, "other"); err != nil {
		t.Fatalf("setup after close: %v", err)
	}
	if st := lc.Status(); st.ModelID != "m" || st.State != Ready {
		t.Fatalf("state mutated after close: %+v", st)
	}
	if err := lc.Remove(ctx); err != nil {
		t.Fatalf("remove after close: %v", err)
	}
	if st := lc.Status(); st.State != Ready {
		t.Fatalf("remove mutated state after close: %+v", st)
	}
}
