package services

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/models"
	"github.com/Corphon/VillagerBridge/internal/remote"
	"github.com/Corphon/VillagerBridge/internal/scheduler"
	"github.com/Corphon/VillagerBridge/internal/storage"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

// fakeAuthority is an in-memory script authority
type fakeAuthority struct {
	mu         sync.Mutex
	meta       map[string]*models.ScriptMetadata
	metaErr    map[string]error
	scripts    map[string]*models.ConversationScript
	fetchErr   error
	fetchDelay time.Duration
	fetches    []remote.FetchRequest
	metaCalls  int
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		meta:    make(map[string]*models.ScriptMetadata),
		metaErr: make(map[string]error),
		scripts: make(map[string]*models.ConversationScript),
	}
}

func (f *fakeAuthority) Metadata(ctx context.Context, groupKey string) (*models.ScriptMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaCalls++
	if err := f.metaErr[groupKey]; err != nil {
		return nil, err
	}
	return f.meta[groupKey], nil
}

func (f *fakeAuthority) FetchScript(ctx context.Context, req remote.FetchRequest) (*models.ConversationScript, error) {
	if f.fetchDelay > 0 {
		time.Sleep(f.fetchDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, req)
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	s, ok := f.scripts[req.GroupKey]
	if !ok {
		return nil, apperrors.NewRemoteError("no script", nil)
	}
	return s, nil
}

func (f *fakeAuthority) setScript(key string, s *models.ConversationScript) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[key] = s
	f.meta[key] = &models.ScriptMetadata{ScriptID: s.ScriptID, GroupKey: key, Version: s.Version}
}

func (f *fakeAuthority) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.fetches)
}

func (f *fakeAuthority) lastFetch() remote.FetchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches[len(f.fetches)-1]
}

// recordingSink remembers every displayed line with its arrival time
type recordingSink struct {
	mu    sync.Mutex
	lines []DisplayLine
	times []time.Time
	fn    func(n int, line DisplayLine) error
	seen  chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{seen: make(chan struct{}, 1024)}
}

func (r *recordingSink) Display(line DisplayLine) error {
	r.mu.Lock()
	r.lines = append(r.lines, line)
	r.times = append(r.times, time.Now())
	n := len(r.lines)
	fn := r.fn
	r.mu.Unlock()

	r.seen <- struct{}{}
	if fn != nil {
		return fn(n, line)
	}
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.lines)
}

func (r *recordingSink) snapshot() ([]DisplayLine, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]DisplayLine(nil), r.lines...), append([]time.Time(nil), r.times...)
}

// waitLines blocks until n lines have been displayed in total
func (r *recordingSink) waitLines(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for r.count() < n {
		select {
		case <-r.seen:
		case <-deadline:
			t.Fatalf("saw %d lines, want %d", r.count(), n)
		}
	}
}

func newTestRuntime(t *testing.T, sink DisplaySink) PlayerDeps {
	t.Helper()
	sched := scheduler.New(2)
	exec := scheduler.NewExecutor()
	t.Cleanup(func() {
		sched.Shutdown(time.Second)
		exec.Close(time.Second)
	})
	return PlayerDeps{
		Scheduler:     sched,
		Executor:      exec,
		Sink:          sink,
		DefaultTiming: models.DefaultTiming(),
		Metrics:       utils.NewMetricsCollector(),
	}
}

func newTestCache(t *testing.T, dir string) *ScriptCache {
	t.Helper()
	store, err := storage.NewFileStorage(dir)
	if err != nil {
		t.Fatalf("NewFileStorage: %v", err)
	}
	c := NewScriptCache(store, ScriptCacheOptions{Metrics: utils.NewMetricsCollector()})
	t.Cleanup(c.Close)
	return c
}

func makeScript(id string, version int, timing *models.TimingConfig, phases ...string) *models.ConversationScript {
	s := &models.ConversationScript{
		ScriptID: id,
		Version:  version,
		Topic:    "the harvest",
		Location: "village square",
	}
	if timing != nil {
		s.Timing = timing.ScriptTiming()
	}
	speakers := []string{"a", "b"}
	for i, phase := range phases {
		s.Lines = append(s.Lines, models.DialogueLine{
			SpeakerID:   speakers[i%2],
			SpeakerName: "npc-" + speakers[i%2],
			Message:     "line " + string(rune('1'+i)),
			Phase:       phase,
			LineNumber:  i,
		})
	}
	return s
}
