package services

import (
	"context"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/models"
	"github.com/Corphon/VillagerBridge/internal/storage"
)

type observerFunc func(string, *models.ConversationScript)

func (f observerFunc) RecordPut(k string, s *models.ConversationScript) { f(k, s) }

func TestScriptCacheRoundTrip(t *testing.T) {
	dir := t.TempDir()
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	original := makeScript("s-1", 7, &models.TimingConfig{
		MinDelaySeconds:         1.25,
		MaxDelaySeconds:         3.5,
		PhaseChangePauseSeconds: 2,
		LoopDelaySeconds:        45,
	}, models.PhaseGreeting, models.PhaseDevelopment, models.PhaseFarewell)
	original.ContextHint = "rainy evening"
	original.Participants = []string{"a", "b"}
	original.CreatedAt = &created
	original.GeneratedBy = "template"

	if err := newTestCache(t, dir).Put("a_b", original); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// a fresh cache only has the durable tier to go on
	fresh := newTestCache(t, dir)
	got, ok := fresh.Get("a_b")
	if !ok {
		t.Fatal("Get after restart missed")
	}
	if got.CreatedAt == nil || !got.CreatedAt.Equal(created) {
		t.Fatalf("createdAt = %v", got.CreatedAt)
	}
	gotCopy, wantCopy := *got, *original
	gotCopy.CreatedAt, wantCopy.CreatedAt = nil, nil
	if !reflect.DeepEqual(gotCopy, wantCopy) {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, original)
	}
	if fresh.Stats().MemoryEntries != 1 {
		t.Fatal("disk read did not populate memory")
	}
}

func TestScriptCacheMissAndCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, dir)

	if _, ok := c.Get("nobody"); ok {
		t.Fatal("unexpected hit for unknown key")
	}

	store, _ := storage.NewFileStorage(dir)
	if err := os.WriteFile(store.PathFor("x_y"), []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("x_y"); ok {
		t.Fatal("corrupt record should read as a miss")
	}
}

func TestScriptCachePutIsUnconditional(t *testing.T) {
	c := newTestCache(t, t.TempDir())

	c.Put("a_b", makeScript("s-2", 2, nil, "x"))
	c.Put("a_b", makeScript("s-1", 1, nil, "x"))

	got, _ := c.Get("a_b")
	if got.Version != 1 {
		t.Fatalf("Put should overwrite regardless of version, got v%d", got.Version)
	}
}

func TestScriptCachePutIfNewer(t *testing.T) {
	c := newTestCache(t, t.TempDir())

	if _, stored, _ := c.PutIfNewer("a_b", makeScript("s-2", 2, nil, "x")); !stored {
		t.Fatal("first script should be stored")
	}
	held, stored, _ := c.PutIfNewer("a_b", makeScript("s-2b", 2, nil, "x"))
	if stored || held.ScriptID != "s-2" {
		t.Fatal("equal version must not replace the cached script")
	}
	if _, stored, _ := c.PutIfNewer("a_b", makeScript("s-1", 1, nil, "x")); stored {
		t.Fatal("lower version must not replace the cached script")
	}
	if _, stored, _ := c.PutIfNewer("a_b", makeScript("s-3", 3, nil, "x")); !stored {
		t.Fatal("higher version should replace the cached script")
	}
}

func TestScriptCacheNeedsUpdate(t *testing.T) {
	c := newTestCache(t, t.TempDir())
	auth := newFakeAuthority()
	ctx := context.Background()

	if !c.NeedsUpdate(ctx, auth, "a_b") {
		t.Fatal("unknown key must need an update")
	}
	if auth.metaCalls != 0 {
		t.Fatal("unknown key should not hit the authority")
	}

	c.Put("a_b", makeScript("s-1", 3, nil, "x"))

	if c.NeedsUpdate(ctx, auth, "a_b") {
		t.Fatal("authority without a record must not force an update")
	}

	auth.metaErr["a_b"] = apperrors.NewRemoteError("down", nil)
	if c.NeedsUpdate(ctx, auth, "a_b") {
		t.Fatal("remote failure must read as no update")
	}
	delete(auth.metaErr, "a_b")

	auth.meta["a_b"] = &models.ScriptMetadata{Version: 3}
	if c.NeedsUpdate(ctx, auth, "a_b") {
		t.Fatal("equal version must not need an update")
	}
	auth.meta["a_b"] = &models.ScriptMetadata{Version: 4}
	if !c.NeedsUpdate(ctx, auth, "a_b") {
		t.Fatal("newer remote version must need an update")
	}
}

func TestScriptCacheMonotonicVersionCheck(t *testing.T) {
	c := newTestCache(t, t.TempDir())
	auth := newFakeAuthority()

	a := makeScript("s-a", 5, nil, "x")
	b := makeScript("s-b", 5, nil, "x")
	c.Put("a_b", a)
	c.Put("a_b", b)
	auth.meta["a_b"] = &models.ScriptMetadata{Version: a.Version}

	if c.NeedsUpdate(context.Background(), auth, "a_b") {
		t.Fatal("cache holding an equal version reported a spurious update")
	}
}

func TestScriptCacheRefreshAll(t *testing.T) {
	c := newTestCache(t, t.TempDir())
	auth := newFakeAuthority()

	stale := makeScript("old", 1, nil, "x")
	stale.ContextHint = "festival"
	c.Put("a_b", stale)
	c.Put("c_d", makeScript("cur", 2, nil, "x"))
	c.Put("e_f", makeScript("broken", 1, nil, "x"))

	auth.setScript("a_b", makeScript("new", 2, nil, "x", "y"))
	auth.meta["c_d"] = &models.ScriptMetadata{Version: 2}
	auth.meta["e_f"] = &models.ScriptMetadata{Version: 9} // no script to fetch

	report := c.RefreshAll(context.Background(), auth)
	if report.Checked != 3 || report.Updated != 1 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}

	got, _ := c.Get("a_b")
	if got.ScriptID != "new" {
		t.Fatalf("stale script not replaced, got %s", got.ScriptID)
	}
	if cur, _ := c.Get("c_d"); cur.ScriptID != "cur" {
		t.Fatal("up-to-date script was touched")
	}
	if kept, _ := c.Get("e_f"); kept.ScriptID != "broken" {
		t.Fatal("failed refresh lost the cached script")
	}

	for _, f := range auth.fetches {
		if f.GroupKey != "a_b" {
			continue
		}
		if !f.ForceNew || f.Location != stale.Location || f.ContextHint != "festival" {
			t.Fatalf("refresh did not reuse original parameters: %+v", f)
		}
		if !reflect.DeepEqual(f.ParticipantIDs, []string{"a", "b"}) {
			t.Fatalf("participants = %v", f.ParticipantIDs)
		}
	}
}

func TestScriptCacheRefreshKeepsPlayableScript(t *testing.T) {
	c := newTestCache(t, t.TempDir())
	auth := newFakeAuthority()
	c.Put("a_b", makeScript("v1", 1, nil, "x", "y"))
	auth.setScript("a_b", makeScript("v2", 2, nil))

	report := c.RefreshAll(context.Background(), auth)
	if report.Checked != 1 || report.Updated != 0 || report.Failed != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	got, ok := c.Get("a_b")
	if !ok || got.Version != 1 || len(got.Lines) != 2 {
		t.Fatalf("empty script replaced the cached one: %+v", got)
	}

	// the group still starts from the kept version
	coord := NewGroupCoordinator(c, auth, newTestRuntime(t, newRecordingSink()))
	t.Cleanup(coord.Close)
	auth.meta["a_b"] = &models.ScriptMetadata{Version: 1}
	res, err := coord.StartConversation(context.Background(), StartRequest{GroupKey: "a_b"})
	if err != nil || res.Outcome != OutcomeStarted || res.Version != 1 {
		t.Fatalf("start after rejected refresh: %+v, %v", res, err)
	}
}

func TestScriptCacheObserverAndConcurrentPuts(t *testing.T) {
	dir := t.TempDir()
	store, _ := storage.NewFileStorage(dir)

	var mu sync.Mutex
	seen := map[string]int{}
	c := NewScriptCache(store, ScriptCacheOptions{Observer: observerFunc(func(k string, _ *models.ConversationScript) {
		mu.Lock()
		seen[k]++
		mu.Unlock()
	})})
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := []string{"a_b", "c_d"}[i%2]
			c.Put(key, makeScript("s", i, nil, "x"))
		}(i)
	}
	wg.Wait()

	if seen["a_b"] != 10 || seen["c_d"] != 10 {
		t.Fatalf("observer saw %v", seen)
	}
	keys, err := c.Keys()
	if err != nil || !reflect.DeepEqual(keys, []string{"a_b", "c_d"}) {
		t.Fatalf("Keys = %v, %v", keys, err)
	}
	for _, k := range keys {
		var s models.ConversationScript
		if err := store.LoadJSON(k, &s); err != nil {
			t.Fatalf("record %s corrupted by concurrent writes: %v", k, err)
		}
	}
}
