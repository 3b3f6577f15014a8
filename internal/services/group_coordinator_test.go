package services

import (
	"context"
	"sync"
	"testing"
	"time"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/models"
)

var slowTiming = &models.TimingConfig{MinDelaySeconds: 5, MaxDelaySeconds: 5, LoopDelaySeconds: 30}

func newTestCoordinator(t *testing.T) (*GroupCoordinator, *fakeAuthority, *ScriptCache, *recordingSink) {
	t.Helper()
	sink := newRecordingSink()
	deps := newTestRuntime(t, sink)
	cache := newTestCache(t, t.TempDir())
	auth := newFakeAuthority()
	c := NewGroupCoordinator(cache, auth, deps)
	t.Cleanup(c.Close)
	return c, auth, cache, sink
}

func TestStartConversationIsIdempotent(t *testing.T) {
	c, auth, _, sink := newTestCoordinator(t)
	auth.setScript("a_b", makeScript("s-1", 1, slowTiming, "x", "x"))
	auth.fetchDelay = 100 * time.Millisecond

	req := StartRequest{ParticipantIDs: []string{"b", "a"}, Location: "farm"}
	results := make([]StartResult, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := c.StartConversation(context.Background(), req)
			if err != nil {
				t.Errorf("StartConversation: %v", err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	outcomes := map[StartOutcome]int{}
	for _, r := range results {
		outcomes[r.Outcome]++
		if r.GroupKey != "a_b" {
			t.Fatalf("group key = %q", r.GroupKey)
		}
	}
	if outcomes[OutcomeStarted] != 1 || outcomes[OutcomeInProgress] != 1 {
		t.Fatalf("outcomes = %v", outcomes)
	}
	if auth.fetchCount() != 1 {
		t.Fatalf("fetched %d times, want 1", auth.fetchCount())
	}
	if c.ActiveCount() != 1 {
		t.Fatalf("ActiveCount = %d", c.ActiveCount())
	}

	again, _ := c.StartConversation(context.Background(), req)
	if again.Outcome != OutcomeAlreadyActive {
		t.Fatalf("third start = %s", again.Outcome)
	}

	sink.waitLines(t, 1, 2*time.Second)
	time.Sleep(50 * time.Millisecond)
	if sink.count() != 1 {
		t.Fatalf("duplicate playback: %d lines", sink.count())
	}
}

func TestStartConversationUsesFreshCache(t *testing.T) {
	c, auth, cache, _ := newTestCoordinator(t)
	cache.Put("a_b", makeScript("cached", 4, slowTiming, "x"))
	auth.meta["a_b"] = &models.ScriptMetadata{Version: 4}

	res, err := c.StartConversation(context.Background(), StartRequest{GroupKey: "a_b"})
	if err != nil || res.Outcome != OutcomeStarted {
		t.Fatalf("start: %+v %v", res, err)
	}
	if !res.FromCache || res.ScriptID != "cached" {
		t.Fatalf("expected cached script, got %+v", res)
	}
	if auth.fetchCount() != 0 {
		t.Fatal("fresh cache hit should not fetch")
	}
}

func TestStartConversationRefreshesStaleCache(t *testing.T) {
	c, auth, cache, _ := newTestCoordinator(t)
	cache.Put("a_b", makeScript("old", 1, slowTiming, "x"))
	auth.setScript("a_b", makeScript("new", 2, slowTiming, "x"))

	res, _ := c.StartConversation(context.Background(), StartRequest{
		GroupKey:       "a_b",
		ParticipantIDs: []string{"a", "b"},
		Location:       "mill",
		ContextHint:    "storm",
	})
	if res.Outcome != OutcomeStarted || res.ScriptID != "new" || res.FromCache {
		t.Fatalf("unexpected result %+v", res)
	}

	req := auth.lastFetch()
	if !req.ForceNew || req.Location != "mill" || req.ContextHint != "storm" {
		t.Fatalf("unexpected fetch request %+v", req)
	}
	if got, _ := cache.Get("a_b"); got.ScriptID != "new" {
		t.Fatal("fetched script not cached")
	}
}

func TestStartConversationMissFetchesWithoutForce(t *testing.T) {
	c, auth, cache, _ := newTestCoordinator(t)
	auth.setScript("a_b", makeScript("s-1", 1, slowTiming, "x"))

	res, _ := c.StartConversation(context.Background(), StartRequest{ParticipantIDs: []string{"a", "b"}})
	if res.Outcome != OutcomeStarted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if auth.lastFetch().ForceNew {
		t.Fatal("cache miss should not force a new version")
	}
	if _, ok := cache.Get("a_b"); !ok {
		t.Fatal("fetched script not cached")
	}
}

func TestStartConversationFetchFailure(t *testing.T) {
	c, auth, _, sink := newTestCoordinator(t)
	auth.fetchErr = apperrors.NewRemoteError("authority offline", nil)

	res, err := c.StartConversation(context.Background(), StartRequest{ParticipantIDs: []string{"a", "b"}})
	if err != nil {
		t.Fatalf("fetch failure leaked as error: %v", err)
	}
	if res.Outcome != OutcomeFailed {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if c.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d after failed start", c.ActiveCount())
	}

	// the group stays eligible
	auth.fetchErr = nil
	auth.setScript("a_b", makeScript("s-1", 1, slowTiming, "x"))
	res, _ = c.StartConversation(context.Background(), StartRequest{ParticipantIDs: []string{"a", "b"}})
	if res.Outcome != OutcomeStarted {
		t.Fatalf("retry outcome = %s", res.Outcome)
	}
	sink.waitLines(t, 1, 2*time.Second)
}

func TestStartConversationEmptyScript(t *testing.T) {
	c, auth, _, _ := newTestCoordinator(t)
	auth.setScript("a_b", &models.ConversationScript{ScriptID: "empty", Version: 1})

	res, err := c.StartConversation(context.Background(), StartRequest{GroupKey: "a_b"})
	if err != nil || res.Outcome != OutcomeFailed {
		t.Fatalf("got %+v %v, want a failed outcome", res, err)
	}
	if c.ActiveCount() != 0 {
		t.Fatal("empty script started a player")
	}
}

func TestStartConversationRequiresGroup(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	if _, err := c.StartConversation(context.Background(), StartRequest{ParticipantIDs: []string{" ", ""}}); !apperrors.IsValidationError(err) {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestStopConversation(t *testing.T) {
	c, auth, _, sink := newTestCoordinator(t)
	auth.setScript("a_b", makeScript("s-1", 1, &models.TimingConfig{MinDelaySeconds: 0.1, MaxDelaySeconds: 0.1}, "x", "x"))

	c.StartConversation(context.Background(), StartRequest{GroupKey: "a_b"})
	sink.waitLines(t, 1, 2*time.Second)

	if !c.StopConversation("a_b") {
		t.Fatal("StopConversation reported nothing stopped")
	}
	if c.StopConversation("a_b") {
		t.Fatal("second stop should be a no-op")
	}
	if c.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d", c.ActiveCount())
	}
	time.Sleep(250 * time.Millisecond)
	if sink.count() != 1 {
		t.Fatalf("lines after stop: %d", sink.count())
	}
}

func TestStopDuringPendingStart(t *testing.T) {
	c, auth, _, _ := newTestCoordinator(t)
	auth.setScript("a_b", makeScript("s-1", 1, slowTiming, "x"))
	auth.fetchDelay = 100 * time.Millisecond

	done := make(chan StartResult, 1)
	go func() {
		res, _ := c.StartConversation(context.Background(), StartRequest{GroupKey: "a_b"})
		done <- res
	}()
	time.Sleep(30 * time.Millisecond)
	if !c.StopConversation("a_b") {
		t.Fatal("cancelling a pending start should report stopped")
	}
	if c.StopConversation("a_b") {
		t.Fatal("second stop found nothing to cancel")
	}

	if res := <-done; res.Outcome != OutcomeFailed {
		t.Fatalf("start completed despite stop: %s", res.Outcome)
	}
	if c.ActiveCount() != 0 {
		t.Fatal("player registered after stop")
	}
}

func TestStalledPlayerIsForgotten(t *testing.T) {
	c, auth, _, sink := newTestCoordinator(t)
	fast := &models.TimingConfig{MinDelaySeconds: 0.05, MaxDelaySeconds: 0.05, LoopDelaySeconds: 0.05}
	auth.setScript("a_b", makeScript("s-1", 1, fast, "x", "x"))

	if res, _ := c.StartConversation(context.Background(), StartRequest{GroupKey: "a_b"}); res.Outcome != OutcomeStarted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	sink.waitLines(t, 1, time.Second)

	// the next timer fires into a closed executor and the player goes idle
	c.deps.Executor.Close(time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for c.IsActive("a_b") {
		if time.Now().After(deadline) {
			t.Fatal("stalled player still reported active")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.ActiveCount() != 0 || len(c.ActiveGroups()) != 0 {
		t.Fatal("stalled player still listed")
	}
}

func TestStopAllAndClose(t *testing.T) {
	c, auth, _, _ := newTestCoordinator(t)
	for _, key := range []string{"a_b", "c_d", "e_f"} {
		auth.setScript(key, makeScript("s-"+key, 1, slowTiming, "x"))
		c.StartConversation(context.Background(), StartRequest{GroupKey: key})
	}
	if c.ActiveCount() != 3 {
		t.Fatalf("ActiveCount = %d", c.ActiveCount())
	}
	groups := c.ActiveGroups()
	if len(groups) != 3 || groups[0].GroupKey != "a_b" || groups[2].GroupKey != "e_f" {
		t.Fatalf("ActiveGroups = %+v", groups)
	}

	if n := c.StopAll(); n != 3 {
		t.Fatalf("StopAll stopped %d", n)
	}
	if c.ActiveCount() != 0 {
		t.Fatal("players left after StopAll")
	}

	c.Close()
	res, err := c.StartConversation(context.Background(), StartRequest{GroupKey: "a_b"})
	if err != nil || res.Outcome != OutcomeFailed {
		t.Fatalf("start after Close: %+v %v", res, err)
	}
}
