package scheduler

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
)

func TestExecutorRunsInSubmissionOrder(t *testing.T) {
	e := NewExecutor()
	defer e.Close(time.Second)

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if err := e.Submit(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}
	if err := e.Call(func() {}); err != nil {
		t.Fatalf("Call: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestExecutorNeverRunsTasksConcurrently(t *testing.T) {
	e := NewExecutor()
	defer e.Close(time.Second)

	var inFlight, maxSeen atomic.Int32
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = e.Submit(func() {
					n := inFlight.Add(1)
					if n > maxSeen.Load() {
						maxSeen.Store(n)
					}
					inFlight.Add(-1)
				})
			}
		}()
	}
	wg.Wait()
	_ = e.Call(func() {})

	if maxSeen.Load() != 1 {
		t.Fatalf("saw %d tasks in flight at once", maxSeen.Load())
	}
}

func TestExecutorSubmitFromInsideTask(t *testing.T) {
	e := NewExecutor()
	defer e.Close(time.Second)

	done := make(chan struct{})
	if err := e.Submit(func() {
		_ = e.Submit(func() { close(done) })
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nested submit never ran")
	}
}

func TestExecutorSurvivesPanic(t *testing.T) {
	e := NewExecutor()
	defer e.Close(time.Second)

	_ = e.Submit(func() { panic("sink exploded") })
	ran := false
	if err := e.Call(func() { ran = true }); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !ran {
		t.Fatal("task after a panic did not run")
	}
}

func TestExecutorCloseDrainsAndRejects(t *testing.T) {
	e := NewExecutor()

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		_ = e.Submit(func() { count.Add(1) })
	}
	if err := e.Close(time.Second); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if count.Load() != 10 {
		t.Fatalf("ran %d queued tasks, want 10", count.Load())
	}
	if err := e.Submit(func() {}); !apperrors.IsShutdownError(err) {
		t.Fatalf("Submit after Close: got %v, want shutdown error", err)
	}
	if err := e.Close(time.Second); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
