// internal/scheduler/scheduler.go
package scheduler

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

const (
	taskPending int32 = iota
	taskFired
	taskCancelled
)

// Task is a handle on one scheduled callback.
type Task struct {
	id    uint64
	at    time.Time
	fn    func()
	index int // position in the heap, -1 once popped or removed
	state atomic.Int32
	s     *Scheduler
}

// Cancel prevents the callback from running. It returns false when the
// callback already started (or was already cancelled).
func (t *Task) Cancel() bool {
	if t == nil || !t.state.CompareAndSwap(taskPending, taskCancelled) {
		return false
	}
	t.s.mu.Lock()
	if t.index >= 0 {
		heap.Remove(&t.s.tasks, t.index)
	}
	t.s.mu.Unlock()
	return true
}

// Cancelled reports whether Cancel won against the timer
func (t *Task) Cancelled() bool {
	return t != nil && t.state.Load() == taskCancelled
}

// Scheduler runs delayed callbacks on a small fixed pool of workers. One
// dispatcher goroutine keeps a deadline heap; nothing owns a timer per task.
type Scheduler struct {
	mu     sync.Mutex
	tasks  taskHeap
	seq    uint64
	closed bool

	wake chan struct{}
	jobs chan *Task
	quit chan struct{}

	dispatcherDone chan struct{}
	workers        sync.WaitGroup
	logger         *utils.Logger
}

// New starts a scheduler with the given number of workers (at least one).
func New(workers int) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	s := &Scheduler{
		wake:           make(chan struct{}, 1),
		jobs:           make(chan *Task),
		quit:           make(chan struct{}),
		dispatcherDone: make(chan struct{}),
		logger:         utils.GetLogger(),
	}
	go s.dispatch()
	for i := 0; i < workers; i++ {
		s.workers.Add(1)
		go s.worker()
	}
	return s
}

// Schedule runs fn after delay on one of the pool's workers.
func (s *Scheduler) Schedule(delay time.Duration, fn func()) (*Task, error) {
	if fn == nil {
		return nil, apperrors.NewContractError("nil callback", nil)
	}
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, apperrors.NewShutdownError("scheduler is shut down", nil)
	}
	s.seq++
	t := &Task{id: s.seq, at: time.Now().Add(delay), fn: fn, s: s}
	heap.Push(&s.tasks, t)
	first := t.index == 0
	s.mu.Unlock()

	if first {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
	return t, nil
}

// Pending returns the number of callbacks still waiting for their deadline
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) dispatch() {
	defer close(s.dispatcherDone)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		now := time.Now()
		var due []*Task
		wait := time.Duration(-1)

		s.mu.Lock()
		for len(s.tasks) > 0 && !s.tasks[0].at.After(now) {
			due = append(due, heap.Pop(&s.tasks).(*Task))
		}
		if len(s.tasks) > 0 {
			wait = s.tasks[0].at.Sub(now)
		}
		s.mu.Unlock()

		for _, t := range due {
			select {
			case s.jobs <- t:
			case <-s.quit:
				return
			}
		}
		if len(due) > 0 {
			continue
		}

		var timerC <-chan time.Time
		if wait >= 0 {
			timer.Reset(wait)
			timerC = timer.C
		}

		select {
		case <-s.wake:
		case <-timerC:
		case <-s.quit:
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
}

func (s *Scheduler) worker() {
	defer s.workers.Done()
	for {
		select {
		case t := <-s.jobs:
			s.run(t)
		case <-s.quit:
			return
		}
	}
}

func (s *Scheduler) run(t *Task) {
	if !t.state.CompareAndSwap(taskPending, taskFired) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled callback panicked", map[string]interface{}{
				"task":  t.id,
				"panic": r,
			})
		}
	}()
	t.fn()
}

// Shutdown cancels every pending callback and stops the pool. It waits up to
// timeout for callbacks already running; past that it returns a timeout error
// and leaves the stragglers to finish on their own.
func (s *Scheduler) Shutdown(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancelled := len(s.tasks)
	for _, t := range s.tasks {
		t.state.CompareAndSwap(taskPending, taskCancelled)
		t.index = -1
	}
	s.tasks = nil
	s.mu.Unlock()

	close(s.quit)

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		<-s.dispatcherDone
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("scheduler stopped", map[string]interface{}{"cancelled": cancelled})
		return nil
	case <-time.After(timeout):
		s.logger.Warn("scheduler shutdown timed out", map[string]interface{}{"timeout": timeout.String()})
		return apperrors.NewTimeoutError("scheduler shutdown timed out", nil)
	}
}

// taskHeap orders tasks by deadline, then by submission order.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].id < h[j].id
	}
	return h[i].at.Before(h[j].at)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*Task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
