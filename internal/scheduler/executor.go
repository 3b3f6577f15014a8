// internal/scheduler/executor.go
package scheduler

import (
	"sync"
	"time"

	apperrors "github.com/Corphon/VillagerBridge/internal/errors"
	"github.com/Corphon/VillagerBridge/internal/utils"
)

// Executor is the single execution context that owns display-side state.
// Submitted functions run one at a time, in submission order, on one goroutine.
type Executor struct {
	mu     sync.Mutex
	queue  []func()
	closed bool

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}
	logger *utils.Logger
}

// NewExecutor starts the executor goroutine.
func NewExecutor() *Executor {
	e := &Executor{
		signal: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: utils.GetLogger(),
	}
	go e.loop()
	return e
}

// Submit enqueues fn. It never blocks, so it is safe to call from a timer
// callback or from inside the executor itself.
func (e *Executor) Submit(fn func()) error {
	if fn == nil {
		return apperrors.NewContractError("nil task", nil)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return apperrors.NewShutdownError("executor is closed", nil)
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
	return nil
}

// Call submits fn and waits for it to finish. It must not be used from
// inside the executor.
func (e *Executor) Call(fn func()) error {
	finished := make(chan struct{})
	if err := e.Submit(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		// the loop drains before exiting, so the task either ran or never will
		select {
		case <-finished:
			return nil
		default:
			return apperrors.NewShutdownError("executor closed before task ran", nil)
		}
	}
}

// Backlog returns the number of queued, not yet started tasks
func (e *Executor) Backlog() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

func (e *Executor) loop() {
	defer close(e.done)
	for {
		select {
		case <-e.signal:
			e.drain()
		case <-e.quit:
			e.drain()
			return
		}
	}
}

func (e *Executor) drain() {
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		e.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			e.run(fn)
		}
	}
}

func (e *Executor) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("executor task panicked", map[string]interface{}{"panic": r})
		}
	}()
	fn()
}

// Close stops accepting tasks, runs what is already queued and waits up to
// timeout for the loop to exit.
func (e *Executor) Close(timeout time.Duration) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	close(e.quit)

	select {
	case <-e.done:
		return nil
	case <-time.After(timeout):
		return apperrors.NewTimeoutError("executor close timed out", nil)
	}
}
