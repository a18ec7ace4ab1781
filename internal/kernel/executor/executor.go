// Package executor implements the single-threaded cooperative kernel async
// executor (spec.md §4.6): kernel tasks are poll-based futures, not
// goroutines — real goroutine concurrency would violate the ordering model
// spec.md §5 describes ("kernel code cooperative... no multithreading").
package executor

import "sync"

// Future is a poll-based, cooperatively-scheduled computation. Poll returns
// (value, true) once the future completes; otherwise it must arrange for
// cx.Waker() to be invoked when it can usefully be polled again and return
// (zero, false).
type Future[T any] interface {
	Poll(cx *Context) (T, bool)
}

// Waker lets a future signal the executor that it is ready to make
// progress. It may be invoked from what would be interrupt context on real
// hardware (e.g. a timer deadline firing, a broadcast send).
type Waker struct {
	wake func()
}

// Wake schedules the associated task for re-polling. Safe to call more than
// once; redundant wakes are coalesced.
func (w Waker) Wake() {
	if w.wake != nil {
		w.wake()
	}
}

// Context is passed to Future.Poll.
type Context struct {
	waker Waker
}

// Waker returns the waker a pending future should retain and invoke once it
// can make progress.
func (c *Context) Waker() Waker { return c.waker }

// TaskID identifies a spawned kernel async task.
type TaskID uint64

type readyFuture[T any] struct{ v T }

func (r readyFuture[T]) Poll(cx *Context) (T, bool) { return r.v, true }

// Ready returns a Future that completes immediately with v.
func Ready[T any](v T) Future[T] { return readyFuture[T]{v: v} }

// Executor is the kernel's single-threaded poll loop (spec.md §4.6).
//
// The task table conceptually stores `id -> Option<(task, waker)>`, `None`
// meaning "currently being polled" so a re-entrant wake cannot race a
// concurrent poll of the same future. Here that's modeled by removing the
// entry from tasks for the duration of its Poll call and tracking
// membership in polling.
type Executor struct {
	mu      sync.Mutex
	nextID  uint64
	tasks   map[TaskID]Future[struct{}]
	polling map[TaskID]struct{}
	ready   []TaskID
	queued  map[TaskID]struct{}
}

// New returns an empty Executor.
func New() *Executor {
	return &Executor{
		tasks:   make(map[TaskID]Future[struct{}]),
		polling: make(map[TaskID]struct{}),
		queued:  make(map[TaskID]struct{}),
	}
}

// Spawn assigns a fresh id to fut, inserts it, and marks it ready for the
// next Poll.
func (e *Executor) Spawn(fut Future[struct{}]) TaskID {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := TaskID(e.nextID)
	e.tasks[id] = fut
	e.markReadyLocked(id)
	return id
}

func (e *Executor) markReadyLocked(id TaskID) {
	if _, dup := e.queued[id]; dup {
		return
	}
	e.queued[id] = struct{}{}
	e.ready = append(e.ready, id)
}

func (e *Executor) wake(id TaskID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.markReadyLocked(id)
}

// Pending reports how many tasks are currently tracked (running or
// suspended). Used by tests and by shutdown bookkeeping.
func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks) + len(e.polling)
}

// Poll drains the ready queue exactly once, polling each task that was
// ready at the time Poll was called (spec.md §4.6: "poll() drains the ready
// queue exactly once per invocation").
func (e *Executor) Poll() {
	e.mu.Lock()
	batch := e.ready
	e.ready = nil
	for _, id := range batch {
		delete(e.queued, id)
	}
	e.mu.Unlock()

	for _, id := range batch {
		e.pollOne(id)
	}
}

func (e *Executor) pollOne(id TaskID) {
	e.mu.Lock()
	fut, ok := e.tasks[id]
	if !ok {
		// Already completed and removed (or a stale wake for a dead task).
		e.mu.Unlock()
		return
	}
	delete(e.tasks, id) // "None": being polled.
	e.polling[id] = struct{}{}
	e.mu.Unlock()

	cx := &Context{waker: Waker{wake: func() { e.wake(id) }}}
	_, ready := fut.Poll(cx)

	e.mu.Lock()
	delete(e.polling, id)
	if !ready {
		e.tasks[id] = fut
	}
	e.mu.Unlock()
}
