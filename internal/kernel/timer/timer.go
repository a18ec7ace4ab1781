// Package timer implements the tick counter and sleep futures driven by the
// APIC-timer handler (spec.md §4.8), grounded on
// internal/timeslice/timeslice.go's monotonic atomic.Uint64 tick plus
// channel-style notification — repurposed here from a trace-recording
// counter into the scheduler's slice clock.
package timer

import (
	"sync"
	"sync/atomic"

	"github.com/BugenZhao/litchi-go/internal/kernel/executor"
)

// TickCounter is the monotonic slice clock plus its deadline map
// (spec.md §3 "Tick counter and deadline map").
type TickCounter struct {
	count     atomic.Uint64
	mu        sync.Mutex
	deadlines map[uint64][]func()
}

// New returns a TickCounter starting at slice 0.
func New() *TickCounter {
	return &TickCounter{deadlines: make(map[uint64][]func())}
}

// Current returns the current slice count.
func (t *TickCounter) Current() uint64 { return t.count.Load() }

// IncSlice atomically increments the counter and fires (removing) any
// notifiers registered for the new count. Called from the APIC-timer
// handler (spec.md §4.1, §4.8).
func (t *TickCounter) IncSlice() {
	n := t.count.Add(1)

	t.mu.Lock()
	fns := t.deadlines[n]
	delete(t.deadlines, n)
	t.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (t *TickCounter) notifyAt(deadline uint64, fn func()) {
	t.mu.Lock()
	if deadline <= t.count.Load() {
		t.mu.Unlock()
		fn()
		return
	}
	t.deadlines[deadline] = append(t.deadlines[deadline], fn)
	t.mu.Unlock()
}

// PendingDeadlines returns the number of distinct slice counts with at
// least one registered notifier. Used by tests to assert monotonic
// shrinkage as deadlines fire.
func (t *TickCounter) PendingDeadlines() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.deadlines)
}

type sleepFuture struct {
	tc         *TickCounter
	deadline   uint64
	mu         sync.Mutex
	registered bool
	fired      bool
}

func (f *sleepFuture) Poll(cx *executor.Context) (struct{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fired {
		return struct{}{}, true
	}
	if !f.registered {
		f.registered = true
		waker := cx.Waker()
		f.tc.notifyAt(f.deadline, func() {
			f.mu.Lock()
			f.fired = true
			f.mu.Unlock()
			waker.Wake()
		})
	}
	return struct{}{}, false
}

// Sleep returns a future that completes after n further slices have
// elapsed (spec.md §4.8). Sleep(0) completes immediately without touching
// the deadline map, matching "sleep(n) (if n>0) ...".
func (t *TickCounter) Sleep(n uint64) executor.Future[struct{}] {
	if n == 0 {
		return executor.Ready(struct{}{})
	}
	return &sleepFuture{tc: t, deadline: t.Current() + n}
}
