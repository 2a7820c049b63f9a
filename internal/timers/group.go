// Package timers provides owner-scoped cancellable timers. A callback never runs
// after its handle was cancelled or its group was closed.
package timers

import (
	"sync"
	"time"
)

// Stopper is the part of *time.Timer a Group needs
type Stopper interface {
	Stop() bool
}

// Scheduler runs f once after d
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Stopper
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Stopper {
	return time.AfterFunc(d, f)
}

// Real schedules on the runtime timers
var Real Scheduler = realScheduler{}

// Group owns a set of pending timers
type Group struct {
	sched   Scheduler
	mu      sync.Mutex
	closed  bool
	pending map[*Handle]struct{}
	running sync.WaitGroup
}

// Handle cancels one scheduled callback
type Handle struct {
	group *Group
	stop  Stopper
	done  bool // fired or cancelled, guarded by group.mu
}

// NewGroup returns empty Group using sched, nil means Real
func NewGroup(sched Scheduler) *Group {
	if sched == nil {
		sched = Real
	}
	return &Group{
		sched:   sched,
		pending: make(map[*Handle]struct{}),
	}
}

// After schedules f. On a closed group the returned handle is already done and f never runs.
func (g *Group) After(d time.Duration, f func()) *Handle {
	h := &Handle{group: g}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		h.done = true
		return h
	}

	g.pending[h] = struct{}{}
	h.stop = g.sched.AfterFunc(d, func() { g.fire(h, f) })
	return h
}

func (g *Group) fire(h *Handle, f func()) {
	g.mu.Lock()
	if g.closed || h.done {
		g.mu.Unlock()
		return
	}
	h.done = true
	delete(g.pending, h)
	g.running.Add(1)
	g.mu.Unlock()

	defer g.running.Done()
	f()
}

// Pending returns the number of scheduled callbacks that have neither fired nor been cancelled
func (g *Group) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// Close cancels every pending callback and waits for running ones to return.
// It must not be called from a callback of the same group.
func (g *Group) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	for h := range g.pending {
		h.done = true
		h.stop.Stop()
	}
	g.pending = nil
	g.mu.Unlock()

	g.running.Wait()
}

// Cancel stops the callback. It reports false if the callback already ran or was cancelled.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}

	g := h.group
	g.mu.Lock()
	defer g.mu.Unlock()

	if h.done {
		return false
	}
	h.done = true
	delete(g.pending, h)
	h.stop.Stop()
	return true
}
