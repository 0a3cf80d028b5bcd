// Package timer implements Mordor's timer manager (spec.md §4.2): an
// ordered set of future callbacks keyed by monotonic-microsecond deadline,
// with O(log n) insertion, removal, and earliest-deadline retrieval.
//
// mordor/common/timer.cpp keeps a std::set<Timer::ptr, TimerComparator>
// under a single mutex; container/heap is the Go idiom for the same
// shape, and is exactly what the teacher (gaio's watcher.go) uses for its
// own per-fd deadline queue (timedHeap, container/heap.Push/Pop/Remove).
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Callback is invoked outside the Manager's internal lock, per spec.md
// §4.2 "callbacks are invoked outside the internal lock".
type Callback func()

// Handle is a cancellable registration returned by Manager.Register.
type Handle struct {
	timer *entry
	mgr   *Manager
}

// Cancel atomically removes the timer if it is still pending. Cancelling
// an already-fired recurring timer suppresses further fires (spec.md
// §4.2 "Cancellation").
func (h Handle) Cancel() {
	h.mgr.cancel(h.timer)
}

type entry struct {
	deadline time.Time
	period   time.Duration
	cb       Callback
	recur    bool
	index    int  // heap index, maintained by container/heap
	cancelled bool
	seq      uint64 // stable tie-break identity
}

// entryHeap implements container/heap.Interface, ordered by deadline then
// by insertion sequence to resolve ties (spec.md §3 "Ties break by stable
// identity").
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }
func (h entryHeap) Less(i, j int) bool {
	if h[i].deadline.Equal(h[j].deadline) {
		return h[i].seq < h[j].seq
	}
	return h[i].deadline.Before(h[j].deadline)
}
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Manager is a TimerManager (spec.md §4.2).
type Manager struct {
	mu      sync.Mutex
	timers  entryHeap
	nextSeq uint64
	now     func() time.Time // overridable for tests; see WithClock
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the monotonic clock source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs an empty timer manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{now: monotonicNow}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// monotonicNow is time.Now(), which on every platform Go supports already
// returns a reading with a monotonic component attached — the "read twice
// and take the minimum" fallback spec.md §4.2 allows for platforms with a
// jumpy cheap clock source is not needed here because runtime.nanotime
// (what time.Now's monotonic reading is built on) does not exhibit that
// behavior on any Go-supported platform.
func monotonicNow() time.Time { return time.Now() }

// Register schedules cb to fire after delay, optionally recurring every
// delay thereafter, returning a cancellable Handle (spec.md §4.2
// registerTimer). wasAtFront reports whether the new timer became the
// earliest pending deadline, the signal IOManager uses to decide whether
// to tickle its kernel wait (spec.md §4.2 "Algorithm").
func (m *Manager) Register(delay time.Duration, cb Callback, recurring bool) (handle Handle, wasAtFront bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{
		deadline: m.now().Add(delay),
		period:   delay,
		cb:       cb,
		recur:    recurring,
		seq:      m.nextSeq,
	}
	m.nextSeq++
	heap.Push(&m.timers, e)
	wasAtFront = m.timers[0] == e
	return Handle{timer: e, mgr: m}, wasAtFront
}

func (m *Manager) cancel(e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.cancelled = true
	if e.index >= 0 && e.index < len(m.timers) && m.timers[e.index] == e {
		heap.Remove(&m.timers, e.index)
	}
}

// NextTimer returns the duration until the earliest pending deadline, or
// ok=false if there are none (spec.md §4.2 nextTimer(), "~0ull if no
// timers" in the original becomes a boolean here).
func (m *Manager) NextTimer() (d time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.timers) == 0 {
		return 0, false
	}
	d = m.timers[0].deadline.Sub(m.now())
	if d < 0 {
		d = 0
	}
	return d, true
}

// ProcessTimers fires every timer whose deadline has passed. Recurring
// timers are re-inserted with a fresh deadline before their callback
// runs; callbacks run outside the internal lock (spec.md §4.2
// processTimers()).
func (m *Manager) ProcessTimers() {
	var due []Callback

	m.mu.Lock()
	now := m.now()
	for len(m.timers) > 0 && !m.timers[0].deadline.After(now) {
		e := heap.Pop(&m.timers).(*entry)
		if e.cancelled {
			continue
		}
		due = append(due, e.cb)
		if e.recur {
			e.deadline = now.Add(e.period)
			e.seq = m.nextSeq
			m.nextSeq++
			heap.Push(&m.timers, e)
		}
	}
	m.mu.Unlock()

	for _, cb := range due {
		cb()
	}
}

// Len reports the number of pending timers, for tests and metrics.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}
