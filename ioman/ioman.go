// Package ioman implements Mordor's I/O Manager (spec.md §4.4): a
// Scheduler that also owns a kernel readiness multiplexer (epoll,
// kqueue, or WSAEventSelect on Windows) and a timer manager, scheduling the fiber or callback
// registered against a descriptor once the kernel reports it ready.
//
// The registration bookkeeping (one pendingEvent struct per fd, a flag
// per direction recording whether a fiber or a bare callback is
// waiting, OR'd into the kernel's interest mask, cleared and
// potentially re-subscribed as each event fires) is a direct port of
// mordor/common/iomanager_epoll.cpp's AsyncEvent/m_pendingEvents. The
// surrounding idle-fiber-drives-the-kernel-wait shape matches the
// teacher's watcher.loop() (_examples/socket515-gaio/watcher.go): a
// self-pipe tickle wakes the poll the same way chPendingNotify
// wakes gaio's loop, and timers piggyback on the same wait the way
// gaio's timedHeap drives its timer.Reset deadline.
package ioman

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mordor-go/mordor/fiber"
	"github.com/mordor-go/mordor/internal/metrics"
	"github.com/mordor-go/mordor/scheduler"
	"github.com/mordor-go/mordor/timer"
)

// Event is a readiness direction, spec.md §4.4 "Event".
type Event int

const (
	EventRead Event = 1 << iota
	EventWrite
)

func (e Event) String() string {
	switch e {
	case EventRead:
		return "READ"
	case EventWrite:
		return "WRITE"
	case EventRead | EventWrite:
		return "READ|WRITE"
	default:
		return "NONE"
	}
}

// waiter is what's waiting on one direction of one fd: either a fiber to
// resume (via the owning scheduler) or a bare callback.
type waiter struct {
	sched *scheduler.Scheduler
	f     *fiber.Fiber
	fn    func()
}

func (w *waiter) fire() {
	if w == nil {
		return
	}
	if w.fn != nil {
		w.sched.ScheduleFunc(func(ctx context.Context) error {
			w.fn()
			return nil
		}, -1)
		return
	}
	w.sched.Schedule(w.f, -1)
}

// pendingEvent is mordor's AsyncEvent: the registered interest and
// waiters for one descriptor, across both directions.
type pendingEvent struct {
	fd      int
	mask    Event
	in, out *waiter
}

// backend is the per-OS kernel multiplexer this package wraps. Add,
// Modify and Remove operate on (fd, mask) in the kernel's terms; Wait
// blocks until either an event fires, the tickle fd is read, or
// timeoutMillis elapses (-1 meaning forever), returning the fds that
// became ready, the directions reported for each, and whether the fd
// reported an error or hang-up.
type backend interface {
	Add(fd int, mask Event) error
	Modify(fd int, mask Event) error
	Remove(fd int) error
	Wait(timeoutMillis int) ([]readyFd, error)
	TickleFD() int
	Tickle()
	Close() error
}

type readyFd struct {
	fd  int
	got Event
	err bool
}

// Manager is an I/O-capable Scheduler, spec.md §4.4's IOManager.
type Manager struct {
	sched   *scheduler.Scheduler
	timers  *timer.Manager
	backend backend

	mu      sync.Mutex
	pending map[int]*pendingEvent

	metrics *metrics.Recorder
	log     *slog.Logger
}

// New constructs an I/O manager with threadCount workers, using the
// platform's native multiplexer.
func New(threadCount int, useCaller bool) (*Manager, error) {
	b, err := newBackend()
	if err != nil {
		return nil, fmt.Errorf("ioman: %w", err)
	}
	m := &Manager{
		backend: b,
		timers:  timer.NewManager(),
		pending: make(map[int]*pendingEvent),
		log:     slog.Default().With("component", "ioman"),
	}
	m.sched = scheduler.New(threadCount, useCaller, m)
	return m, nil
}

// Scheduler exposes the embedded Scheduler for Schedule/Stop/Start/etc.
func (m *Manager) Scheduler() *scheduler.Scheduler { return m.sched }

// SetMetrics attaches a Prometheus recorder to both the embedded
// scheduler and this manager's own kernel-wait/timer instrumentation.
// Must be called before Start.
func (m *Manager) SetMetrics(rec *metrics.Recorder) {
	m.sched.SetMetrics(rec)
	m.mu.Lock()
	m.metrics = rec
	m.mu.Unlock()
}

// Start launches worker goroutines (see scheduler.Scheduler.Start).
func (m *Manager) Start() { m.sched.Start() }

// Dispatch runs the calling goroutine as a worker.
func (m *Manager) Dispatch() { m.sched.Dispatch() }

// Stop shuts the manager and its backend down.
func (m *Manager) Stop() {
	m.sched.Stop()
	m.backend.Close()
}

// RegisterEvent arms fd for events, resuming the current fiber when they
// fire (spec.md §4.4 registerEvent(fd, events)). The current scheduler
// and fiber are taken from ctx, mirroring
// ASSERT(Scheduler::getThis())/ASSERT(Fiber::getThis()) in the original.
func (m *Manager) RegisterEvent(ctx context.Context, fd int, events Event) error {
	sched := scheduler.Current(ctx)
	f := fiber.Current(ctx)
	if sched == nil || f == nil {
		return fmt.Errorf("ioman: RegisterEvent requires a current scheduler and fiber on ctx")
	}
	return m.register(fd, events, sched, f, nil)
}

// RegisterCallback arms fd for events, invoking fn on the given
// scheduler when they fire instead of resuming a fiber (the dg overload
// of registerEvent in the original).
func (m *Manager) RegisterCallback(sched *scheduler.Scheduler, fd int, events Event, fn func()) error {
	return m.register(fd, events, sched, nil, fn)
}

func (m *Manager) register(fd int, events Event, sched *scheduler.Scheduler, f *fiber.Fiber, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pe, ok := m.pending[fd]
	if !ok {
		pe = &pendingEvent{fd: fd}
		m.pending[fd] = pe
	}
	w := &waiter{sched: sched, f: f, fn: fn}
	if events&EventRead != 0 {
		pe.in = w
	}
	if events&EventWrite != 0 {
		pe.out = w
	}
	newMask := pe.mask | events
	var err error
	if pe.mask == 0 {
		err = m.backend.Add(fd, newMask)
	} else {
		err = m.backend.Modify(fd, newMask)
	}
	if err != nil {
		return fmt.Errorf("ioman: %w", err)
	}
	pe.mask = newMask
	return nil
}

// CancelEvent cancels a pending registration, scheduling whatever was
// waiting on it immediately, exactly as if the event had fired (spec.md
// §4.4 cancelEvent).
func (m *Manager) CancelEvent(fd int, events Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pe, ok := m.pending[fd]
	if !ok {
		return nil
	}
	if events&EventRead != 0 && pe.mask&EventRead != 0 {
		pe.in.fire()
		pe.in = nil
	}
	if events&EventWrite != 0 && pe.mask&EventWrite != 0 {
		pe.out.fire()
		pe.out = nil
	}
	pe.mask &^= events
	if pe.mask == 0 {
		delete(m.pending, fd)
		return m.backend.Remove(fd)
	}
	return m.backend.Modify(fd, pe.mask)
}

// RegisterTimer schedules a timer callback, tickling the backend if it
// became the new earliest deadline (spec.md §4.4 registerTimer, mirroring
// IOManagerEPoll::registerTimer).
func (m *Manager) RegisterTimer(delay time.Duration, cb timer.Callback, recurring bool) timer.Handle {
	wrapped := cb
	if m.metrics != nil {
		wrapped = func() {
			m.metrics.TimerFires.Inc()
			cb()
		}
	}
	h, atFront := m.timers.Register(delay, wrapped, recurring)
	if atFront {
		m.backend.Tickle()
	}
	return h
}

// Sleep blocks the calling fiber for d, the free function spec.md's
// supplemented feature list (SPEC_FULL.md §E.4) adds back from
// mordor/common/sleep.cpp's sleep(IOManager&, us).
func Sleep(ctx context.Context, m *Manager, d time.Duration) {
	self := fiber.Current(ctx)
	sched := scheduler.Current(ctx)
	if self == nil || sched == nil {
		return
	}
	m.timers.Register(d, func() {
		sched.Schedule(self, -1)
	}, false)
	scheduler.YieldToScheduler(ctx)
}

// Idle implements scheduler.Idler: it is the Scheduler's idle-fiber body,
// blocking in the kernel wait until a descriptor is ready, a timer
// fires, or Tickle wakes it early (spec.md §4.4 idle()).
func (m *Manager) Idle(ctx context.Context, s *scheduler.Scheduler) {
	for {
		if s.Stopping() {
			m.mu.Lock()
			empty := len(m.pending) == 0
			m.mu.Unlock()
			if empty {
				return
			}
		}

		timeoutMillis := -1
		if d, ok := m.timers.NextTimer(); ok {
			timeoutMillis = int(d / time.Millisecond)
			if timeoutMillis < 0 {
				timeoutMillis = 0
			}
		}

		waitStart := time.Now()
		ready, err := m.backend.Wait(timeoutMillis)
		if m.metrics != nil {
			m.metrics.IOWaitSeconds.Observe(time.Since(waitStart).Seconds())
		}
		if err != nil {
			m.log.Error("backend wait failed", "error", err)
			return
		}

		m.timers.ProcessTimers()

		m.mu.Lock()
		for _, r := range ready {
			pe, ok := m.pending[r.fd]
			if !ok {
				continue
			}
			if r.got&EventRead != 0 || (r.err && pe.mask&EventRead != 0) {
				pe.in.fire()
				pe.in = nil
				pe.mask &^= EventRead
			}
			if r.got&EventWrite != 0 || (r.err && pe.mask&EventWrite != 0) {
				pe.out.fire()
				pe.out = nil
				pe.mask &^= EventWrite
			}
			if r.err || pe.mask == 0 {
				delete(m.pending, r.fd)
				m.backend.Remove(r.fd)
			}
		}
		m.mu.Unlock()

		fiber.Yield(ctx)
	}
}

// Tickle implements scheduler.Idler.
func (m *Manager) Tickle() { m.backend.Tickle() }
