// Package scheduler implements Mordor's M:N fiber scheduler (spec.md
// §4.3): a FIFO ready queue of fibers/callables, optionally affinity-
// pinned to a worker, drained by a pool of worker goroutines standing in
// for OS threads.
//
// The run loop's shape — push work under a mutex, pop one item at a time
// under the same mutex and run it outside the lock, fall back to an idle
// wait when nothing is runnable — follows the teacher's
// watcher.loop()/handlePending (_examples/socket515-gaio/watcher.go),
// which does the same for I/O completions instead of fiber work items.
// SemaphoreIdler's idle/tickle pair re-expresses
// mordor/common/semaphore.{h,cpp} using golang.org/x/sync/semaphore
// instead of a hand-rolled counting semaphore.
package scheduler

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/mordor-go/mordor/fiber"
	"github.com/mordor-go/mordor/internal/metrics"
)

// Idler is the pluggable idle/wake strategy a Scheduler delegates to when
// its ready queue is empty (spec.md §4.3 "Workloop": "The idle fiber is
// subclass-defined"). ioman.Manager implements this to block in
// epoll_wait/kevent/WaitForMultipleObjects instead of a semaphore.
type Idler interface {
	// Idle runs as the body of a dedicated idle fiber; after each unit of
	// idle work it should either return or hand control back with
	// fiber.Yield, so the scheduler's workloop can re-check the queue, and
	// it should return once it observes Stopping().
	Idle(ctx context.Context, s *Scheduler)
	// Tickle wakes a blocked Idle call promptly.
	Tickle()
}

// SemaphoreIdler is the default Idler for compute-only worker pools (no
// kernel I/O multiplexer backing them): Idle blocks on a binary
// golang.org/x/sync/semaphore.Weighted until Tickle signals it, the
// direct re-expression of mordor/common/semaphore.{h,cpp}'s
// WorkerPool::idle()/tickle() pair the original Scheduler subclasses use
// when they have nothing kernel-specific to wait on. ioman.Manager
// supplies its own Idler backed by epoll/kqueue/WaitForMultipleObjects
// instead.
type SemaphoreIdler struct {
	sem     *semaphore.Weighted
	pending int32
}

// NewSemaphoreIdler constructs a SemaphoreIdler, pre-draining its single
// slot so the first Idle call blocks until a Tickle.
func NewSemaphoreIdler() *SemaphoreIdler {
	sem := semaphore.NewWeighted(1)
	sem.Acquire(context.Background(), 1)
	return &SemaphoreIdler{sem: sem}
}

func (i *SemaphoreIdler) Idle(ctx context.Context, s *Scheduler) {
	if s.Stopping() {
		return
	}
	i.sem.Acquire(context.Background(), 1)
	atomic.StoreInt32(&i.pending, 0)
}

func (i *SemaphoreIdler) Tickle() {
	if atomic.CompareAndSwapInt32(&i.pending, 0, 1) {
		i.sem.Release(1)
	}
}

// workItem is spec.md §3's ready-work item: either a fiber handle or a
// bare callable, with an optional worker affinity.
type workItem struct {
	f        *fiber.Fiber
	fn       func(ctx context.Context) error
	affinity int // -1 means unpinned
}

// Scheduler is spec.md §4.3's Scheduler/WorkerPool.
type Scheduler struct {
	mu       sync.Mutex
	ready    *list.List // of *workItem
	stopping bool

	threadCount int
	useCaller   bool

	idler Idler

	workerWG sync.WaitGroup
	started  bool

	metrics *metrics.Recorder
	log     *slog.Logger
}

// SetMetrics attaches a Prometheus recorder; nil disables recording
// (the default). Must be called before Start.
func (s *Scheduler) SetMetrics(m *metrics.Recorder) {
	s.mu.Lock()
	s.metrics = m
	s.mu.Unlock()
}

type ctxKey struct{}

// WithCurrent installs s as the current scheduler carried on ctx, the Go
// substitute for Scheduler::t_scheduler thread-local storage.
func WithCurrent(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// Current returns the scheduler installed on ctx (spec.md §6 "static
// getThis").
func Current(ctx context.Context) *Scheduler {
	s, _ := ctx.Value(ctxKey{}).(*Scheduler)
	return s
}

type schedFiberKey struct{}

func withSchedulingFiber(ctx context.Context, f *fiber.Fiber) context.Context {
	return context.WithValue(ctx, schedFiberKey{}, f)
}

func schedulingFiber(ctx context.Context) *fiber.Fiber {
	f, _ := ctx.Value(schedFiberKey{}).(*fiber.Fiber)
	return f
}

// New constructs a Scheduler backed by idler, with threadCount worker
// goroutines. If useCaller is set, the calling goroutine itself becomes
// one of the workers, reachable via Dispatch (spec.md §4.3 "Contract").
func New(threadCount int, useCaller bool, idler Idler) *Scheduler {
	if threadCount < 1 {
		threadCount = 1
	}
	if idler == nil {
		idler = NewSemaphoreIdler()
	}
	return &Scheduler{
		ready:       list.New(),
		threadCount: threadCount,
		useCaller:   useCaller,
		idler:       idler,
		log:         slog.Default().With("component", "scheduler"),
	}
}

// Start launches the non-caller worker goroutines. If useCaller was set,
// the caller must additionally invoke Dispatch on the constructing
// goroutine to run the remaining worker.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	n := s.threadCount
	if s.useCaller {
		n--
	}
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		id := i
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			s.runWorker(fmt.Sprintf("worker-%d", id))
		}()
	}
}

// Dispatch runs the calling goroutine as a worker, wrapping it as a
// thread fiber. Used by the useCaller thread (spec.md §6 "dispatch").
func (s *Scheduler) Dispatch() {
	s.runWorker("caller")
}

// Schedule appends a fiber to the ready queue, with optional worker
// affinity (a negative value means unpinned). If the queue transitions
// empty to non-empty, the scheduler tickles its idle machinery (spec.md
// §4.3 schedule()).
func (s *Scheduler) Schedule(f *fiber.Fiber, affinity int) {
	s.push(&workItem{f: f, affinity: affinity})
}

// ScheduleFunc appends a bare callable to the ready queue.
func (s *Scheduler) ScheduleFunc(fn func(ctx context.Context) error, affinity int) {
	s.push(&workItem{fn: fn, affinity: affinity})
}

func (s *Scheduler) push(item *workItem) {
	s.mu.Lock()
	wasEmpty := s.ready.Len() == 0
	s.ready.PushBack(item)
	depth := s.ready.Len()
	m := s.metrics
	s.mu.Unlock()
	if m != nil {
		m.ReadyQueueDepth.Set(float64(depth))
	}
	if wasEmpty {
		s.idler.Tickle()
	}
}

// Stop requests shutdown: the stopping flag is set (Schedule still
// appends work after this), idle machinery is tickled so every worker
// observes stopping() promptly, and Stop returns once all worker
// goroutines launched by Start have exited (spec.md §4.3 stop()).
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()
	for i := 0; i < s.threadCount; i++ {
		s.idler.Tickle()
	}
	s.workerWG.Wait()
}

// Stopping reports whether Stop has been called.
func (s *Scheduler) Stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

// pop removes and returns the first ready item whose affinity is unset or
// matches workerID, leaving non-matching affinity-tagged items in place
// (spec.md §4.3 "Invariants").
func (s *Scheduler) pop(workerID int) *workItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	for e := s.ready.Front(); e != nil; e = e.Next() {
		item := e.Value.(*workItem)
		if item.affinity < 0 || item.affinity == workerID {
			if item.f != nil && item.f.State() == fiber.StateExec {
				continue
			}
			s.ready.Remove(e)
			if s.metrics != nil {
				s.metrics.ReadyQueueDepth.Set(float64(s.ready.Len()))
			}
			return item
		}
	}
	return nil
}

// runWorker is one worker's loop (spec.md §4.3 "Workloop"). It wraps the
// calling goroutine as a thread fiber, builds a dedicated scheduling
// fiber for the idle strategy, and alternates between draining the ready
// queue and idling.
func (s *Scheduler) runWorker(name string) {
	threadFiber := fiber.NewCurrent(name)
	ctx := fiber.WithCurrent(context.Background(), threadFiber)
	ctx = WithCurrent(ctx, s)

	workerID := s.workerIDFromName(name)

	idleFiber := fiber.New(name+"-idle", 0, func(ctx context.Context) error {
		s.idler.Idle(ctx, s)
		return nil
	})
	ctx = withSchedulingFiber(ctx, threadFiber)

	for {
		item := s.pop(workerID)
		if item != nil {
			s.run(ctx, item)
			continue
		}
		if s.Stopping() && s.queueEmpty() {
			if idleFiber.State() == fiber.StateTerm || idleFiber.State() == fiber.StateInit {
				return
			}
		}
		if idleFiber.State() == fiber.StateTerm {
			if s.Stopping() {
				return
			}
			idleFiber.Reset(func(ctx context.Context) error {
				s.idler.Idle(ctx, s)
				return nil
			})
		}
		if err := idleFiber.Call(ctx); err != nil {
			s.log.Error("idle fiber error", "error", err)
		}
	}
}

func (s *Scheduler) queueEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready.Len() == 0
}

func (s *Scheduler) run(ctx context.Context, item *workItem) {
	if item.fn != nil {
		if err := s.runCallable(ctx, item.fn); err != nil {
			s.log.Error("scheduled callable failed", "error", err)
		}
		return
	}
	f := item.f
	if f.State() == fiber.StateTerm {
		return
	}
	if s.metrics != nil {
		s.metrics.ActiveFibers.Inc()
		defer s.metrics.ActiveFibers.Dec()
	}
	if _, err := fiber.YieldTo(ctx, f, true); err != nil {
		s.log.Error("scheduled fiber failed", "fiber", f.Name(), "error", err)
	}
}

// runCallable runs a bare callable on a disposable fiber so it
// participates in the same suspension machinery a scheduled fiber would
// (spec.md §7: "one failing callable does not kill the worker").
func (s *Scheduler) runCallable(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduled callable panicked: %v", r)
		}
	}()
	return fn(ctx)
}

// workerIDFromName maps a worker's name to the integer ID that Schedule's
// affinity argument is matched against: "worker-i" started by Start has
// ID i, and the caller goroutine run by Dispatch has ID threadCount-1, the
// slot Start leaves free when useCaller is set.
func (s *Scheduler) workerIDFromName(name string) int {
	var id int
	if _, err := fmt.Sscanf(name, "worker-%d", &id); err == nil {
		return id
	}
	return s.threadCount - 1
}

// SwitchTo schedules the current fiber onto target and yields, migrating
// the calling computation to a different scheduler/pool (spec.md §4.3
// switchTo()). If target is already the current scheduler, it is a no-op.
func SwitchTo(ctx context.Context, target *Scheduler) context.Context {
	cur := Current(ctx)
	if cur == target {
		return ctx
	}
	self := fiber.Current(ctx)
	target.Schedule(self, -1)
	return YieldToScheduler(ctx)
}

// SwitchToWithRestore is SwitchTo plus a returned restore func, the Go
// substitute for mordor/common/scheduler.h's SchedulerSwitcher RAII guard
// (SPEC_FULL.md §E.3): call it (typically via defer) to switch back.
func SwitchToWithRestore(ctx context.Context, target *Scheduler) (context.Context, func(context.Context) context.Context) {
	prior := Current(ctx)
	newCtx := SwitchTo(ctx, target)
	return newCtx, func(ctx context.Context) context.Context {
		if prior == nil {
			return ctx
		}
		return SwitchTo(ctx, prior)
	}
}

// YieldToScheduler transfers from the currently running fiber back to the
// calling worker's scheduling fiber, letting it pick up the next work
// item (spec.md §4.3 yieldTo()).
func YieldToScheduler(ctx context.Context) context.Context {
	sf := schedulingFiber(ctx)
	if sf == nil {
		panic("scheduler: YieldToScheduler called outside a scheduler worker")
	}
	newCtx, err := fiber.YieldTo(ctx, sf, false)
	if err != nil {
		panic(fmt.Sprintf("scheduler: scheduling fiber reported an error: %v", err))
	}
	return newCtx
}

// ErrParallel wraps the first error observed by ParallelDo, matching
// spec.md §4.3 "re-raising the first exception".
var ErrParallel = errors.New("scheduler: parallel task failed")

// ParallelDo runs each fn on its own fiber scheduled on the current
// scheduler, yielding until all complete, then re-raises the first
// captured error (spec.md §4.3 parallel_do()).
func ParallelDo(ctx context.Context, fns []func(ctx context.Context) error) error {
	s := Current(ctx)
	if s == nil {
		return fmt.Errorf("scheduler: ParallelDo requires a current scheduler on ctx")
	}
	self := fiber.Current(ctx)

	errs := make([]error, len(fns))
	remaining := int32(len(fns))
	done := make(chan struct{}, len(fns))
	var wakeScheduled int32

	for i, fn := range fns {
		i, fn := i, fn
		work := fiber.New(fmt.Sprintf("parallel-do-%d", i), 0, func(ctx context.Context) error {
			defer func() {
				done <- struct{}{}
				// Only push the driver onto the ready queue on the
				// 0->1 transition: every completing task unconditionally
				// scheduling it would queue it once per task, letting two
				// workers race fiber.YieldTo into the same driver fiber
				// concurrently.
				if atomic.CompareAndSwapInt32(&wakeScheduled, 0, 1) {
					s.Schedule(self, -1)
				}
			}()
			errs[i] = fn(ctx)
			return nil
		})
		s.Schedule(work, -1)
	}

	for remaining > 0 {
		select {
		case <-done:
			remaining--
			continue
		default:
		}
		// Nothing buffered: clear the flag so the next completion can
		// re-arm a wakeup, then re-check done before actually parking to
		// close the race where a completion fires between the empty
		// select above and the flag clear.
		atomic.StoreInt32(&wakeScheduled, 0)
		select {
		case <-done:
			remaining--
			continue
		default:
		}
		YieldToScheduler(ctx)
	}

	for _, e := range errs {
		if e != nil {
			return fmt.Errorf("%w: %w", ErrParallel, e)
		}
	}
	return nil
}

// ParallelForEach maintains a sliding window of parallelism worker fibers
// feeding off the items slice, short-circuiting if fn returns false
// (spec.md §4.3 parallel_foreach()). It returns false if any worker
// short-circuited, and the first error any worker produced.
func ParallelForEach[T any](ctx context.Context, items []T, fn func(ctx context.Context, item *T) (bool, error), parallelism int) (bool, error) {
	s := Current(ctx)
	if s == nil {
		return false, fmt.Errorf("scheduler: ParallelForEach requires a current scheduler on ctx")
	}
	if parallelism <= 0 {
		parallelism = 4
	}
	self := fiber.Current(ctx)

	type slot struct {
		f      *fiber.Fiber
		result int // 1 = continue, 0 = stop or not yet run
	}

	next := 0
	slots := make([]*slot, 0, parallelism)
	done := make(chan struct{}, len(items))
	var wakeScheduled int32

	spawn := func(sl *slot, item *T) {
		sl.f = fiber.New("parallel-foreach", 0, func(ctx context.Context) error {
			ok, err := fn(ctx, item)
			if ok {
				sl.result = 1
			} else {
				sl.result = 0
			}
			done <- struct{}{}
			// Same single-shot wake as ParallelDo: only the 0->1
			// transition pushes the driver onto the ready queue, so
			// concurrently finishing workers never double-schedule it.
			if atomic.CompareAndSwapInt32(&wakeScheduled, 0, 1) {
				s.Schedule(self, -1)
			}
			return err
		})
		s.Schedule(sl.f, -1)
	}

	var firstErr error
	stopped := false

	for next < len(items) && len(slots) < parallelism {
		sl := &slot{}
		spawn(sl, &items[next])
		slots = append(slots, sl)
		next++
	}

	active := len(slots)
	for active > 0 && next <= len(items) {
		select {
		case <-done:
		default:
			atomic.StoreInt32(&wakeScheduled, 0)
			select {
			case <-done:
			default:
				YieldToScheduler(ctx)
			}
		}
		for _, sl := range slots {
			if sl.f == nil || sl.f.State() != fiber.StateTerm && sl.f.State() != fiber.StateExcept {
				continue
			}
			if err := sl.f.Err(); err != nil && firstErr == nil {
				firstErr = err
			}
			if sl.result == 0 {
				stopped = true
				active--
				sl.f = nil
				continue
			}
			active--
			if next < len(items) {
				sl.f.Reset(nil)
				spawn(sl, &items[next])
				next++
				active++
			} else {
				sl.f = nil
			}
		}
		if stopped {
			break
		}
	}

	return !stopped, firstErr
}
