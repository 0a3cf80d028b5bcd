// Package fiber implements Mordor's stackful-coroutine layer (spec.md §4.1)
// as cooperatively-scheduled goroutines.
//
// Go has no off-the-shelf stackful-coroutine primitive and no portable
// goroutine-local storage, so the design notes' fallback applies: each
// Fiber owns one dedicated, long-lived goroutine, and a "context switch"
// is a blocking, unbuffered channel handoff carrying exactly what the
// original's fiber_switchContext stashed in a struct field before jumping
// stacks — who is transferring control, the resulting state, and a
// captured error. Because the handoff is a synchronous rendezvous (the
// transferring side always blocks immediately on its own channel right
// after sending), the discipline is identical to the assembly version:
// at most one fiber per goroutine-chain runs at a time, and resuming a
// HOLD fiber continues its goroutine exactly where Yield or YieldTo
// parked it — for free, because that's what a blocked channel receive
// already does to a goroutine's stack.
//
// The three thread-local slots spec.md §9 calls for (current fiber,
// current scheduler, current scheduling-fiber) are carried on
// context.Context instead of TLS; every suspending operation in this
// module threads a ctx for exactly that reason.
package fiber

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// State is a Fiber's lifecycle state, spec.md §3 "Fiber".
type State int32

const (
	StateInit State = iota
	StateHold
	StateExec
	StateExcept
	StateTerm
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateHold:
		return "HOLD"
	case StateExec:
		return "EXEC"
	case StateExcept:
		return "EXCEPT"
	case StateTerm:
		return "TERM"
	default:
		return "UNKNOWN"
	}
}

// EntryFunc is a fiber's body. It receives the ctx carrying this fiber's
// own identity plus whatever ambient values the caller threaded through.
type EntryFunc func(ctx context.Context) error

// Fiber is a suspendable unit of execution, spec.md §3.
type Fiber struct {
	mu             sync.Mutex
	state          State
	entry          EntryFunc
	stackSize      int
	name           string
	outer          *Fiber // set only by Call; cleared when the call returns
	terminateOuter *Fiber // conceptually weak: never strongly retained beyond this struct's own pointer field, and Go's GC collects the cycle on its own

	err error

	resumeCh chan transferMsg
	abortCh  chan struct{}
	abortSet int32 // atomic: 1 once abortCh has been armed via the finalizer

	started       bool
	isThreadFiber bool

	log *slog.Logger
}

type transferMsg struct {
	sender *Fiber
	state  State
	err    error
	ctx    context.Context
}

type ctxKey struct{}

// WithCurrent installs f as the current fiber carried on ctx.
func WithCurrent(ctx context.Context, f *Fiber) context.Context {
	return context.WithValue(ctx, ctxKey{}, f)
}

// Current returns the fiber installed on ctx by WithCurrent, the static
// getThis() in spec.md §4.1 re-expressed against Go's ambient-context
// idiom instead of thread-local storage.
func Current(ctx context.Context) *Fiber {
	f, _ := ctx.Value(ctxKey{}).(*Fiber)
	return f
}

// New constructs a fiber with its own entry point and stack-equivalent
// goroutine, starting in StateInit. stackSize is accepted and stored for
// parity with the original API but is not otherwise used: it does not
// bound a Go goroutine's growable stack.
func New(name string, stackSize int, entry EntryFunc) *Fiber {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	f := &Fiber{
		state:     StateInit,
		entry:     entry,
		stackSize: stackSize,
		name:      name,
		resumeCh:  make(chan transferMsg),
		abortCh:   make(chan struct{}),
		log:       slog.Default().With("component", "fiber", "fiber", name),
	}
	runtime.SetFinalizer(f, (*Fiber).abandon)
	return f
}

// DefaultStackSize mirrors the original's page-rounded default; kept as a
// named constant purely so callers that care about parity have one to
// reference (see mordor/common/fiber.cpp's default of one page).
const DefaultStackSize = 64 * 1024

// NewCurrent wraps the calling goroutine itself as a Fiber in StateExec,
// with no entry function and no dedicated goroutine — the constructor
// spec.md §4.1 describes as "a wrapper for the current thread".
func NewCurrent(name string) *Fiber {
	return &Fiber{
		state:         StateExec,
		name:          name,
		isThreadFiber: true,
		resumeCh:      make(chan transferMsg),
		abortCh:       make(chan struct{}),
		started:       true,
		log:           slog.Default().With("component", "fiber", "fiber", name),
	}
}

// Name returns the fiber's debug name.
func (f *Fiber) Name() string { return f.name }

// State returns the fiber's current lifecycle state (spec.md §4.1 state()).
func (f *Fiber) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fiber) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Err returns the captured error of a fiber that terminated in StateExcept.
func (f *Fiber) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *Fiber) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Reset re-initializes a TERM/EXCEPT (or still-INIT) fiber to run again
// from the top, optionally replacing its entry function (spec.md §4.1
// reset(newEntry?)).
func (f *Fiber) Reset(entry EntryFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != StateInit && f.state != StateTerm && f.state != StateExcept {
		return fmt.Errorf("fiber: cannot reset fiber in state %s", f.state)
	}
	if entry != nil {
		f.entry = entry
	}
	f.state = StateInit
	f.err = nil
	f.outer = nil
	f.terminateOuter = nil
	return nil
}

func (f *Fiber) ensureStarted() {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()
	go f.run()
}

// run is the fiber's dedicated goroutine. It lives for the lifetime of the
// Fiber value (across repeated Reset/Call cycles), blocking on resumeCh
// between generations exactly like a parked OS thread fiber would block
// in fiber_switchContext.
func (f *Fiber) run() {
	for {
		var msg transferMsg
		select {
		case msg = <-f.resumeCh:
		case <-f.abortCh:
			return
		}

		ctx := WithCurrent(msg.ctx, f)
		f.setState(StateExec)

		err := f.invokeEntry(ctx)

		var final State
		if err != nil {
			f.setErr(err)
			final = StateExcept
		} else {
			final = StateTerm
		}
		f.setState(final)

		f.mu.Lock()
		target := f.terminateOuter
		if target == nil {
			target = f.outer
		}
		f.outer = nil
		f.mu.Unlock()

		if target == nil {
			// Nothing to report to (a detached fiber run via a fire-and-
			// forget dispatch); park for a future Reset+Call/YieldTo.
			continue
		}
		select {
		case target.resumeCh <- transferMsg{sender: f, state: final, err: err, ctx: ctx}:
		case <-f.abortCh:
			return
		}
	}
}

func (f *Fiber) invokeEntry(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = fmt.Errorf("fiber %q panicked: %w", f.name, e)
			} else {
				err = fmt.Errorf("fiber %q panicked: %v", f.name, r)
			}
		}
	}()
	return f.entry(ctx)
}

// abandon is the finalizer: it closes abortCh, which every blocking
// select in run, Yield and transfer also watches, so a goroutine parked
// there exits. The finalizer runs only once f is unreachable, and the
// goroutine that ensureStarted launches keeps f reachable for as long as
// it is parked; a started fiber that is never resumed is therefore not
// collected and its goroutine stays parked (see SPEC_FULL.md §E.1).
func (f *Fiber) abandon() {
	if atomic.CompareAndSwapInt32(&f.abortSet, 0, 1) {
		close(f.abortCh)
	}
}

// Call transfers control from the currently running fiber (Current(ctx))
// into f, which must be in StateInit or StateHold. f's outer becomes the
// caller; when f later yields, it returns here (Yield), and when f
// terminates, control returns here too with any captured error re-raised
// (spec.md §4.1 call()).
func (f *Fiber) Call(ctx context.Context) error {
	self := Current(ctx)
	if self == nil {
		return fmt.Errorf("fiber: Call requires a current fiber on ctx")
	}
	st := f.State()
	if st != StateInit && st != StateHold {
		return fmt.Errorf("fiber: Call target must be INIT or HOLD, was %s", st)
	}

	f.mu.Lock()
	f.outer = self
	f.mu.Unlock()
	f.ensureStarted()

	reply, err := transfer(f, self, ctx)
	_ = reply
	return err
}

// Yield suspends the currently running fiber and transfers control back
// to its outer (the fiber that Call'd it). The fiber must have been
// entered via Call (spec.md §4.1 yield()). It returns the ctx installed
// by whoever resumes this fiber next.
func Yield(ctx context.Context) context.Context {
	self := Current(ctx)
	if self == nil {
		panic("fiber: Yield called with no current fiber on ctx")
	}
	self.mu.Lock()
	outer := self.outer
	self.mu.Unlock()
	if outer == nil {
		panic("fiber: Yield called on a fiber with no recorded outer")
	}

	self.setState(StateHold)
	select {
	case outer.resumeCh <- transferMsg{sender: self, state: StateHold, ctx: ctx}:
	case <-self.abortCh:
		runtime.Goexit()
	}

	var msg transferMsg
	select {
	case msg = <-self.resumeCh:
	case <-self.abortCh:
		runtime.Goexit()
	}
	self.setState(StateExec)
	return WithCurrent(msg.ctx, self)
}

// YieldTo transfers control from the current fiber directly to target
// (which must be StateInit or StateHold), without making target's outer
// the current fiber. If toCallerOnTerminate is set, target's terminate-
// outer chain is updated so that when target eventually terminates (with
// no outer of its own at that time), control routes to the current fiber
// rather than wherever target's outer chain would otherwise send it
// (spec.md §4.1 yieldTo()).
func YieldTo(ctx context.Context, target *Fiber, toCallerOnTerminate bool) (context.Context, error) {
	self := Current(ctx)
	if self == nil {
		return ctx, fmt.Errorf("fiber: YieldTo requires a current fiber on ctx")
	}
	st := target.State()
	if st != StateInit && st != StateHold {
		return ctx, fmt.Errorf("fiber: YieldTo target must be INIT or HOLD, was %s", st)
	}

	if toCallerOnTerminate {
		root := target
		for {
			root.mu.Lock()
			next := root.outer
			root.mu.Unlock()
			if next == nil {
				break
			}
			root = next
		}
		root.mu.Lock()
		root.terminateOuter = self
		root.mu.Unlock()
	}

	target.ensureStarted()
	reply, err := transfer(target, self, ctx)
	return reply, err
}

// transfer implements the generic handoff: wake target with a message
// naming self as the sender, then block until something transfers back
// into self, reporting whoever that sender was and whether it terminated
// with an error. This single primitive backs Call and YieldTo — both are
// "invoker suspends, target runs" with only bookkeeping differences.
func transfer(target *Fiber, self *Fiber, ctx context.Context) (context.Context, error) {
	self.setState(StateHold)
	select {
	case target.resumeCh <- transferMsg{sender: self, ctx: ctx}:
	case <-self.abortCh:
		runtime.Goexit()
	}

	var msg transferMsg
	select {
	case msg = <-self.resumeCh:
	case <-self.abortCh:
		runtime.Goexit()
	}
	self.setState(StateExec)
	if msg.state == StateExcept {
		return WithCurrent(msg.ctx, self), msg.err
	}
	return WithCurrent(msg.ctx, self), nil
}
