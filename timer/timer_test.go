package timer_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mordor-go/mordor/timer"
)

func TestRegisterOrdersByDeadline(t *testing.T) {
	base := time.Unix(0, 0)
	clock := base
	mgr := timer.NewManager(timer.WithClock(func() time.Time { return clock }))

	var order []int
	_, _ = mgr.Register(20*time.Millisecond, func() { order = append(order, 2) }, false)
	_, frontFirst := mgr.Register(10*time.Millisecond, func() { order = append(order, 1) }, false)
	require.True(t, frontFirst, "the 10ms timer is earlier than the already-registered 20ms timer")

	clock = base.Add(25 * time.Millisecond)
	mgr.ProcessTimers()
	require.Equal(t, []int{1, 2}, order)
}

func TestCancelPreventsInvocation(t *testing.T) {
	base := time.Unix(0, 0)
	clock := base
	mgr := timer.NewManager(timer.WithClock(func() time.Time { return clock }))

	var fired int32
	h, _ := mgr.Register(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) }, false)
	h.Cancel()

	clock = base.Add(time.Second)
	mgr.ProcessTimers()
	require.EqualValues(t, 0, fired)
}

func TestRecurringReschedules(t *testing.T) {
	base := time.Unix(0, 0)
	clock := base
	mgr := timer.NewManager(timer.WithClock(func() time.Time { return clock }))

	var fired int32
	mgr.Register(10*time.Millisecond, func() { atomic.AddInt32(&fired, 1) }, true)

	clock = base.Add(10 * time.Millisecond)
	mgr.ProcessTimers()
	require.EqualValues(t, 1, fired)
	require.Equal(t, 1, mgr.Len())

	clock = base.Add(20 * time.Millisecond)
	mgr.ProcessTimers()
	require.EqualValues(t, 2, fired)
}

func TestNextTimerReportsNoneWhenEmpty(t *testing.T) {
	mgr := timer.NewManager()
	_, ok := mgr.NextTimer()
	require.False(t, ok)
}

func TestWasAtFrontSignalsNewEarliest(t *testing.T) {
	base := time.Unix(0, 0)
	clock := base
	mgr := timer.NewManager(timer.WithClock(func() time.Time { return clock }))

	_, front := mgr.Register(20*time.Millisecond, func() {}, false)
	require.True(t, front)

	_, front = mgr.Register(5*time.Millisecond, func() {}, false)
	require.True(t, front, "the 5ms timer becomes the new earliest deadline")
}
