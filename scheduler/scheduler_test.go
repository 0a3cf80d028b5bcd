package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mordor-go/mordor/fiber"
	"github.com/mordor-go/mordor/scheduler"
)

// semIdler is the simplest possible Idler: block on a channel until
// tickled, the same shape mordor/common/scheduler.cpp's default idle
// fiber uses (wait on the worker pool's semaphore).
type semIdler struct {
	wake chan struct{}
}

func newSemIdler() *semIdler { return &semIdler{wake: make(chan struct{}, 1)} }

func (i *semIdler) Idle(ctx context.Context, s *scheduler.Scheduler) {
	if s.Stopping() {
		return
	}
	<-i.wake
}

func (i *semIdler) Tickle() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

func TestScheduleRunsFiberOnWorker(t *testing.T) {
	idler := newSemIdler()
	s := scheduler.New(1, false, idler)

	var mu sync.Mutex
	ran := false

	f := fiber.New("work", 0, func(ctx context.Context) error {
		mu.Lock()
		ran = true
		mu.Unlock()
		return nil
	})

	s.Start()
	s.Schedule(f, -1)
	s.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.True(t, ran)
}

func TestScheduleFuncRunsOnWorker(t *testing.T) {
	idler := newSemIdler()
	s := scheduler.New(2, false, idler)

	results := make(chan int, 3)
	s.Start()
	for i := 0; i < 3; i++ {
		i := i
		s.ScheduleFunc(func(ctx context.Context) error {
			results <- i
			return nil
		}, -1)
	}
	s.Stop()
	close(results)

	sum := 0
	for v := range results {
		sum += v
	}
	require.Equal(t, 3, sum)
}

func TestParallelDoRunsAllTasks(t *testing.T) {
	idler := newSemIdler()
	s := scheduler.New(1, true, idler)

	var mu sync.Mutex
	count := 0
	driver := fiber.New("driver", 0, func(ctx context.Context) error {
		err := scheduler.ParallelDo(ctx, []func(ctx context.Context) error{
			func(ctx context.Context) error { mu.Lock(); count++; mu.Unlock(); return nil },
			func(ctx context.Context) error { mu.Lock(); count++; mu.Unlock(); return nil },
		})
		return err
	})
	s.Schedule(driver, -1)

	go func() {
		for driver.State() != fiber.StateTerm && driver.State() != fiber.StateExcept {
			time.Sleep(time.Millisecond)
		}
		s.Stop()
	}()

	s.Dispatch()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, count)
	require.NoError(t, driver.Err())
}
