//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package ioman_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mordor-go/mordor/fiber"
	"github.com/mordor-go/mordor/ioman"
	"github.com/mordor-go/mordor/scheduler"
)

func TestRegisterEventResumesFiberOnReadability(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])
	require.NoError(t, unix.SetNonblock(fds[0], true))

	m, err := ioman.New(1, false)
	require.NoError(t, err)
	m.Start()

	done := make(chan struct{})
	waiter := fiber.New("waiter", 0, func(ctx context.Context) error {
		defer close(done)
		require.NoError(t, m.RegisterEvent(ctx, fds[0], ioman.EventRead))
		scheduler.YieldToScheduler(ctx)

		buf := make([]byte, 4)
		n, _ := unix.Read(fds[0], buf)
		require.Equal(t, 4, n)
		return nil
	})
	m.Scheduler().Schedule(waiter, -1)

	_, werr := unix.Write(fds[1], []byte("ping"))
	require.NoError(t, werr)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for readability event")
	}
	m.Stop()
}

func TestRegisterTimerFiresViaIdle(t *testing.T) {
	m, err := ioman.New(1, false)
	require.NoError(t, err)
	m.Start()

	fired := make(chan struct{})
	m.RegisterTimer(10*time.Millisecond, func() { close(fired) }, false)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
	m.Stop()
}
