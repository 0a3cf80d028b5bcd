package merr_test

import (
	"errors"
	"fmt"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mordor-go/mordor/merr"
)

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	a := merr.Wrap(merr.KindTimedOut, "socket.receive", syscall.ETIMEDOUT)
	b := merr.Wrap(merr.KindTimedOut, "socket.send", syscall.ETIMEDOUT)

	require.True(t, errors.Is(a, merr.Sentinel(merr.KindTimedOut)))
	require.True(t, errors.Is(a, b))
	require.False(t, errors.Is(a, merr.Sentinel(merr.KindCancelled)))
}

func TestErrorUnwrapsToNative(t *testing.T) {
	native := syscall.ECONNRESET
	err := merr.Wrap(merr.KindConnectionReset, "socket.receive", native)

	var errno syscall.Errno
	require.True(t, errors.As(err, &errno))
	require.Equal(t, native, errno)
}

func TestKindOf(t *testing.T) {
	require.Equal(t, merr.KindBrokenPipe, merr.KindOf(merr.New(merr.KindBrokenPipe, "socket.send")))
	require.Equal(t, merr.KindUnknown, merr.KindOf(fmt.Errorf("plain error")))
}

func TestErrorMessageIncludesOpAndKind(t *testing.T) {
	err := merr.New(merr.KindCancelled, "fiber.call")
	require.Contains(t, err.Error(), "fiber.call")
	require.Contains(t, err.Error(), "cancelled")
}
