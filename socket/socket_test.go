//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package socket_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/mordor-go/mordor/fiber"
	"github.com/mordor-go/mordor/ioman"
	"github.com/mordor-go/mordor/socket"
)

func newManager(t *testing.T) *ioman.Manager {
	t.Helper()
	m, err := ioman.New(1, false)
	require.NoError(t, err)
	m.Start()
	t.Cleanup(m.Stop)
	return m
}

func TestConnectAcceptSendReceive(t *testing.T) {
	mgr := newManager(t)

	listener, err := socket.New(mgr, unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, listener.Bind(&socket.IPAddress{IP: net.IPv4(127, 0, 0, 1), Port: 0}))
	require.NoError(t, listener.Listen(0))

	local, err := listener.LocalAddress()
	require.NoError(t, err)
	ipAddr := local.(*socket.IPAddress)

	accepted := make(chan *socket.Socket, 1)
	acceptFiber := fiber.New("accept", 0, func(ctx context.Context) error {
		c, err := listener.Accept(ctx)
		require.NoError(t, err)
		accepted <- c
		return nil
	})
	mgr.Scheduler().Schedule(acceptFiber, -1)

	connected := make(chan struct{})
	connectFiber := fiber.New("connect", 0, func(ctx context.Context) error {
		client, err := socket.New(mgr, unix.AF_INET, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		require.NoError(t, client.Connect(ctx, ipAddr))
		n, err := client.Send(ctx, []byte("hello"))
		require.NoError(t, err)
		require.Equal(t, 5, n)
		close(connected)
		return nil
	})
	mgr.Scheduler().Schedule(connectFiber, -1)

	var server *socket.Socket
	select {
	case server = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept never completed")
	}

	recvFiber := fiber.New("recv", 0, func(ctx context.Context) error {
		buf := make([]byte, 5)
		n, err := server.Receive(ctx, buf)
		require.NoError(t, err)
		require.Equal(t, "hello", string(buf[:n]))
		return nil
	})
	done := make(chan struct{})
	mgr.Scheduler().Schedule(recvFiber, -1)
	go func() {
		for recvFiber.State() != fiber.StateTerm {
			time.Sleep(time.Millisecond)
		}
		close(done)
	}()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("connect/send never completed")
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("receive never completed")
	}
}

func TestBroadcastAndNetworkAddress(t *testing.T) {
	addr := &socket.IPAddress{IP: net.IPv4(192, 168, 1, 37), Port: 80}

	bcast, err := addr.BroadcastAddress(24)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.255", bcast.IP.String())

	network, err := addr.NetworkAddress(24)
	require.NoError(t, err)
	require.Equal(t, "192.168.1.0", network.IP.String())
}

func TestWithPortDoesNotMutateOriginal(t *testing.T) {
	addr := &socket.IPAddress{IP: net.IPv4(10, 0, 0, 1), Port: 80}
	other := addr.WithPort(443)
	require.Equal(t, 80, addr.Port)
	require.Equal(t, 443, other.Port)
}
