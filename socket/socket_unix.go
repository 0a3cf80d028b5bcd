//go:build linux || darwin || freebsd || netbsd || openbsd || dragonfly

package socket

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/mordor-go/mordor/ioman"
	"github.com/mordor-go/mordor/merr"
	"github.com/mordor-go/mordor/scheduler"
)

// Socket is spec.md §4.5's Socket: a non-blocking file descriptor whose
// blocking-shaped operations (accept, connect, send, receive) suspend
// the calling fiber on the owning ioman.Manager instead of the OS thread,
// via ioman.Manager.RegisterEvent, exactly the substitution
// mordor/socket.h's IOManager-backed constructor makes over the
// synchronous BSD-socket constructor.
type Socket struct {
	fd       int
	family   int
	sockType int
	protocol int
	mgr      *ioman.Manager

	mu             sync.Mutex
	receiveTimeout time.Duration
	sendTimeout    time.Duration
	localAddr      Address
	remoteAddr     Address
	connected      bool

	onRemoteClose   []func()
	remoteCloseOnce sync.Once
}

// New creates a non-blocking socket of the given family/type/protocol,
// driven by mgr (spec.md §4.5 "Socket(IOManager&, family, type,
// protocol)").
func New(mgr *ioman.Manager, family, sockType, protocol int) (*Socket, error) {
	fd, err := unix.Socket(family, sockType|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, protocol)
	if err != nil {
		return nil, merr.FromErrno("socket", err.(unix.Errno))
	}
	return &Socket{
		fd:       fd,
		family:   family,
		sockType: sockType,
		protocol: protocol,
		mgr:      mgr,
	}, nil
}

// Fd returns the raw descriptor, for callers that need to pass it to
// other syscalls (getsockopt, etc.) not wrapped here.
func (s *Socket) Fd() int { return s.fd }

func (s *Socket) Family() int   { return s.family }
func (s *Socket) Type() int     { return s.sockType }
func (s *Socket) Protocol() int { return s.protocol }

// ReceiveTimeout/SendTimeout mirror the original's microsecond-duration
// getters/setters (spec.md §4.5), generalized to time.Duration.
func (s *Socket) ReceiveTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveTimeout
}

func (s *Socket) SetReceiveTimeout(d time.Duration) {
	s.mu.Lock()
	s.receiveTimeout = d
	s.mu.Unlock()
}

func (s *Socket) SendTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendTimeout
}

func (s *Socket) SetSendTimeout(d time.Duration) {
	s.mu.Lock()
	s.sendTimeout = d
	s.mu.Unlock()
}

// Bind binds the socket to addr (spec.md §4.5 bind()).
func (s *Socket) Bind(addr Address) error {
	if err := unix.Bind(s.fd, addr.Sockaddr()); err != nil {
		return merr.FromErrno("bind", err.(unix.Errno))
	}
	return nil
}

// Listen marks the socket as a passive listener (spec.md §4.5 listen()).
func (s *Socket) Listen(backlog int) error {
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return merr.FromErrno("listen", err.(unix.Errno))
	}
	return nil
}

// Connect connects to addr, suspending the calling fiber until the
// connection completes or CancelConnect is invoked (spec.md §4.5
// connect()).
func (s *Socket) Connect(ctx context.Context, addr Address) error {
	err := unix.Connect(s.fd, addr.Sockaddr())
	if err == nil {
		s.markConnected(addr)
		return nil
	}
	if err != unix.EINPROGRESS {
		return merr.FromErrno("connect", err.(unix.Errno))
	}
	if regErr := s.mgr.RegisterEvent(ctx, s.fd, ioman.EventWrite); regErr != nil {
		return regErr
	}
	scheduler.YieldToScheduler(ctx)

	soErr, getErr := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if getErr != nil {
		return merr.FromErrno("getsockopt", getErr.(unix.Errno))
	}
	if soErr != 0 {
		return merr.FromErrno("connect", unix.Errno(soErr))
	}
	s.markConnected(addr)
	return nil
}

func (s *Socket) markConnected(remote Address) {
	s.mu.Lock()
	s.connected = true
	s.remoteAddr = remote
	s.mu.Unlock()
	s.registerForRemoteClose()
}

// CancelConnect cancels a pending Connect (spec.md §4.5 cancelConnect()).
func (s *Socket) CancelConnect() error {
	return s.mgr.CancelEvent(s.fd, ioman.EventWrite)
}

// CancelAccept cancels a pending Accept.
func (s *Socket) CancelAccept() error {
	return s.mgr.CancelEvent(s.fd, ioman.EventRead)
}

// CancelSend cancels a pending Send/SendTo.
func (s *Socket) CancelSend() error {
	return s.mgr.CancelEvent(s.fd, ioman.EventWrite)
}

// CancelReceive cancels a pending Receive/ReceiveFrom.
func (s *Socket) CancelReceive() error {
	return s.mgr.CancelEvent(s.fd, ioman.EventRead)
}

// Accept waits for and accepts one pending connection (spec.md §4.5
// accept()).
func (s *Socket) Accept(ctx context.Context) (*Socket, error) {
	for {
		nfd, sa, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			remote, _ := FromSockaddr(sa)
			child := &Socket{fd: nfd, family: s.family, sockType: s.sockType, protocol: s.protocol, mgr: s.mgr}
			child.markConnected(remote)
			return child, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if regErr := s.mgr.RegisterEvent(ctx, s.fd, ioman.EventRead); regErr != nil {
				return nil, regErr
			}
			scheduler.YieldToScheduler(ctx)
			continue
		}
		return nil, merr.FromErrno("accept", err.(unix.Errno))
	}
}

// Shutdown shuts down one or both directions of the connection (spec.md
// §4.5 shutdown()).
func (s *Socket) Shutdown(how int) error {
	if err := unix.Shutdown(s.fd, how); err != nil {
		return merr.FromErrno("shutdown", err.(unix.Errno))
	}
	return nil
}

// Close releases the underlying descriptor.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// Send writes buf, suspending on backpressure (spec.md §4.5 send()).
func (s *Socket) Send(ctx context.Context, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := unix.Write(s.fd, buf[total:])
		if n > 0 {
			total += n
		}
		if err == nil {
			continue
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if regErr := s.mgr.RegisterEvent(ctx, s.fd, ioman.EventWrite); regErr != nil {
				return total, regErr
			}
			scheduler.YieldToScheduler(ctx)
			continue
		}
		return total, merr.FromErrno("send", err.(unix.Errno))
	}
	return total, nil
}

// SendTo writes buf as a single datagram to addr (spec.md §4.5 sendTo()).
func (s *Socket) SendTo(ctx context.Context, buf []byte, addr Address) (int, error) {
	for {
		err := unix.Sendto(s.fd, buf, 0, addr.Sockaddr())
		if err == nil {
			return len(buf), nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if regErr := s.mgr.RegisterEvent(ctx, s.fd, ioman.EventWrite); regErr != nil {
				return 0, regErr
			}
			scheduler.YieldToScheduler(ctx)
			continue
		}
		return 0, merr.FromErrno("sendto", err.(unix.Errno))
	}
}

// Receive reads into buf, suspending until data, EOF, or error (spec.md
// §4.5 receive()).
func (s *Socket) Receive(ctx context.Context, buf []byte) (int, error) {
	for {
		n, err := unix.Read(s.fd, buf)
		if err == nil {
			return n, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if regErr := s.mgr.RegisterEvent(ctx, s.fd, ioman.EventRead); regErr != nil {
				return 0, regErr
			}
			scheduler.YieldToScheduler(ctx)
			continue
		}
		return 0, merr.FromErrno("receive", err.(unix.Errno))
	}
}

// ReceiveFrom reads one datagram and its source address (spec.md §4.5
// receiveFrom()).
func (s *Socket) ReceiveFrom(ctx context.Context, buf []byte) (int, Address, error) {
	for {
		n, sa, err := unix.Recvfrom(s.fd, buf, 0)
		if err == nil {
			from, _ := FromSockaddr(sa)
			return n, from, nil
		}
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			if regErr := s.mgr.RegisterEvent(ctx, s.fd, ioman.EventRead); regErr != nil {
				return 0, nil, regErr
			}
			scheduler.YieldToScheduler(ctx)
			continue
		}
		return 0, nil, merr.FromErrno("recvfrom", err.(unix.Errno))
	}
}

// GetOption reads a socket option (spec.md §4.5 getOption()).
func (s *Socket) GetOption(level, option int) (int, error) {
	v, err := unix.GetsockoptInt(s.fd, level, option)
	if err != nil {
		return 0, merr.FromErrno("getsockopt", err.(unix.Errno))
	}
	return v, nil
}

// SetOption writes a socket option (spec.md §4.5 setOption()).
func (s *Socket) SetOption(level, option, value int) error {
	if err := unix.SetsockoptInt(s.fd, level, option, value); err != nil {
		return merr.FromErrno("setsockopt", err.(unix.Errno))
	}
	return nil
}

// LocalAddress returns the address this socket is bound to (spec.md
// §4.5 localAddress()).
func (s *Socket) LocalAddress() (Address, error) {
	s.mu.Lock()
	if s.localAddr != nil {
		defer s.mu.Unlock()
		return s.localAddr, nil
	}
	s.mu.Unlock()

	sa, err := unix.Getsockname(s.fd)
	if err != nil {
		return nil, merr.FromErrno("getsockname", err.(unix.Errno))
	}
	addr, err := FromSockaddr(sa)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.localAddr = addr
	s.mu.Unlock()
	return addr, nil
}

// RemoteAddress returns the peer address for a connected socket (spec.md
// §4.5 remoteAddress()).
func (s *Socket) RemoteAddress() (Address, error) {
	s.mu.Lock()
	if s.remoteAddr != nil {
		defer s.mu.Unlock()
		return s.remoteAddr, nil
	}
	s.mu.Unlock()

	sa, err := unix.Getpeername(s.fd)
	if err != nil {
		return nil, merr.FromErrno("getpeername", err.(unix.Errno))
	}
	addr, err := FromSockaddr(sa)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.remoteAddr = addr
	s.mu.Unlock()
	return addr, nil
}

// OnRemoteClose registers cb to run when the peer closes the virtual
// circuit, out-of-band of any Receive call (spec.md §4.5 onRemoteClose(),
// SPEC_FULL.md §E.5). Only meaningful for connected stream sockets.
func (s *Socket) OnRemoteClose(cb func()) {
	s.mu.Lock()
	s.onRemoteClose = append(s.onRemoteClose, cb)
	s.mu.Unlock()
}

// registerForRemoteClose arms a background watcher using
// ioman.Manager.RegisterCallback (not a fiber — the original's
// registerForRemoteClose() also does this out-of-band, reusing the
// scheduler the connection itself runs on) that MSG_PEEKs the socket
// once it becomes readable with no in-flight Receive, firing
// onRemoteClose callbacks if the peek returns 0 (orderly close) without
// consuming any buffered data a real Receive would still want.
func (s *Socket) registerForRemoteClose() {
	if s.sockType != unix.SOCK_STREAM {
		return
	}
	var watch func()
	watch = func() {
		var buf [1]byte
		n, _, err := unix.Recvfrom(s.fd, buf[:], unix.MSG_PEEK)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			s.mgr.RegisterCallback(s.mgr.Scheduler(), s.fd, ioman.EventRead, watch)
			return
		}
		if err != nil {
			return
		}
		if n == 0 {
			s.remoteCloseOnce.Do(func() {
				s.mu.Lock()
				cbs := append([]func(){}, s.onRemoteClose...)
				s.mu.Unlock()
				for _, cb := range cbs {
					cb()
				}
			})
			return
		}
		s.mgr.RegisterCallback(s.mgr.Scheduler(), s.fd, ioman.EventRead, watch)
	}
	s.mgr.RegisterCallback(s.mgr.Scheduler(), s.fd, ioman.EventRead, watch)
}
