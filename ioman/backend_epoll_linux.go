//go:build linux

package ioman

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// epollBackend is the Linux multiplexer, a direct port of
// mordor/common/iomanager_epoll.cpp's epoll_create/epoll_ctl/epoll_wait
// usage plus its self-pipe tickle, built on golang.org/x/sys/unix the
// way jacobsa's fuse daemon (_examples/jacobsa-fuse) drives epoll-
// adjacent syscalls instead of hand-rolling raw syscall numbers.
type epollBackend struct {
	epfd       int
	tickleR    int
	tickleW    int
	eventBuf   []unix.EpollEvent
}

func newBackend() (backend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("pipe2: %w", err)
	}
	b := &epollBackend{
		epfd:     epfd,
		tickleR:  fds[0],
		tickleW:  fds[1],
		eventBuf: make([]unix.EpollEvent, 64),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, b.tickleR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(b.tickleR),
	}); err != nil {
		b.Close()
		return nil, fmt.Errorf("epoll_ctl(tickle): %w", err)
	}
	return b, nil
}

func eventsToEpoll(m Event) uint32 {
	var e uint32
	if m&EventRead != 0 {
		e |= unix.EPOLLIN
	}
	if m&EventWrite != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (b *epollBackend) Add(fd int, mask Event) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(mask),
		Fd:     int32(fd),
	})
}

func (b *epollBackend) Modify(fd int, mask Event) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Events: eventsToEpoll(mask),
		Fd:     int32(fd),
	})
}

func (b *epollBackend) Remove(fd int) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) Wait(timeoutMillis int) ([]readyFd, error) {
	for {
		n, err := unix.EpollWait(b.epfd, b.eventBuf, timeoutMillis)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		ready := make([]readyFd, 0, n)
		for i := 0; i < n; i++ {
			ev := b.eventBuf[i]
			fd := int(ev.Fd)
			if fd == b.tickleR {
				var buf [64]byte
				for {
					if _, err := unix.Read(b.tickleR, buf[:]); err != nil {
						break
					}
				}
				continue
			}
			var got Event
			if ev.Events&unix.EPOLLIN != 0 {
				got |= EventRead
			}
			if ev.Events&unix.EPOLLOUT != 0 {
				got |= EventWrite
			}
			errored := ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0
			ready = append(ready, readyFd{fd: fd, got: got, err: errored})
		}
		return ready, nil
	}
}

func (b *epollBackend) TickleFD() int { return b.tickleR }

func (b *epollBackend) Tickle() {
	unix.Write(b.tickleW, []byte{'T'})
}

func (b *epollBackend) Close() error {
	unix.Close(b.tickleR)
	unix.Close(b.tickleW)
	return unix.Close(b.epfd)
}
