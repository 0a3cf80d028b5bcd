//go:build darwin || freebsd || netbsd || openbsd || dragonfly

package ioman

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// kqueueBackend is the BSD/Darwin multiplexer, the kqueue counterpart of
// mordor/common/iomanager_kqueue.cpp: EVFILT_READ/EVFILT_WRITE are
// independent filters (unlike epoll's single combined event), so Add and
// Modify submit one kevent per direction present in mask, and Remove
// submits an EV_DELETE per direction the teacher's own registrations
// never needed to track (gaio only targets Linux), so this backend
// tracks the previously-armed mask per fd itself to know which filters
// to delete.
type kqueueBackend struct {
	kq       int
	tickleR  int
	tickleW  int
	eventBuf []unix.Kevent_t
	masks    map[int]Event
}

func newBackend() (backend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue: %w", err)
	}
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		unix.Close(kq)
		return nil, fmt.Errorf("pipe: %w", err)
	}
	unix.SetNonblock(fds[0], true)
	unix.SetNonblock(fds[1], true)

	b := &kqueueBackend{
		kq:       kq,
		tickleR:  fds[0],
		tickleW:  fds[1],
		eventBuf: make([]unix.Kevent_t, 64),
		masks:    make(map[int]Event),
	}
	ev := unix.Kevent_t{
		Ident:  uint64(b.tickleR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		b.Close()
		return nil, fmt.Errorf("kevent(tickle): %w", err)
	}
	return b, nil
}

func (b *kqueueBackend) apply(fd int, from, to Event) error {
	var changes []unix.Kevent_t
	addRemove := func(filter int16, want, had bool) {
		if want == had {
			return
		}
		flags := uint16(unix.EV_ADD | unix.EV_ENABLE)
		if !want {
			flags = unix.EV_DELETE
		}
		changes = append(changes, unix.Kevent_t{
			Ident:  uint64(fd),
			Filter: filter,
			Flags:  flags,
		})
	}
	addRemove(unix.EVFILT_READ, to&EventRead != 0, from&EventRead != 0)
	addRemove(unix.EVFILT_WRITE, to&EventWrite != 0, from&EventWrite != 0)
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(b.kq, changes, nil, nil)
	if err == nil {
		b.masks[fd] = to
	}
	return err
}

func (b *kqueueBackend) Add(fd int, mask Event) error {
	return b.apply(fd, 0, mask)
}

func (b *kqueueBackend) Modify(fd int, mask Event) error {
	return b.apply(fd, b.masks[fd], mask)
}

func (b *kqueueBackend) Remove(fd int) error {
	err := b.apply(fd, b.masks[fd], 0)
	delete(b.masks, fd)
	return err
}

func (b *kqueueBackend) Wait(timeoutMillis int) ([]readyFd, error) {
	var ts *unix.Timespec
	if timeoutMillis >= 0 {
		t := unix.NsecToTimespec(int64(timeoutMillis) * 1e6)
		ts = &t
	}
	for {
		n, err := unix.Kevent(b.kq, nil, b.eventBuf, ts)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, err
		}
		byFd := make(map[int]*readyFd, n)
		for i := 0; i < n; i++ {
			ev := b.eventBuf[i]
			fd := int(ev.Ident)
			if fd == b.tickleR {
				var buf [64]byte
				for {
					if _, err := unix.Read(b.tickleR, buf[:]); err != nil {
						break
					}
				}
				continue
			}
			r, ok := byFd[fd]
			if !ok {
				r = &readyFd{fd: fd}
				byFd[fd] = r
			}
			switch ev.Filter {
			case unix.EVFILT_READ:
				r.got |= EventRead
			case unix.EVFILT_WRITE:
				r.got |= EventWrite
			}
			if ev.Flags&(unix.EV_EOF|unix.EV_ERROR) != 0 {
				r.err = true
			}
		}
		ready := make([]readyFd, 0, len(byFd))
		for _, r := range byFd {
			ready = append(ready, *r)
		}
		return ready, nil
	}
}

func (b *kqueueBackend) TickleFD() int { return b.tickleR }

func (b *kqueueBackend) Tickle() {
	unix.Write(b.tickleW, []byte{'T'})
}

func (b *kqueueBackend) Close() error {
	unix.Close(b.tickleR)
	unix.Close(b.tickleW)
	return unix.Close(b.kq)
}
