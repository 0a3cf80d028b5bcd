//go:build windows

package ioman

import (
	"fmt"
	"sync"

	"golang.org/x/sys/windows"
)

// winEventBackend is the Windows multiplexer. SPEC_FULL.md §E.7 records
// the deliberate simplification from mordor/common/iomanager_iocp.cpp's
// real I/O Completion Port (which requires every read/write to be issued
// as an overlapped operation tied 1:1 to the socket API doing the I/O):
// this backend instead does WSAEventSelect per socket and waits on the
// resulting event handles with WaitForMultipleObjects, which composes
// cleanly with RegisterEvent/CancelEvent's fd-oriented contract the way
// the epoll and kqueue backends do. A tickle is a manual-reset event
// that Tickle sets and Wait resets after observing it.
type winEventBackend struct {
	mu        sync.Mutex
	events    map[int]windows.Handle // fd -> WSA event handle
	masks     map[int]Event
	tickleEvt windows.Handle
}

func newBackend() (backend, error) {
	evt, err := windows.CreateEvent(nil, 1 /* manual reset */, 0, nil)
	if err != nil {
		return nil, fmt.Errorf("CreateEvent: %w", err)
	}
	return &winEventBackend{
		events:    make(map[int]windows.Handle),
		masks:     make(map[int]Event),
		tickleEvt: evt,
	}, nil
}

func netEventsFor(mask Event) uint32 {
	var m uint32
	if mask&EventRead != 0 {
		m |= windows.FD_READ | windows.FD_ACCEPT | windows.FD_CLOSE
	}
	if mask&EventWrite != 0 {
		m |= windows.FD_WRITE | windows.FD_CONNECT
	}
	return m
}

func (b *winEventBackend) Add(fd int, mask Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt, err := windows.WSACreateEvent()
	if err != nil {
		return fmt.Errorf("WSACreateEvent: %w", err)
	}
	if err := windows.WSAEventSelect(windows.Handle(fd), evt, netEventsFor(mask)); err != nil {
		windows.WSACloseEvent(evt)
		return fmt.Errorf("WSAEventSelect: %w", err)
	}
	b.events[fd] = evt
	b.masks[fd] = mask
	return nil
}

func (b *winEventBackend) Modify(fd int, mask Event) error {
	b.mu.Lock()
	evt, ok := b.events[fd]
	b.mu.Unlock()
	if !ok {
		return b.Add(fd, mask)
	}
	if err := windows.WSAEventSelect(windows.Handle(fd), evt, netEventsFor(mask)); err != nil {
		return fmt.Errorf("WSAEventSelect: %w", err)
	}
	b.mu.Lock()
	b.masks[fd] = mask
	b.mu.Unlock()
	return nil
}

func (b *winEventBackend) Remove(fd int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	evt, ok := b.events[fd]
	if !ok {
		return nil
	}
	windows.WSAEventSelect(windows.Handle(fd), evt, 0)
	windows.WSACloseEvent(evt)
	delete(b.events, fd)
	delete(b.masks, fd)
	return nil
}

func (b *winEventBackend) Wait(timeoutMillis int) ([]readyFd, error) {
	b.mu.Lock()
	handles := make([]windows.Handle, 0, len(b.events)+1)
	fds := make([]int, 0, len(b.events))
	handles = append(handles, b.tickleEvt)
	for fd, evt := range b.events {
		handles = append(handles, evt)
		fds = append(fds, fd)
	}
	b.mu.Unlock()

	timeout := uint32(windows.INFINITE)
	if timeoutMillis >= 0 {
		timeout = uint32(timeoutMillis)
	}
	idx, err := windows.WaitForMultipleObjects(handles, false, timeout)
	if err == windows.WAIT_TIMEOUT {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if idx == 0 {
		windows.ResetEvent(b.tickleEvt)
		return nil, nil
	}

	fd := fds[idx-1]
	b.mu.Lock()
	evt := b.events[fd]
	mask := b.masks[fd]
	b.mu.Unlock()

	var ns windows.WSANetworkEvents
	if err := windows.WSAEnumNetworkEvents(windows.Handle(fd), evt, &ns); err != nil {
		return nil, fmt.Errorf("WSAEnumNetworkEvents: %w", err)
	}

	var got Event
	errored := false
	if ns.Events&(windows.FD_READ|windows.FD_ACCEPT|windows.FD_CLOSE) != 0 && mask&EventRead != 0 {
		got |= EventRead
		if ns.iErrorCode[windows.FD_CLOSE_BIT] != 0 {
			errored = true
		}
	}
	if ns.Events&(windows.FD_WRITE|windows.FD_CONNECT) != 0 && mask&EventWrite != 0 {
		got |= EventWrite
	}
	return []readyFd{{fd: fd, got: got, err: errored}}, nil
}

func (b *winEventBackend) TickleFD() int { return -1 }

func (b *winEventBackend) Tickle() {
	windows.SetEvent(b.tickleEvt)
}

func (b *winEventBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for fd, evt := range b.events {
		windows.WSAEventSelect(windows.Handle(fd), evt, 0)
		windows.WSACloseEvent(evt)
		delete(b.events, fd)
	}
	windows.CloseHandle(b.tickleEvt)
	return nil
}
