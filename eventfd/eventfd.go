//go:build linux

// Package eventfd delivers completion queue notifications to waiting
// goroutines through linux eventfd counters multiplexed with epoll.
package eventfd

import (
	"encoding/binary"
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// EventFD is a nonblocking eventfd counter.
type EventFD struct {
	fd int
}

func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &EventFD{fd: fd}, nil
}

// Signal adds one to the counter, waking any waiter. It never blocks, so it
// is safe to call from a device callback.
func (e *EventFD) Signal() error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		// The counter is saturated; the waiter is woken regardless.
		return nil
	}
	return err
}

// Drain resets the counter and returns how many signals it held.
func (e *EventFD) Drain() (uint64, error) {
	var buf [8]byte
	_, err := unix.Read(e.fd, buf[:])
	if errors.Is(err, unix.EAGAIN) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

func (e *EventFD) FD() int {
	return e.fd
}

func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

// Epoll waits on a set of eventfds.
type Epoll struct {
	fd     int
	events []unix.EpollEvent
	byFD   map[int32]*EventFD
}

func NewEpoll() (*Epoll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Epoll{fd: fd, byFD: make(map[int32]*EventFD)}, nil
}

// Add watches e for signals.
func (ep *Epoll) Add(e *EventFD) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(e.fd)}
	if err := unix.EpollCtl(ep.fd, unix.EPOLL_CTL_ADD, e.fd, &ev); err != nil {
		return err
	}
	ep.byFD[int32(e.fd)] = e
	ep.events = make([]unix.EpollEvent, len(ep.byFD))
	return nil
}

// Wait blocks until at least one watched eventfd was signalled or timeout
// passes, drains the signalled ones and returns them. A negative timeout
// waits forever. An interrupted wait returns no events and no error.
func (ep *Epoll) Wait(timeout time.Duration) ([]*EventFD, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout.Milliseconds())
	}
	if len(ep.events) == 0 {
		return nil, errors.New("epoll set is empty")
	}
	n, err := unix.EpollWait(ep.fd, ep.events, ms)
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ready := make([]*EventFD, 0, n)
	for _, ev := range ep.events[:n] {
		e, ok := ep.byFD[ev.Fd]
		if !ok {
			continue
		}
		if _, err := e.Drain(); err != nil {
			return ready, err
		}
		ready = append(ready, e)
	}
	return ready, nil
}

func (ep *Epoll) Close() error {
	if ep.fd < 0 {
		return nil
	}
	err := unix.Close(ep.fd)
	ep.fd = -1
	return err
}
