//go:build !linux

package eventfd

import (
	"errors"
	"time"
)

// ErrUnsupported is returned on platforms without eventfd.
var ErrUnsupported = errors.New("eventfd is only available on linux")

type EventFD struct{}

func New() (*EventFD, error) { return nil, ErrUnsupported }

func (e *EventFD) Signal() error          { return ErrUnsupported }
func (e *EventFD) Drain() (uint64, error) { return 0, ErrUnsupported }
func (e *EventFD) FD() int                { return -1 }
func (e *EventFD) Close() error           { return nil }

type Epoll struct{}

func NewEpoll() (*Epoll, error) { return nil, ErrUnsupported }

func (ep *Epoll) Add(*EventFD) error                     { return ErrUnsupported }
func (ep *Epoll) Wait(time.Duration) ([]*EventFD, error) { return nil, ErrUnsupported }
func (ep *Epoll) Close() error                           { return nil }
