// Package ring implements the head/tail bookkeeping shared by every
// descriptor ring: send and receive work queues, completion queues and the
// control command ring.
//
// A Ring never touches descriptor memory. It only answers "where is the next
// slot" and "how many slots are in use", and it guarantees that a checked
// producer move never lets the used count grow past size - reserve.
package ring

import (
	"errors"
	"fmt"
)

// ErrRingFull is returned by the checked head moves when the ring has no
// room for the requested number of slots. It is always recoverable by
// retiring completions.
var ErrRingFull = errors.New("ring full")

// Ring tracks head and tail indexes of a circular buffer of slots.
//
// The zero value is not usable, create rings with [New] or [NewReserved].
type Ring struct {
	head    uint32
	tail    uint32
	size    uint32
	reserve uint32
}

// New returns a ring of the given size with the single slot reservation
// that disambiguates full from empty.
func New(size uint32) Ring {
	return NewReserved(size, 1)
}

// NewReserved returns a ring of the given size where reserve slots are never
// handed out to producers. reserve is raised to 1 if smaller.
func NewReserved(size, reserve uint32) Ring {
	if reserve < 1 {
		reserve = 1
	}
	if reserve >= size {
		panic(fmt.Sprintf("ring reserve (%d) must be smaller than size (%d)", reserve, size))
	}
	return Ring{size: size, reserve: reserve}
}

// Init resets the ring to an empty ring of the given size, keeping the
// reservation.
func (r *Ring) Init(size uint32) {
	if r.reserve < 1 {
		r.reserve = 1
	}
	r.head = 0
	r.tail = 0
	r.size = size
}

// Head is the next slot a producer fills.
func (r *Ring) Head() uint32 { return r.head }

// Tail is the oldest slot not yet retired.
func (r *Ring) Tail() uint32 { return r.tail }

// Size returns the number of slots.
func (r *Ring) Size() uint32 { return r.size }

// Reserve returns the number of slots never handed to producers.
func (r *Ring) Reserve() uint32 { return r.reserve }

// Used returns the number of slots between tail and head.
func (r *Ring) Used() uint32 {
	return (r.head + r.size - r.tail) % r.size
}

// Free returns the number of slots a producer may still claim.
func (r *Ring) Free() uint32 {
	used := r.Used()
	if used+r.reserve >= r.size {
		return 0
	}
	return r.size - used - r.reserve
}

// Full reports whether a checked move by one slot would fail.
func (r *Ring) Full() bool {
	return r.Free() == 0
}

// MoreWork reports whether there are produced slots that were not retired.
func (r *Ring) MoreWork() bool {
	return r.head != r.tail
}

// MoveHead claims one slot.
func (r *Ring) MoveHead() error {
	return r.MoveHeadBy(1)
}

// MoveHeadBy claims count slots at once, or none if they do not all fit.
func (r *Ring) MoveHeadBy(count uint32) error {
	if count > r.Free() {
		return ErrRingFull
	}
	r.head = (r.head + count) % r.size
	return nil
}

// MoveHeadNoCheck advances the head by one slot without a capacity check.
// Callers must have verified capacity for the whole span beforehand.
func (r *Ring) MoveHeadNoCheck() {
	r.head = (r.head + 1) % r.size
}

// MoveHeadByNoCheck is the multi-slot form of [Ring.MoveHeadNoCheck].
func (r *Ring) MoveHeadByNoCheck(count uint32) {
	r.head = (r.head + count) % r.size
}

// MoveTail retires one slot.
func (r *Ring) MoveTail() {
	r.tail = (r.tail + 1) % r.size
}

// MoveTailBy retires count slots.
func (r *Ring) MoveTailBy(count uint32) {
	r.tail = (r.tail + count) % r.size
}

// SetTail moves the tail to pos modulo size. Used when completions are
// retired out of submission order.
func (r *Ring) SetTail(pos uint32) {
	r.tail = pos % r.size
}

func (r *Ring) String() string {
	return fmt.Sprintf("ring{head: %d, tail: %d, size: %d, used: %d}", r.head, r.tail, r.size, r.Used())
}
