// Package wqe packs and unpacks the fixed-format descriptors exchanged with
// the RDMA engine: send/receive work queue entries, completion queue entries
// and control command entries.
//
// Descriptors are built from 32 byte quanta made of four little-endian
// qwords. Qword 3 of the first quantum is the header and carries the valid
// (polarity) bit, so it is always accessed atomically: [SetHeader] is the
// producer's release point and [Header] is the consumer's acquire point.
package wqe

import (
	"encoding/binary"
	"math/bits"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

const (
	// QuantumSize is the size of one descriptor slot in bytes.
	QuantumSize = 32
	// HeaderOffset is the byte offset of the header qword inside a quantum.
	HeaderOffset = 24
)

// Field describes a bit field inside a 64 bit descriptor word.
type Field struct {
	Shift uint8
	Width uint8
}

// Bit returns a single bit field.
func Bit(shift uint8) Field {
	return Field{Shift: shift, Width: 1}
}

func (f Field) Mask() uint64 {
	return (uint64(1)<<f.Width - 1) << f.Shift
}

// Prep shifts v into position, discarding bits that do not fit.
func (f Field) Prep(v uint64) uint64 {
	return (v << f.Shift) & f.Mask()
}

func (f Field) Get(word uint64) uint64 {
	return (word & f.Mask()) >> f.Shift
}

func (f Field) IsSet(word uint64) bool {
	return f.Get(word) != 0
}

// Replace returns word with the field set to v.
func (f Field) Replace(word, v uint64) uint64 {
	return word&^f.Mask() | f.Prep(v)
}

// Flag converts a bool for use with [Field.Prep].
func Flag(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// Get64 reads the little-endian qword at byte offset off.
func Get64(q []byte, off int) uint64 {
	return binary.LittleEndian.Uint64(q[off : off+8])
}

// Set64 writes v as a little-endian qword at byte offset off.
func Set64(q []byte, off int, v uint64) {
	binary.LittleEndian.PutUint64(q[off:off+8], v)
}

var littleEndianHost = func() bool {
	x := uint16(1)
	return *(*byte)(unsafe.Pointer(&x)) == 1
}()

// toLE converts between host order and the little-endian order the device
// uses. It is its own inverse.
func toLE(v uint64) uint64 {
	if littleEndianHost {
		return v
	}
	return bits.ReverseBytes64(v)
}

func word(q []byte, off int) *atomicbitops.Uint64 {
	_ = q[off+7]
	if uintptr(unsafe.Pointer(&q[off]))&7 != 0 {
		panic("descriptor qword is not 8 byte aligned")
	}
	return (*atomicbitops.Uint64)(unsafe.Pointer(&q[off]))
}

// Load64 reads the qword at off with acquire semantics. Everything read from
// the descriptor after Load64 observes at least the state the writer had
// published with [Store64].
func Load64(q []byte, off int) uint64 {
	return toLE(word(q, off).Load())
}

// Store64 writes the qword at off with release semantics: all earlier writes
// to the descriptor are visible to any reader that observes this value.
func Store64(q []byte, off int, v uint64) {
	word(q, off).Store(toLE(v))
}

// Header loads the header qword of the quantum q with acquire semantics.
func Header(q []byte) uint64 {
	return Load64(q, HeaderOffset)
}

// SetHeader publishes the header qword of the quantum q. It must be the last
// write of a descriptor.
func SetHeader(q []byte, hdr uint64) {
	Store64(q, HeaderOffset, hdr)
}

// AlignedBuffer returns a zeroed n byte buffer whose qwords are 8 byte
// aligned, as required by [Load64] and [Store64].
func AlignedBuffer(n int) []byte {
	if n == 0 {
		return nil
	}
	words := make([]uint64, (n+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), n)
}
