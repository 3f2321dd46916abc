package hw

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/slackhq/rdmaring/wqe"
)

// PageSize is the granule device memory is handed out in.
const PageSize = 4096

// ErrBadAddress is returned when a device address is not backed by any
// registered region.
var ErrBadAddress = errors.New("address not mapped")

// DMA is a zeroed buffer shared with the device. Addr is the address the
// device uses to reach Buf.
type DMA struct {
	Buf  []byte
	Addr uint64
}

// Size returns the length of the buffer.
func (d DMA) Size() int {
	return len(d.Buf)
}

// Slice returns the part of the buffer at off with length n and its device
// address.
func (d DMA) Slice(off, n int) DMA {
	return DMA{Buf: d.Buf[off : off+n : off+n], Addr: d.Addr + uint64(off)}
}

// Allocator hands out device visible memory. Rings, shadow areas, host
// contexts and registered data buffers all come from it.
type Allocator interface {
	// Alloc returns a zeroed, qword aligned buffer of at least size bytes
	// rounded up to whole pages.
	Alloc(size int) (DMA, error)
	Free(DMA) error
	// Layout is the translation table the device uses to reach memory
	// handed out by this allocator.
	Layout() *MemoryLayout
}

// MemoryRegion maps a range of device addresses to host memory.
type MemoryRegion struct {
	// Addr is the device address of the first byte.
	Addr uint64
	// Size is the size of the region.
	Size uint64

	buf []byte
}

// MemoryLayout is the set of regions the device can reach.
type MemoryLayout struct {
	l       sync.RWMutex
	regions []MemoryRegion
}

// Add makes buf reachable at addr.
func (m *MemoryLayout) Add(addr uint64, buf []byte) error {
	if len(buf) == 0 {
		return errors.New("empty memory region")
	}
	r := MemoryRegion{Addr: addr, Size: uint64(len(buf)), buf: buf}

	m.l.Lock()
	defer m.l.Unlock()
	i, _ := slices.BinarySearchFunc(m.regions, addr, func(r MemoryRegion, a uint64) int {
		switch {
		case r.Addr < a:
			return -1
		case r.Addr > a:
			return 1
		}
		return 0
	})
	if i > 0 && m.regions[i-1].Addr+m.regions[i-1].Size > addr {
		return fmt.Errorf("memory region %#x overlaps %#x", addr, m.regions[i-1].Addr)
	}
	if i < len(m.regions) && addr+r.Size > m.regions[i].Addr {
		return fmt.Errorf("memory region %#x overlaps %#x", addr, m.regions[i].Addr)
	}
	m.regions = slices.Insert(m.regions, i, r)
	return nil
}

// Remove drops the region starting at addr.
func (m *MemoryLayout) Remove(addr uint64) error {
	m.l.Lock()
	defer m.l.Unlock()
	for i, r := range m.regions {
		if r.Addr == addr {
			m.regions = slices.Delete(m.regions, i, i+1)
			return nil
		}
	}
	return fmt.Errorf("%w: no region starts at %#x", ErrBadAddress, addr)
}

// Translate returns the n bytes of host memory at device address addr. The
// range must lie inside a single region.
func (m *MemoryLayout) Translate(addr uint64, n int) ([]byte, error) {
	m.l.RLock()
	defer m.l.RUnlock()
	i, found := slices.BinarySearchFunc(m.regions, addr, func(r MemoryRegion, a uint64) int {
		switch {
		case r.Addr+r.Size <= a:
			return -1
		case r.Addr > a:
			return 1
		}
		return 0
	})
	if !found {
		return nil, fmt.Errorf("%w: %#x", ErrBadAddress, addr)
	}
	r := m.regions[i]
	off := addr - r.Addr
	if off+uint64(n) > r.Size {
		return nil, fmt.Errorf("%w: %#x+%d crosses the end of region %#x", ErrBadAddress, addr, n, r.Addr)
	}
	return r.buf[off : off+uint64(n) : off+uint64(n)], nil
}

// Regions returns a copy of the current regions.
func (m *MemoryLayout) Regions() []MemoryRegion {
	m.l.RLock()
	defer m.l.RUnlock()
	return slices.Clone(m.regions)
}

func pageAlign(size int) int {
	return (size + PageSize - 1) &^ (PageSize - 1)
}

// heapBase keeps heap addresses clear of the zero page so a zero address is
// never valid.
const heapBase = 0x1000_0000

// HeapAllocator hands out Go heap memory under synthetic device addresses.
// It backs the emulated device.
type HeapAllocator struct {
	l      sync.Mutex
	next   uint64
	live   map[uint64]int
	layout MemoryLayout
}

func NewHeapAllocator() *HeapAllocator {
	return &HeapAllocator{next: heapBase, live: map[uint64]int{}}
}

func (h *HeapAllocator) Alloc(size int) (DMA, error) {
	if size <= 0 {
		return DMA{}, fmt.Errorf("invalid allocation size %d", size)
	}
	size = pageAlign(size)

	h.l.Lock()
	addr := h.next
	// Leave a guard page between allocations.
	h.next += uint64(size) + PageSize
	h.live[addr] = size
	h.l.Unlock()

	d := DMA{Buf: wqe.AlignedBuffer(size), Addr: addr}
	if err := h.layout.Add(d.Addr, d.Buf); err != nil {
		return DMA{}, err
	}
	return d, nil
}

func (h *HeapAllocator) Free(d DMA) error {
	h.l.Lock()
	_, ok := h.live[d.Addr]
	delete(h.live, d.Addr)
	h.l.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x was not allocated", ErrBadAddress, d.Addr)
	}
	return h.layout.Remove(d.Addr)
}

func (h *HeapAllocator) Layout() *MemoryLayout {
	return &h.layout
}

// Live returns the number of allocations not yet freed.
func (h *HeapAllocator) Live() int {
	h.l.Lock()
	defer h.l.Unlock()
	return len(h.live)
}
