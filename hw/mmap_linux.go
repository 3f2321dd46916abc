package hw

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// MmapAllocator hands out anonymous shared mappings. There is no IOMMU in
// play, so the device address of a buffer is its address in this process.
type MmapAllocator struct {
	l      sync.Mutex
	live   map[uint64][]byte
	layout MemoryLayout
}

func NewMmapAllocator() *MmapAllocator {
	return &MmapAllocator{live: map[uint64][]byte{}}
}

func (m *MmapAllocator) Alloc(size int) (_ DMA, err error) {
	if size <= 0 {
		return DMA{}, fmt.Errorf("invalid allocation size %d", size)
	}
	buf, err := unix.Mmap(-1, 0, pageAlign(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_ANONYMOUS)
	if err != nil {
		return DMA{}, fmt.Errorf("allocate dma buffer: %w", err)
	}
	defer func() {
		if err != nil {
			_ = unix.Munmap(buf)
		}
	}()

	d := DMA{Buf: buf, Addr: uint64(uintptr(unsafe.Pointer(&buf[0])))}
	if err = m.layout.Add(d.Addr, d.Buf); err != nil {
		return DMA{}, err
	}

	m.l.Lock()
	m.live[d.Addr] = buf
	m.l.Unlock()
	return d, nil
}

func (m *MmapAllocator) Free(d DMA) error {
	m.l.Lock()
	buf, ok := m.live[d.Addr]
	delete(m.live, d.Addr)
	m.l.Unlock()
	if !ok {
		return fmt.Errorf("%w: %#x was not allocated", ErrBadAddress, d.Addr)
	}
	if err := m.layout.Remove(d.Addr); err != nil {
		return err
	}
	if err := unix.Munmap(buf); err != nil {
		return fmt.Errorf("free dma buffer: %w", err)
	}
	return nil
}

func (m *MmapAllocator) Layout() *MemoryLayout {
	return &m.layout
}
