//go:build !linux

package hw

// NewDefaultAllocator returns the heap allocator on platforms without shared
// anonymous mappings.
func NewDefaultAllocator() Allocator {
	return NewHeapAllocator()
}
