package hw

// NewDefaultAllocator returns the mmap backed allocator.
func NewDefaultAllocator() Allocator {
	return NewMmapAllocator()
}
