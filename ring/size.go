package ring

import (
	"errors"
	"fmt"
)

// ErrSizeInvalid is returned when a ring size is invalid.
var ErrSizeInvalid = errors.New("ring size is invalid")

// MaxSize is the largest slot count a ring index can address. Hardware
// reports slot indexes in 15 bit fields.
const MaxSize = 1 << 15

// CheckSize checks if the given value would be a valid size for a descriptor
// ring and returns an [ErrSizeInvalid], if not.
func CheckSize(size uint32) error {
	if size < 2 {
		return fmt.Errorf("%w: %d is too small", ErrSizeInvalid, size)
	}

	// Index arithmetic is done modulo size and the device expects the
	// polarity to flip exactly when the head wraps, so sizes are powers of 2.
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrSizeInvalid, size)
	}

	if size > MaxSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible ring size %d",
			ErrSizeInvalid, size, MaxSize)
	}

	return nil
}

// RoundUp returns the smallest power of 2 that is >= v.
func RoundUp(v uint32) uint32 {
	if v <= 1 {
		return 1
	}
	v--
	v |= v >> 1
	v |= v >> 2
	v |= v >> 4
	v |= v >> 8
	v |= v >> 16
	return v + 1
}
