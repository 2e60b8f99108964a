package buffer

import (
	"errors"
	"fmt"
)

var (
	// ErrNotResizable is returned when growth is requested on a derived view
	// or on a buffer wrapping caller memory that has no room left.
	ErrNotResizable = errors.New("buffer: not resizable")

	// ErrTooLarge is returned when growth would exceed the maximum capacity.
	ErrTooLarge = errors.New("buffer: exceeds maximum capacity")

	// ErrOutOfBounds is returned for index arguments outside the readable or
	// writable region.
	ErrOutOfBounds = errors.New("buffer: index out of bounds")
)

// IllegalReferenceCountError is the panic value raised when a released buffer
// is accessed, or when a buffer is released more times than it was retained.
type IllegalReferenceCountError struct {
	RefCnt int32
	Delta  int32
}

func (e *IllegalReferenceCountError) Error() string {
	if e.Delta == 0 {
		return fmt.Sprintf("buffer: illegal access, refCnt: %d", e.RefCnt)
	}
	return fmt.Sprintf("buffer: illegal reference count, refCnt: %d, delta: %d", e.RefCnt, e.Delta)
}

// LeakError is returned by [Pool.CheckLeaks] and describes every buffer that
// was allocated but never released.
type LeakError struct {
	Sites []string
}

func (e *LeakError) Error() string {
	if len(e.Sites) == 1 {
		return "buffer: 1 leaked buffer allocated at " + e.Sites[0]
	}
	return fmt.Sprintf("buffer: %d leaked buffers, first allocated at %s", len(e.Sites), e.Sites[0])
}
