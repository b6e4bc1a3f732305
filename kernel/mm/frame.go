// Package mm defines the value types shared by the physical and virtual memory
// managers: physical frames, virtual pages and the frame allocator contract.
package mm

import (
	"math"

	"pagekernel/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down to the start
// of their frame.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// FrameAllocator is implemented by physical memory allocators. The allocator
// instance is passed explicitly to every operation that may need to reserve
// or release frames.
type FrameAllocator interface {
	// AllocFrame reserves the lowest-numbered free frame. It returns
	// InvalidFrame and an error if physical memory is exhausted.
	AllocFrame() (Frame, *kernel.Error)

	// FreeFrame returns a frame previously obtained via AllocFrame back to
	// the allocator. Freeing a frame that is not currently allocated is
	// not detected.
	FreeFrame(Frame)
}
