package pmm

import (
	"pagekernel/kernel"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
	"pagekernel/multiboot"
)

// freeListCapacity defines the number of released frames that an
// AreaFrameAllocator can track for reuse.
const freeListCapacity = 64

var (
	errAreaAllocOutOfMemory = &kernel.Error{Module: "area_alloc", Message: "out of memory"}
)

// Region describes a half-open [Start, End) physical address range. A region
// with End <= Start is empty.
type Region struct {
	Start, End uintptr
}

// frames returns the first and last frame touched by the region and false if
// the region is empty.
func (r Region) frames() (mm.Frame, mm.Frame, bool) {
	if r.End <= r.Start {
		return 0, 0, false
	}

	return mm.FrameFromAddress(r.Start), mm.FrameFromAddress(r.End - 1), true
}

// MemRegionVisitorFn has the same signature as multiboot.VisitMemRegions.
type MemRegionVisitorFn func(multiboot.MemRegionVisitor)

// AreaFrameAllocator hands out the physical frames of the available memory
// regions reported by the bootloader in ascending order, skipping the frames
// occupied by the kernel image and the boot information structure.
//
// Released frames are pushed to a fixed-size free list and are handed out
// again before the allocator advances into untouched memory. If the free list
// is full, released frames are dropped and accounted as leaked.
//
// AreaFrameAllocator provides no locking; see LockedAllocator.
type AreaFrameAllocator struct {
	visitRegionsFn MemRegionVisitorFn

	// nextFrame is the cursor for frames that have never been allocated.
	nextFrame mm.Frame

	// curRegionEnd is the last usable frame of the region that contains
	// nextFrame. It is only meaningful if haveRegion is true.
	curRegionEnd mm.Frame
	haveRegion   bool

	// Reserved frame ranges (inclusive) that must never be handed out.
	reserved      [2][2]mm.Frame
	reservedCount int

	freeList  [freeListCapacity]mm.Frame
	freeCount int

	allocCount  uint64
	leakedCount uint64
}

// Init sets up the allocator state. visitFn enumerates the physical memory
// regions; kernelImage and bootInfo describe the physical extents that must
// be excluded from allocation.
func (alloc *AreaFrameAllocator) Init(visitFn MemRegionVisitorFn, kernelImage, bootInfo Region) {
	*alloc = AreaFrameAllocator{visitRegionsFn: visitFn}

	for _, r := range [2]Region{kernelImage, bootInfo} {
		if first, last, ok := r.frames(); ok {
			alloc.reserved[alloc.reservedCount] = [2]mm.Frame{first, last}
			alloc.reservedCount++
		}
	}

	alloc.selectNextRegion()
}

// AllocFrame reserves the lowest-numbered free frame. It returns
// mm.InvalidFrame and an error if no more memory can be allocated.
func (alloc *AreaFrameAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if alloc.freeCount != 0 {
		alloc.allocCount++
		return alloc.popLowestFree(), nil
	}

	for alloc.haveRegion {
		frame := alloc.nextFrame

		if frame > alloc.curRegionEnd {
			alloc.selectNextRegion()
			continue
		}

		if last, isReserved := alloc.reservedRangeEnd(frame); isReserved {
			alloc.nextFrame = last + 1
			continue
		}

		alloc.nextFrame++
		alloc.allocCount++
		return frame, nil
	}

	return mm.InvalidFrame, errAreaAllocOutOfMemory
}

// FreeFrame returns frame to the allocator so it can be handed out again.
func (alloc *AreaFrameAllocator) FreeFrame(frame mm.Frame) {
	alloc.allocCount--

	if alloc.freeCount == freeListCapacity {
		alloc.leakedCount++
		kfmt.Printf("[area_alloc] free list full; leaking frame 0x%x\n", uintptr(frame))
		return
	}

	alloc.freeList[alloc.freeCount] = frame
	alloc.freeCount++
}

// AllocatedFrames returns the number of frames currently handed out.
func (alloc *AreaFrameAllocator) AllocatedFrames() uint64 {
	return alloc.allocCount
}

// LeakedFrames returns the number of released frames that could not be
// tracked for reuse.
func (alloc *AreaFrameAllocator) LeakedFrames() uint64 {
	return alloc.leakedCount
}

// popLowestFree removes and returns the lowest-numbered frame from the free
// list. Every frame on the free list is below the cursor so this keeps the
// lowest-free-frame-first order.
func (alloc *AreaFrameAllocator) popLowestFree() mm.Frame {
	lowest := 0
	for i := 1; i < alloc.freeCount; i++ {
		if alloc.freeList[i] < alloc.freeList[lowest] {
			lowest = i
		}
	}

	frame := alloc.freeList[lowest]
	alloc.freeCount--
	alloc.freeList[lowest] = alloc.freeList[alloc.freeCount]
	return frame
}

// reservedRangeEnd checks whether frame belongs to a reserved range and
// returns the last frame of that range.
func (alloc *AreaFrameAllocator) reservedRangeEnd(frame mm.Frame) (mm.Frame, bool) {
	for i := 0; i < alloc.reservedCount; i++ {
		if frame >= alloc.reserved[i][0] && frame <= alloc.reserved[i][1] {
			return alloc.reserved[i][1], true
		}
	}

	return 0, false
}

// selectNextRegion picks the available region with the lowest start address
// that still contains frames at or after the cursor and moves the cursor to
// the region start if needed.
func (alloc *AreaFrameAllocator) selectNextRegion() {
	var (
		bestStart, bestEnd mm.Frame
		found              bool
	)

	alloc.visitRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		startFrame, endFrame, ok := usableFrames(region)
		if !ok || endFrame < alloc.nextFrame {
			return true
		}

		if !found || startFrame < bestStart {
			bestStart, bestEnd, found = startFrame, endFrame, true
		}
		return true
	})

	alloc.haveRegion = found
	if !found {
		return
	}

	alloc.curRegionEnd = bestEnd
	if alloc.nextFrame < bestStart {
		alloc.nextFrame = bestStart
	}
}

// usableFrames returns the first and last whole frame contained in an
// available memory region.
func usableFrames(region *multiboot.MemoryMapEntry) (mm.Frame, mm.Frame, bool) {
	// Ignore reserved regions and regions smaller than a single page
	if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
		return 0, 0, false
	}

	// Reported addresses may not be page-aligned; round up to get
	// the start frame and round down to get the end frame
	pageSizeMinus1 := uint64(mm.PageSize - 1)
	startAddr := (region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1
	endAddr := (region.PhysAddress + region.Length) & ^pageSizeMinus1
	if endAddr <= startAddr {
		return 0, 0, false
	}

	startFrame := mm.Frame(startAddr >> mm.PageShift)
	endFrame := mm.Frame(endAddr>>mm.PageShift) - 1
	return startFrame, endFrame, true
}
