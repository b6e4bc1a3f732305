// Package pmm implements the physical memory manager.
package pmm

import (
	"pagekernel/kernel"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
	"pagekernel/kernel/sync"
	"pagekernel/multiboot"
)

var (
	// kernelAllocator is the frame allocator used by the kernel once Init
	// has been invoked.
	kernelAllocator LockedAllocator

	// The following functions are used by tests to mock calls to the
	// multiboot package and are automatically inlined by the compiler.
	visitMemRegionsFn = multiboot.VisitMemRegions
	infoRegionFn      = multiboot.InfoRegion
	kernelRegionFn    = multiboot.KernelRegion

	errNoUsableMemory = &kernel.Error{Module: "pmm", Message: "bootloader reported no usable memory"}
)

// LockedAllocator guards an AreaFrameAllocator with a spinlock so it can be
// shared by callers running in different contexts.
type LockedAllocator struct {
	lock  sync.Spinlock
	alloc AreaFrameAllocator
}

// AllocFrame implements mm.FrameAllocator.
func (l *LockedAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	l.lock.Acquire()
	frame, err := l.alloc.AllocFrame()
	l.lock.Release()
	return frame, err
}

// FreeFrame implements mm.FrameAllocator.
func (l *LockedAllocator) FreeFrame(frame mm.Frame) {
	l.lock.Acquire()
	l.alloc.FreeFrame(frame)
	l.lock.Release()
}

// Init sets up the kernel physical memory allocator. The kernel image extents
// are supplied by the rt0 code; if both are zero they are derived from the
// ELF sections reported by the bootloader.
func Init(kernelStart, kernelEnd uintptr) *kernel.Error {
	if kernelStart == 0 && kernelEnd == 0 {
		kernelStart, kernelEnd = kernelRegionFn()
	}

	infoStart, infoEnd := infoRegionFn()

	kernelAllocator.lock.Acquire()
	defer kernelAllocator.lock.Release()

	kernelAllocator.alloc.Init(
		visitMemRegionsFn,
		Region{Start: kernelStart, End: kernelEnd},
		Region{Start: infoStart, End: infoEnd},
	)
	kernelAllocator.alloc.PrintMemoryMap()

	if !kernelAllocator.alloc.haveRegion {
		return errNoUsableMemory
	}

	return nil
}

// Allocator returns the kernel frame allocator. It must only be used after a
// successful call to Init.
func Allocator() mm.FrameAllocator {
	return &kernelAllocator
}

// PrintMemoryMap scans the memory regions visible to the allocator and prints
// out the system's memory map.
func (alloc *AreaFrameAllocator) PrintMemoryMap() {
	w := kfmt.PrefixWriter{Sink: kfmt.Output(), Prefix: []byte("[pmm] ")}

	kfmt.Fprintf(&w, "system memory map:\n")
	var totalFree mm.Size
	alloc.visitRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		kfmt.Fprintf(&w, "\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Fprintf(&w, "available memory: %dKb\n", uint64(totalFree/mm.Kb))

	for i := 0; i < alloc.reservedCount; i++ {
		kfmt.Fprintf(&w, "reserved frames: [0x%x - 0x%x]\n", uintptr(alloc.reserved[i][0]), uintptr(alloc.reserved[i][1]))
	}
}
