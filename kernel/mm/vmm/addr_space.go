package vmm

import (
	"pagekernel/kernel"
	"pagekernel/kernel/mm"
)

// earlyReserveFloor is the lowest address that EarlyReserveRegion may hand
// out; it is the start of the canonical upper half.
const earlyReserveFloor = uintptr(0xffff800000000000)

var (
	// earlyReserveLastUsed tracks the start of the last reserved region.
	// Regions are carved downwards from the temporary page so they never
	// overlap it or the recursive mapping above it.
	earlyReserveLastUsed = tempMappingAddr

	errEarlyReserveNoSpace = &kernel.Error{Module: "early_reserve", Message: "remaining virtual address space not large enough to satisfy reservation request"}
)

// EarlyReserveRegion reserves a page-aligned contiguous region of kernel
// virtual address space and returns its start address. The size is rounded up
// to a multiple of mm.PageSize. Reserved regions are never released.
func EarlyReserveRegion(size uintptr) (uintptr, *kernel.Error) {
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)

	if earlyReserveLastUsed < earlyReserveFloor || size > earlyReserveLastUsed-earlyReserveFloor {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= size
	return earlyReserveLastUsed, nil
}
