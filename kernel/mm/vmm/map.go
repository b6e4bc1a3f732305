package vmm

import (
	"pagekernel/kernel"
	"pagekernel/kernel/cpu"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// panicFn is used by tests to observe invariant violations.
	panicFn = kfmt.Panic

	earlyReserveRegionFn = EarlyReserveRegion

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrPageAlreadyMapped is returned when trying to map a page that already has a mapping.
	ErrPageAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual page is already mapped"}

	errNoHugePageSupport    = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errRecursiveSlotMapping = &kernel.Error{Module: "vmm", Message: "the last P4 entry is reserved for the recursive mapping"}
	errNonCanonicalAddress  = &kernel.Error{Module: "vmm", Message: "virtual address is not canonical"}
)

// ActivePageTable provides access to the page table hierarchy that is
// currently loaded in CR3. All table accesses go through the recursive P4
// entry, so while a With call is in progress the same methods operate on the
// inactive hierarchy instead.
//
// Callers must serialize access to the active page table.
type ActivePageTable struct{}

// MapTo establishes a mapping between a virtual page and a physical memory
// frame. The supplied physical frame allocator is used to initialize missing
// page tables at each paging level supported by the MMU.
//
// FlagPresent is always added to the requested flags. Mapping a page that is
// already present fails with ErrPageAlreadyMapped.
func (pt *ActivePageTable) MapTo(page mm.Page, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	if page.P4Index() == recursiveEntryIndex {
		panicFn(errRecursiveSlotMapping)
		return errRecursiveSlotMapping
	}

	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *Entry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrPageAlreadyMapped
				return false
			}

			pte.Set(frame, flags|FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = alloc.AllocFrame(); err != nil {
				return false
			}

			pte.Set(newTableFrame, FlagPresent|FlagRW|(flags&FlagUserAccessible))
			tableAtFn(tableAddress(page.Address(), pteLevel+1)).Zero()
			return true
		}

		if flags&FlagUserAccessible != 0 {
			pte.SetFlags(FlagUserAccessible)
		}

		return true
	})

	return err
}

// Map allocates a frame from alloc and maps page to it. The frame is handed
// back to alloc if the mapping cannot be established.
func (pt *ActivePageTable) Map(page mm.Page, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return err
	}

	if err = pt.MapTo(page, frame, flags, alloc); err != nil {
		alloc.FreeFrame(frame)
		return err
	}

	return nil
}

// IdentityMap maps frame to the page with the same number.
func (pt *ActivePageTable) IdentityMap(frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	return pt.MapTo(mm.Page(frame), frame, flags, alloc)
}

// MapRegion establishes a mapping to the physical memory region which starts
// at the given frame and ends at frame + pages(size). The size argument is
// always rounded up to the nearest page boundary. MapRegion reserves the next
// available region in the active virtual address space, establishes the
// mapping and returns back the Page that corresponds to the region start.
func (pt *ActivePageTable) MapRegion(frame mm.Frame, size uintptr, flags PageTableEntryFlag, alloc mm.FrameAllocator) (mm.Page, *kernel.Error) {
	// Reserve next free block in the address space
	size = (size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)
	startPage, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mm.PageShift
	for page := mm.PageFromAddress(startPage); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := pt.MapTo(page, frame, flags, alloc); err != nil {
			return 0, err
		}
	}

	return mm.PageFromAddress(startPage), nil
}

// IdentityMapRegion establishes an identity mapping to the physical memory
// region which starts at the given frame and ends at frame + pages(size). The
// size argument is always rounded up to the nearest page boundary.
// IdentityMapRegion returns back the Page that corresponds to the region
// start.
func (pt *ActivePageTable) IdentityMapRegion(startFrame mm.Frame, size uintptr, flags PageTableEntryFlag, alloc mm.FrameAllocator) (mm.Page, *kernel.Error) {
	startPage := mm.Page(startFrame)
	pageCount := mm.Page(((size + (mm.PageSize - 1)) & ^(mm.PageSize - 1)) >> mm.PageShift)

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := pt.MapTo(curPage, mm.Frame(curPage), flags, alloc); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// Unmap removes a mapping previously installed via a call to MapTo and
// returns the frame it pointed to back to alloc.
func (pt *ActivePageTable) Unmap(page mm.Page, alloc mm.FrameAllocator) *kernel.Error {
	frame, err := pt.unmap(page)
	if err != nil {
		return err
	}

	alloc.FreeFrame(frame)
	return nil
}

// unmap clears the leaf entry for page and returns the frame it pointed to.
// Intermediate tables are left in place even if they become empty.
func (pt *ActivePageTable) unmap(page mm.Page) (mm.Frame, *kernel.Error) {
	if page.P4Index() == recursiveEntryIndex {
		panicFn(errRecursiveSlotMapping)
		return mm.InvalidFrame, errRecursiveSlotMapping
	}

	var (
		err   *kernel.Error
		frame = mm.InvalidFrame
	)

	walk(page.Address(), func(pteLevel uint8, pte *Entry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		// If we reached the last level all we need to do is to clear the
		// entry and flush its TLB entry
		if pteLevel == pageLevels-1 {
			frame, _ = pte.Frame()
			pte.SetUnused()
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return frame, err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address. Addresses that fall inside 1G or
// 2M huge pages are resolved as well.
func (pt *ActivePageTable) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	if !mm.IsCanonical(virtAddr) {
		panicFn(errNonCanonicalAddress)
		return 0, errNonCanonicalAddress
	}

	pte, level, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	// Calculate the physical address by taking the base address of the
	// page and appending the offset from the virtual address. For huge
	// pages bit 12 holds the PAT flag so the base is aligned to the page
	// size of the level where the walk stopped.
	offsetMask := uintptr(1<<pageLevelShifts[level]) - 1
	return (uintptr(*pte) & ptePhysPageMask &^ offsetMask) + (virtAddr & offsetMask), nil
}

// TranslatePage returns the frame that page is mapped to.
func (pt *ActivePageTable) TranslatePage(page mm.Page) (mm.Frame, *kernel.Error) {
	physAddr, err := pt.Translate(page.Address())
	if err != nil {
		return mm.InvalidFrame, err
	}

	return mm.FrameFromAddress(physAddr), nil
}
