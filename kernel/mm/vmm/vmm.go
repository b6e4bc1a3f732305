// Package vmm implements the x86-64 paging structures and the operations that
// manipulate them through the recursively mapped P4 table.
package vmm

import (
	"unsafe"

	"pagekernel/kernel"
	"pagekernel/kernel/mm"
	"pagekernel/multiboot"
)

var (
	// The following functions are used by tests to mock calls to the
	// multiboot package and are automatically inlined by the compiler.
	visitElfSectionsFn = multiboot.VisitElfSections
	infoRegionFn       = multiboot.InfoRegion

	// kernelTable is the page table installed by Init.
	kernelTable ActivePageTable
)

// Init builds a new page table hierarchy for the kernel and activates it. The
// new hierarchy identity-maps the ELF sections of the kernel image using the
// appropriate flags (e.g. NX for data sections, RW for writable sections e.t.c)
// as well as the multiboot info blob. Regions reserved via EarlyReserveRegion
// that are mapped in the current hierarchy are carried over.
//
// After Init returns, any identity mapping set up by the rt0 code for memory
// outside these regions becomes invalid.
func Init(alloc mm.FrameAllocator) *kernel.Error {
	tempPage, err := NewTemporaryPage(mm.PageFromAddress(tempMappingAddr), alloc)
	if err != nil {
		return err
	}
	defer tempPage.Release(alloc)

	newTable, err := NewAddressSpace(&kernelTable, &tempPage, alloc)
	if err != nil {
		return err
	}

	if err = kernelTable.With(newTable, &tempPage, func(mapper *ActivePageTable) *kernel.Error {
		return mapKernelImage(mapper, alloc)
	}); err != nil {
		return err
	}

	// Ensure that any pages mapped using EarlyReserveRegion are copied to
	// the new page directory.
	for rsvAddr := earlyReserveLastUsed; rsvAddr < tempMappingAddr; rsvAddr += mm.PageSize {
		page := mm.PageFromAddress(rsvAddr)

		frame, err := kernelTable.TranslatePage(page)
		if err == ErrInvalidMapping {
			continue
		} else if err != nil {
			return err
		}

		if err = kernelTable.With(newTable, &tempPage, func(mapper *ActivePageTable) *kernel.Error {
			return mapper.MapTo(page, frame, FlagPresent|FlagRW|FlagNoExecute, alloc)
		}); err != nil {
			return err
		}
	}

	kernelTable.Switch(newTable)
	return nil
}

// mapKernelImage identity-maps the allocated ELF sections of the kernel
// image and the multiboot info blob using mapper.
func mapKernelImage(mapper *ActivePageTable, alloc mm.FrameAllocator) *kernel.Error {
	var err *kernel.Error

	var visitor = func(_ string, secFlags multiboot.ElfSectionFlag, secAddress uintptr, secSize uint64) {
		// Bail out if we have encountered an error; also ignore sections
		// that do not occupy memory
		if err != nil || secFlags&multiboot.ElfSectionAllocated == 0 || secSize == 0 {
			return
		}

		flags := FlagPresent

		if (secFlags & multiboot.ElfSectionExecutable) == 0 {
			flags |= FlagNoExecute
		}

		if (secFlags & multiboot.ElfSectionWritable) != 0 {
			flags |= FlagRW
		}

		curFrame := mm.FrameFromAddress(secAddress)
		lastFrame := mm.FrameFromAddress(secAddress + uintptr(secSize-1))
		for ; curFrame <= lastFrame; curFrame++ {
			if err = identityMapMerge(mapper, curFrame, flags, alloc); err != nil {
				return
			}
		}
	}

	// Use the noescape hack to prevent the compiler from leaking the visitor
	// function literal to the heap.
	visitElfSectionsFn(
		*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))),
	)

	if err != nil {
		return err
	}

	infoStart, infoEnd := infoRegionFn()
	if infoEnd <= infoStart {
		return nil
	}

	lastFrame := mm.FrameFromAddress(infoEnd - 1)
	for curFrame := mm.FrameFromAddress(infoStart); curFrame <= lastFrame; curFrame++ {
		if err = identityMapMerge(mapper, curFrame, FlagPresent|FlagNoExecute, alloc); err != nil {
			return err
		}
	}

	return nil
}

// identityMapMerge identity-maps frame. Sections that are not page aligned may
// share a page with the previous section; in that case the existing entry is
// widened so that it satisfies both sections.
func identityMapMerge(mapper *ActivePageTable, frame mm.Frame, flags PageTableEntryFlag, alloc mm.FrameAllocator) *kernel.Error {
	err := mapper.IdentityMap(frame, flags, alloc)
	if err != ErrPageAlreadyMapped {
		return err
	}

	pte, _, err := pteForAddress(mm.Page(frame).Address())
	if err != nil {
		return err
	}

	pte.SetFlags(flags & FlagRW)
	if flags&FlagNoExecute == 0 {
		pte.ClearFlags(FlagNoExecute)
	}

	return nil
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
