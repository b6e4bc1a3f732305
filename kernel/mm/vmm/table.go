package vmm

import (
	"unsafe"

	"pagekernel/kernel"
	"pagekernel/kernel/mm"
)

var (
	// tableAtFn returns a pointer to the page table located at the given
	// virtual address. All page table accesses go through it so tests can
	// redirect them to emulated physical memory. When compiling the
	// kernel this function will be automatically inlined.
	tableAtFn = func(tableAddr uintptr) *Table {
		return (*Table)(unsafe.Pointer(tableAddr))
	}
)

// Table describes a page table of any level.
type Table [entryCount]Entry

// Zero clears all table entries.
func (t *Table) Zero() {
	kernel.Memset(uintptr(unsafe.Pointer(t)), 0, mm.PageSize)
}

// entryIndex returns the index of the entry that corresponds to virtAddr in
// the page table of the given level.
func entryIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// tableAddress returns the virtual address, through the recursive P4 slot, of
// the page table at the given level that is involved in translating virtAddr.
// Level 0 is the P4.
//
// Each level adds one more trip through the recursive slot: shifting the
// parent table address left by the level bits and appending the parent entry
// index selects the table that entry points to. The upper address bits are
// all ones so the result stays canonical.
func tableAddress(virtAddr uintptr, level uint8) uintptr {
	addr := p4VirtualAddr
	for l := uint8(0); l < level; l++ {
		addr = (addr << pageLevelBits[l]) | (entryIndex(virtAddr, l) << mm.PageShift)
	}

	return addr
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *Entry) bool

// walk performs a page table walk for the given virtual address using the
// active page tables. It calls the supplied walkFn with the page table entry
// that corresponds to each page table level. The table for the next level is
// only accessed after walkFn returns true, so walkFn may create it.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	for level := uint8(0); level < pageLevels; level++ {
		table := tableAtFn(tableAddress(virtAddr, level))
		if !walkFn(level, &table[entryIndex(virtAddr, level)]) {
			return
		}
	}
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address along with its level. Huge page entries are
// returned from the level where they are found. The function returns
// ErrInvalidMapping if the address is not mapped.
func pteForAddress(virtAddr uintptr) (*Entry, uint8, *kernel.Error) {
	var (
		err      *kernel.Error
		entry    *Entry
		pteLevel uint8
	)

	walk(virtAddr, func(level uint8, pte *Entry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry, err = nil, ErrInvalidMapping
			return false
		}

		entry, pteLevel = pte, level

		// Huge pages terminate the walk at P3 (1G) or P2 (2M)
		return level == 0 || !pte.HasFlags(FlagHugePage)
	})

	return entry, pteLevel, err
}
