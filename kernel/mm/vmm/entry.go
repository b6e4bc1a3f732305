package vmm

import (
	"pagekernel/kernel"
	"pagekernel/kernel/mm"
)

var (
	errInvalidEntryFrame = &kernel.Error{Module: "vmm", Message: "attempted to install a present page table entry with an invalid frame"}
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// Entry describes a page table entry. These entries encode a physical frame
// address and a set of flags. The actual format of the entry and flags is
// architecture-dependent.
type Entry uintptr

// IsUnused returns true if the entry is completely cleared.
func (pte Entry) IsUnused() bool {
	return pte == 0
}

// SetUnused clears the entry.
func (pte *Entry) SetUnused() {
	*pte = 0
}

// Flags returns the flags that are set for this entry.
func (pte Entry) Flags() PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ ptePhysPageMask)
}

// HasFlags returns true if this entry has all the input flags set.
func (pte Entry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte Entry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry. FlagPresent
// is ignored; only Set can make an entry present since it validates the frame.
func (pte *Entry) SetFlags(flags PageTableEntryFlag) {
	*pte = (Entry)(uintptr(*pte) | (uintptr(flags) &^ (ptePhysPageMask | uintptr(FlagPresent))))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *Entry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (Entry)(uintptr(*pte) &^ (uintptr(flags) &^ ptePhysPageMask))
}

// Frame returns the physical page frame that this page table entry points to.
// It returns false if the entry is not present.
func (pte Entry) Frame() (mm.Frame, bool) {
	if !pte.HasFlags(FlagPresent) {
		return mm.InvalidFrame, false
	}

	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift), true
}

// Set points the entry to frame and replaces its flags with a single store.
// Installing a present entry for a frame that cannot be encoded is a kernel
// bug that causes a kfmt.Panic.
func (pte *Entry) Set(frame mm.Frame, flags PageTableEntryFlag) {
	frameAddr := frame.Address()
	if flags&FlagPresent != 0 && (!frame.Valid() || frameAddr&^ptePhysPageMask != 0) {
		panicFn(errInvalidEntryFrame)
		return
	}

	*pte = Entry((frameAddr & ptePhysPageMask) | (uintptr(flags) &^ ptePhysPageMask))
}
