package mm

import (
	"pagekernel/kernel"
	"pagekernel/kernel/kfmt"
)

var (
	// panicFn is used by tests to intercept invariant violations that
	// would otherwise halt the CPU.
	panicFn = kfmt.Panic

	errNonCanonicalAddress = &kernel.Error{Module: "mm", Message: "virtual address is not canonical"}
)

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// P4Index returns the index of the P4 entry that maps this page.
func (p Page) P4Index() uintptr {
	return (uintptr(p) >> 27) & 0777
}

// P3Index returns the index of the P3 entry that maps this page.
func (p Page) P3Index() uintptr {
	return (uintptr(p) >> 18) & 0777
}

// P2Index returns the index of the P2 entry that maps this page.
func (p Page) P2Index() uintptr {
	return (uintptr(p) >> 9) & 0777
}

// P1Index returns the index of the P1 entry that maps this page.
func (p Page) P1Index() uintptr {
	return uintptr(p) & 0777
}

// IsCanonical returns true if virtAddr lies in either the lower or the upper
// canonical half of the 48-bit virtual address space.
func IsCanonical(virtAddr uintptr) bool {
	return virtAddr < lowerHalfEnd || virtAddr >= upperHalfStart
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down to the start of their
// page.
//
// Passing a non-canonical address is a kernel bug; PageFromAddress reports it
// via kfmt.Panic.
func PageFromAddress(virtAddr uintptr) Page {
	if !IsCanonical(virtAddr) {
		kfmt.Printf("[mm] non-canonical virtual address: 0x%x\n", virtAddr)
		panicFn(errNonCanonicalAddress)
	}

	return Page((virtAddr & ^(PageSize - 1)) >> PageShift)
}
