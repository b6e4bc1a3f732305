package mm

const (
	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// lowerHalfEnd is the first address past the canonical lower half of
	// the 48-bit virtual address space.
	lowerHalfEnd = uintptr(0x0000800000000000)

	// upperHalfStart is the first address of the canonical upper half of
	// the 48-bit virtual address space.
	upperHalfStart = uintptr(0xffff800000000000)
)
