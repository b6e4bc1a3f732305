package vmm

import (
	"fmt"
	"testing"
	"unsafe"

	"pagekernel/kernel/mm"
	"pagekernel/kernel/mm/pmm"
	"pagekernel/multiboot"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// softMMU emulates the translation performed by the MMU on top of an
// anonymous memory mapping that plays the role of physical memory. Frame 0
// holds the initial P4 which is recursively mapped via its last entry.
type softMMU struct {
	mem  []byte
	root mm.Frame

	flushedPages []uintptr
	tlbReloads   int
	panics       *[]interface{}
}

// newSoftMMU reserves frameCount frames of emulated physical memory and
// redirects all hardware hooks used by the package to it.
func newSoftMMU(t *testing.T, frameCount int) *softMMU {
	mem, err := unix.Mmap(-1, 0, frameCount*int(mm.PageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	require.NoError(t, err)

	m := &softMMU{mem: mem, panics: recordPanics(t)}

	origTableAtFn, origActivePDTFn, origSwitchPDTFn, origFlushTLBEntryFn := tableAtFn, activePDTFn, switchPDTFn, flushTLBEntryFn
	t.Cleanup(func() {
		tableAtFn, activePDTFn, switchPDTFn, flushTLBEntryFn = origTableAtFn, origActivePDTFn, origSwitchPDTFn, origFlushTLBEntryFn
		require.NoError(t, unix.Munmap(mem))
	})

	tableAtFn = func(tableAddr uintptr) *Table {
		return (*Table)(m.resolve(tableAddr))
	}
	activePDTFn = func() uintptr {
		return m.root.Address()
	}
	switchPDTFn = func(pdtPhysAddr uintptr) {
		m.root = mm.FrameFromAddress(pdtPhysAddr)
		m.tlbReloads++
	}
	flushTLBEntryFn = func(virtAddr uintptr) {
		m.flushedPages = append(m.flushedPages, virtAddr)
	}

	m.table(0)[recursiveEntryIndex].Set(0, FlagPresent|FlagRW)
	return m
}

// allocator returns an allocator that manages all emulated frames except the
// ones in [0, firstFree).
func (m *softMMU) allocator(firstFree mm.Frame) *pmm.AreaFrameAllocator {
	entry := multiboot.MemoryMapEntry{
		PhysAddress: 0,
		Length:      uint64(len(m.mem)),
		Type:        multiboot.MemAvailable,
	}

	alloc := new(pmm.AreaFrameAllocator)
	alloc.Init(
		func(visitor multiboot.MemRegionVisitor) { visitor(&entry) },
		pmm.Region{Start: 0, End: firstFree.Address()},
		pmm.Region{},
	)
	return alloc
}

// frameData returns the emulated contents of frame.
func (m *softMMU) frameData(frame mm.Frame) []byte {
	return m.mem[frame.Address() : frame.Address()+mm.PageSize]
}

func (m *softMMU) table(frame mm.Frame) *Table {
	return (*Table)(unsafe.Pointer(&m.frameData(frame)[0]))
}

// leaf returns the P1 entry for virtAddr in the hierarchy rooted at root or
// nil if any intermediate table is missing.
func (m *softMMU) leaf(root mm.Frame, virtAddr uintptr) *Entry {
	frame := root
	for level := uint8(0); level < pageLevels-1; level++ {
		next, ok := m.table(frame)[entryIndex(virtAddr, level)].Frame()
		if !ok {
			return nil
		}
		frame = next
	}

	return &m.table(frame)[entryIndex(virtAddr, pageLevels-1)]
}

// translate performs a 4K page walk for virtAddr in the hierarchy rooted at
// root.
func (m *softMMU) translate(root mm.Frame, virtAddr uintptr) (uintptr, bool) {
	pte := m.leaf(root, virtAddr)
	if pte == nil {
		return 0, false
	}

	frame, ok := pte.Frame()
	if !ok {
		return 0, false
	}

	return frame.Address() + (virtAddr & (mm.PageSize - 1)), true
}

// resolve emulates a memory access to virtAddr using the active hierarchy.
func (m *softMMU) resolve(virtAddr uintptr) unsafe.Pointer {
	physAddr, ok := m.translate(m.root, virtAddr)
	if !ok {
		panic(fmt.Sprintf("page fault while accessing virtual address 0x%x", virtAddr))
	}

	return unsafe.Pointer(&m.mem[physAddr])
}
