package vmm

import (
	"testing"

	"pagekernel/kernel/mm"
	"pagekernel/multiboot"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type elfSection struct {
	name    string
	flags   multiboot.ElfSectionFlag
	address uintptr
	size    uint64
}

func mockKernelImage(t *testing.T, sections []elfSection, infoStart, infoEnd uintptr) {
	origVisitElfSectionsFn, origInfoRegionFn := visitElfSectionsFn, infoRegionFn
	t.Cleanup(func() {
		visitElfSectionsFn, infoRegionFn = origVisitElfSectionsFn, origInfoRegionFn
	})

	visitElfSectionsFn = func(visitor multiboot.ElfSectionVisitor) {
		for _, sec := range sections {
			visitor(sec.name, sec.flags, sec.address, sec.size)
		}
	}
	infoRegionFn = func() (uintptr, uintptr) {
		return infoStart, infoEnd
	}
}

func TestInit(t *testing.T) {
	defer func(origLastUsed uintptr) {
		earlyReserveLastUsed = origLastUsed
	}(earlyReserveLastUsed)

	m := newSoftMMU(t, 64)

	// frames 0-5 hold the initial P4 and the kernel image; frame 6 holds the
	// multiboot info
	alloc := m.allocator(7)
	mockKernelImage(t, []elfSection{
		{".text", multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, 0x2000, 0x1800},
		{".rodata", multiboot.ElfSectionAllocated, 0x3800, 0x800},
		{".bss", multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, 0x4000, 0},
		{".data", multiboot.ElfSectionAllocated | multiboot.ElfSectionWritable, 0x5000, 0x1000},
		{".comment", 0, 0, 0x100},
	}, 0x6000, 0x6100)

	var pt ActivePageTable

	// Reserve two pages but only map the lower one
	earlyReserveLastUsed = tempMappingAddr
	rsvAddr, err := EarlyReserveRegion(2 * mm.PageSize)
	require.Nil(t, err)
	require.Nil(t, pt.MapTo(mm.PageFromAddress(rsvAddr), mm.Frame(40), FlagRW, alloc))

	require.Nil(t, Init(alloc))

	newRoot := m.root
	require.NotEqual(t, mm.Frame(0), newRoot, "expected the new table to be activated")

	recursiveFrame, ok := m.table(newRoot)[recursiveEntryIndex].Frame()
	require.True(t, ok)
	assert.Equal(t, newRoot, recursiveFrame)

	specs := []struct {
		addr     uintptr
		expFlags PageTableEntryFlag
	}{
		{0x2000, FlagPresent},
		// shared by .text and .rodata
		{0x3000, FlagPresent},
		{0x5000, FlagPresent | FlagRW | FlagNoExecute},
		{0x6000, FlagPresent | FlagNoExecute},
	}

	for specIndex, spec := range specs {
		physAddr, ok := m.translate(newRoot, spec.addr)
		require.True(t, ok, "[spec %d] expected 0x%x to be mapped", specIndex, spec.addr)
		assert.Equal(t, spec.addr, physAddr, "[spec %d] expected identity mapping", specIndex)
		assert.Equal(t, spec.expFlags, m.leaf(newRoot, spec.addr).Flags(), "[spec %d]", specIndex)
	}

	for _, addr := range []uintptr{0x0, 0x1000, 0x4000, 0x7000} {
		_, ok := m.translate(newRoot, addr)
		assert.False(t, ok, "expected 0x%x not to be mapped", addr)
	}

	physAddr, ok := m.translate(newRoot, rsvAddr)
	require.True(t, ok, "expected the early reserved mapping to be carried over")
	assert.Equal(t, mm.Frame(40).Address(), physAddr)

	_, ok = m.translate(newRoot, rsvAddr+mm.PageSize)
	assert.False(t, ok)

	_, ok = m.translate(0, tempMappingAddr)
	assert.False(t, ok, "expected the temporary page to be unmapped")

	// The temporary page reused the tables created for the reserved region
	// so its frames must have been released
	frame, err := alloc.AllocFrame()
	require.Nil(t, err)
	assert.Equal(t, mm.Frame(10), frame)

	assert.Empty(t, *m.panics)
}

func TestInitErrors(t *testing.T) {
	t.Run("temporary page allocation fails", func(t *testing.T) {
		m := newSoftMMU(t, 16)
		mockKernelImage(t, nil, 0, 0)

		assert.Equal(t, errStubOutOfMemory, Init(&stubAllocator{err: errStubOutOfMemory}))
		assert.Equal(t, mm.Frame(0), m.root)
	})

	t.Run("address space allocation fails", func(t *testing.T) {
		m := newSoftMMU(t, 16)
		mockKernelImage(t, nil, 0, 0)

		alloc := &stubAllocator{frames: []mm.Frame{10, 11, 12}, err: errStubOutOfMemory}
		assert.Equal(t, errStubOutOfMemory, Init(alloc))
		assert.Equal(t, mm.Frame(0), m.root)
		assert.Equal(t, []mm.Frame{10, 11, 12}, alloc.freed, "expected the unused temporary page frames to be released")
	})

	t.Run("mapping the kernel fails", func(t *testing.T) {
		m := newSoftMMU(t, 16)
		mockKernelImage(t, []elfSection{
			{".text", multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, 0x2000, 0x1000},
		}, 0, 0)

		alloc := &stubAllocator{frames: []mm.Frame{10, 11, 12, 13}, err: errStubOutOfMemory}
		assert.Equal(t, errStubOutOfMemory, Init(alloc))
		assert.Equal(t, mm.Frame(0), m.root, "expected the active table to remain loaded")

		recursiveFrame, _ := m.table(0)[recursiveEntryIndex].Frame()
		assert.Equal(t, mm.Frame(0), recursiveFrame)
	})
}
