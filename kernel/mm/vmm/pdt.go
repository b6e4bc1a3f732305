package vmm

import (
	"pagekernel/kernel"
	"pagekernel/kernel/cpu"
	"pagekernel/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT
)

// InactivePageTable describes a P4 table that is not loaded in CR3. Its
// contents can only be modified by passing it to ActivePageTable.With.
type InactivePageTable struct {
	p4Frame mm.Frame
}

// NewInactivePageTable turns frame into an empty P4 table whose last entry
// maps the table onto itself. A temporary mapping is established so that the
// frame contents can be cleared before the recursive entry is installed.
//
// The frame is never modified if the temporary mapping cannot be established.
func NewInactivePageTable(frame mm.Frame, active *ActivePageTable, tempPage *TemporaryPage) (InactivePageTable, *kernel.Error) {
	table, err := tempPage.MapTableFrame(frame, active)
	if err != nil {
		return InactivePageTable{}, err
	}

	table.Zero()
	table[recursiveEntryIndex].Set(frame, FlagPresent|FlagRW)

	if err = tempPage.Unmap(active); err != nil {
		return InactivePageTable{}, err
	}

	return InactivePageTable{p4Frame: frame}, nil
}

// NewAddressSpace allocates a frame from alloc and initializes it as an
// inactive P4 table. The frame is returned to alloc if initialization fails.
func NewAddressSpace(active *ActivePageTable, tempPage *TemporaryPage, alloc mm.FrameAllocator) (InactivePageTable, *kernel.Error) {
	frame, err := alloc.AllocFrame()
	if err != nil {
		return InactivePageTable{}, err
	}

	table, err := NewInactivePageTable(frame, active, tempPage)
	if err != nil {
		alloc.FreeFrame(frame)
		return InactivePageTable{}, err
	}

	return table, nil
}

// Frame returns the physical frame that holds the table's P4.
func (t InactivePageTable) Frame() mm.Frame {
	return t.p4Frame
}

// With temporarily points the recursive entry of the active P4 to the P4 of
// table and invokes fn. While fn runs, all ActivePageTable operations modify
// the inactive hierarchy. The active P4 is mapped via tempPage so its
// recursive entry can be restored once fn returns; the error returned by fn is
// reported after the restore completes.
//
// Code running inside fn cannot access the active hierarchy through the
// recursive mapping and must not use tempPage.
func (pt *ActivePageTable) With(table InactivePageTable, tempPage *TemporaryPage, fn func(*ActivePageTable) *kernel.Error) *kernel.Error {
	activeFrame := mm.FrameFromAddress(activePDTFn())
	if activeFrame == table.p4Frame {
		return fn(pt)
	}

	activeP4, err := tempPage.MapTableFrame(activeFrame, pt)
	if err != nil {
		return err
	}

	tableAtFn(p4VirtualAddr)[recursiveEntryIndex].Set(table.p4Frame, FlagPresent|FlagRW)
	flushTLB()

	err = fn(pt)

	// The recursive addresses now resolve to the inactive table so the
	// active P4 can only be reached through the temporary mapping
	activeP4[recursiveEntryIndex].Set(activeFrame, FlagPresent|FlagRW)
	flushTLB()

	if unmapErr := tempPage.Unmap(pt); err == nil {
		err = unmapErr
	}

	return err
}

// Switch loads the P4 of newTable into CR3 and returns the previously active
// P4 as an inactive table. The previous table is not freed.
func (pt *ActivePageTable) Switch(newTable InactivePageTable) InactivePageTable {
	oldTable := InactivePageTable{p4Frame: mm.FrameFromAddress(activePDTFn())}
	switchPDTFn(newTable.p4Frame.Address())
	return oldTable
}

// flushTLB flushes all non-global TLB entries by reloading CR3.
func flushTLB() {
	switchPDTFn(activePDTFn())
}
