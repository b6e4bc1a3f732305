package vmm

import (
	"pagekernel/kernel"
	"pagekernel/kernel/mm"
)

var (
	errTempPageInUse      = &kernel.Error{Module: "vmm", Message: "temporary page is already mapped"}
	errTempPageNotMapped  = &kernel.Error{Module: "vmm", Message: "temporary page is not mapped"}
	errTempPageReserved   = &kernel.Error{Module: "vmm", Message: "temporary page overlaps the recursive mapping"}
	errTinyAllocatorEmpty = &kernel.Error{Module: "vmm", Message: "temporary page table allocator exhausted"}
	errTinyAllocatorFull  = &kernel.Error{Module: "vmm", Message: "temporary page table allocator cannot hold more frames"}
)

// TemporaryPage is a virtual page that is bound to arbitrary physical frames
// so that their contents can be accessed. It carries its own tiny allocator
// with enough frames to build the P3, P2 and P1 tables it needs, so binding
// the page never touches the main frame allocator.
//
// A TemporaryPage can only be bound to one frame at a time.
type TemporaryPage struct {
	page      mm.Page
	allocator tinyAllocator
	mapped    bool
}

// NewTemporaryPage creates a temporary page at the given virtual page,
// reserving three frames from alloc for its page tables. Passing a page that
// falls inside the recursive P4 slot causes a kfmt.Panic.
func NewTemporaryPage(page mm.Page, alloc mm.FrameAllocator) (TemporaryPage, *kernel.Error) {
	if page.P4Index() == recursiveEntryIndex {
		panicFn(errTempPageReserved)
		return TemporaryPage{}, errTempPageReserved
	}

	tp := TemporaryPage{page: page}
	if err := tp.allocator.fill(alloc); err != nil {
		return TemporaryPage{}, err
	}

	return tp, nil
}

// Page returns the virtual page used for the temporary mappings.
func (tp *TemporaryPage) Page() mm.Page {
	return tp.page
}

// Map binds the temporary page to frame with RW permissions using the active
// page table and returns the page. Calling Map while the page is already
// bound causes a kfmt.Panic.
func (tp *TemporaryPage) Map(frame mm.Frame, active *ActivePageTable) (mm.Page, *kernel.Error) {
	if tp.mapped {
		panicFn(errTempPageInUse)
		return 0, errTempPageInUse
	}

	if err := active.MapTo(tp.page, frame, FlagPresent|FlagRW, &tp.allocator); err != nil {
		return 0, err
	}

	tp.mapped = true
	return tp.page, nil
}

// MapTableFrame binds the temporary page to frame and returns a pointer that
// can be used to access the frame contents as a page table.
func (tp *TemporaryPage) MapTableFrame(frame mm.Frame, active *ActivePageTable) (*Table, *kernel.Error) {
	page, err := tp.Map(frame, active)
	if err != nil {
		return nil, err
	}

	return tableAtFn(page.Address()), nil
}

// Unmap removes the binding established by Map. The frame that the page was
// bound to is not released. Unmapping a page that is not bound causes a
// kfmt.Panic.
func (tp *TemporaryPage) Unmap(active *ActivePageTable) *kernel.Error {
	if !tp.mapped {
		panicFn(errTempPageNotMapped)
		return errTempPageNotMapped
	}

	if _, err := active.unmap(tp.page); err != nil {
		return err
	}

	tp.mapped = false
	return nil
}

// Release returns any table frames that were never used for the temporary
// page's page tables back to alloc. The temporary page must not be used
// after a call to Release.
func (tp *TemporaryPage) Release(alloc mm.FrameAllocator) {
	for i, frame := range tp.allocator {
		if frame.Valid() {
			alloc.FreeFrame(frame)
			tp.allocator[i] = mm.InvalidFrame
		}
	}
}

// tinyAllocator is a frame allocator that can hold at most three frames,
// enough for a P3, P2 and P1 table.
type tinyAllocator [pageLevels - 1]mm.Frame

// fill reserves a frame from alloc for each slot. If alloc runs out of frames
// the frames reserved so far are returned to it.
func (ta *tinyAllocator) fill(alloc mm.FrameAllocator) *kernel.Error {
	for i := range ta {
		ta[i] = mm.InvalidFrame
	}

	for i := range ta {
		frame, err := alloc.AllocFrame()
		if err != nil {
			for j := 0; j < i; j++ {
				alloc.FreeFrame(ta[j])
				ta[j] = mm.InvalidFrame
			}
			return err
		}
		ta[i] = frame
	}

	return nil
}

// AllocFrame implements mm.FrameAllocator.
func (ta *tinyAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for i, frame := range ta {
		if frame.Valid() {
			ta[i] = mm.InvalidFrame
			return frame, nil
		}
	}

	return mm.InvalidFrame, errTinyAllocatorEmpty
}

// FreeFrame implements mm.FrameAllocator. Returning more frames than the
// allocator can hold causes a kfmt.Panic.
func (ta *tinyAllocator) FreeFrame(frame mm.Frame) {
	for i := range ta {
		if !ta[i].Valid() {
			ta[i] = frame
			return
		}
	}

	panicFn(errTinyAllocatorFull)
}
