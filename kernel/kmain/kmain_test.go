package kmain

import (
	"testing"

	"pagekernel/kernel"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
	"pagekernel/kernel/mm/pmm"
	"pagekernel/kernel/mm/vmm"
	"pagekernel/multiboot"

	"github.com/stretchr/testify/assert"
)

type nopAllocator struct{}

func (nopAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return mm.InvalidFrame, nil
}

func (nopAllocator) FreeFrame(mm.Frame) {}

func TestKmain(t *testing.T) {
	defer func() {
		setInfoPtrFn = multiboot.SetInfoPtr
		pmmInitFn = pmm.Init
		allocatorFn = pmm.Allocator
		vmmInitFn = vmm.Init
		panicFn = kfmt.Panic
	}()

	var (
		calls  []string
		panics []interface{}
		alloc  = nopAllocator{}
	)

	setInfoPtrFn = func(ptr uintptr) {
		assert.Equal(t, uintptr(0xb00), ptr)
		calls = append(calls, "multiboot")
	}
	pmmInitFn = func(kernelStart, kernelEnd uintptr) *kernel.Error {
		assert.Equal(t, uintptr(0x100000), kernelStart)
		assert.Equal(t, uintptr(0x200000), kernelEnd)
		calls = append(calls, "pmm")
		return nil
	}
	allocatorFn = func() mm.FrameAllocator {
		return alloc
	}
	vmmInitFn = func(a mm.FrameAllocator) *kernel.Error {
		assert.Equal(t, alloc, a)
		calls = append(calls, "vmm")
		return nil
	}
	panicFn = func(e interface{}) {
		panics = append(panics, e)
	}

	t.Run("success", func(t *testing.T) {
		calls, panics = nil, nil

		Kmain(0xb00, 0x100000, 0x200000)
		assert.Equal(t, []string{"multiboot", "pmm", "vmm"}, calls)
		assert.Equal(t, []interface{}{errKmainReturned}, panics)
	})

	t.Run("pmm error", func(t *testing.T) {
		calls, panics = nil, nil
		expErr := &kernel.Error{Module: "test", Message: "no memory"}
		pmmInitFn = func(_, _ uintptr) *kernel.Error {
			return expErr
		}

		Kmain(0xb00, 0x100000, 0x200000)
		assert.Equal(t, []string{"multiboot"}, calls)
		assert.Equal(t, []interface{}{expErr}, panics)
	})

	t.Run("vmm error", func(t *testing.T) {
		calls, panics = nil, nil
		expErr := &kernel.Error{Module: "test", Message: "remap failed"}
		pmmInitFn = func(_, _ uintptr) *kernel.Error {
			return nil
		}
		vmmInitFn = func(_ mm.FrameAllocator) *kernel.Error {
			return expErr
		}

		Kmain(0xb00, 0x100000, 0x200000)
		assert.Equal(t, []interface{}{expErr}, panics)
	})
}
