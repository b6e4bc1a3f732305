// Package kmain contains the Go entrypoint that is invoked by the rt0 code.
package kmain

import (
	"pagekernel/kernel"
	"pagekernel/kernel/kfmt"
	"pagekernel/kernel/mm"
	"pagekernel/kernel/mm/pmm"
	"pagekernel/kernel/mm/vmm"
	"pagekernel/multiboot"
)

var (
	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	setInfoPtrFn = multiboot.SetInfoPtr
	pmmInitFn    = pmm.Init
	allocatorFn  = pmm.Allocator
	vmmInitFn    = vmm.Init
	panicFn      = kfmt.Panic

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	setInfoPtrFn(multibootInfoPtr)

	var (
		err   *kernel.Error
		alloc mm.FrameAllocator
	)
	if err = pmmInitFn(kernelStart, kernelEnd); err != nil {
		panicFn(err)
		return
	}

	alloc = allocatorFn()
	if err = vmmInitFn(alloc); err != nil {
		panicFn(err)
		return
	}

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
