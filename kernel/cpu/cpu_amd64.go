// Package cpu exposes the amd64 instructions required by the memory
// management code. All functions are implemented in assembly and fault if
// invoked outside ring 0; code that needs to be tested in user-mode calls them
// through package-level function variables.
package cpu

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr
