// Package kernel contains the types and helpers shared by every kernel
// sub-system.
package kernel

// Error describes a kernel error. All kernel errors are defined as package
// level variables that point to an Error value. Callers compare errors by
// identity; constructing an Error never requires a heap allocation.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
