// Package kernel holds the types shared by every other package in the
// core: the error representation, panic handling, and nothing else. It
// sits at the bottom of the import graph so that any package may depend on
// it without risk of a cycle.
package kernel

// Error describes a kernel error. All kernel errors are defined as package
// level variables that are pointers to this structure. This mirrors the
// fact that, for most of this core's lifetime, there is no heap capable of
// backing errors.New-style allocations: the heap in package heap is itself
// built on top of the virtual-memory code that reports errors through this
// type, so Error must not depend on an allocator.
type Error struct {
	// Module names the component that raised the error (e.g. "vmm", "pmm").
	Module string

	// Message is a short, human readable description of the failure.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
