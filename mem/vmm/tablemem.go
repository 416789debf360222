package vmm

import (
	"unsafe"

	"smpcore/mem/pmm"
)

// frameTablePointer returns an unsafe.Pointer to the start of the
// EntriesPerTable-entry table backed by frame. Isolated in its own file
// because it is the one place in this package that turns a physical
// frame number into a Go pointer.
func frameTablePointer(f pmm.Frame) unsafe.Pointer {
	return unsafe.Pointer(f.Address())
}
