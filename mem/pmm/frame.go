// Package pmm implements the physical frame allocator described in
// spec.md §4.1: hand out and reclaim 4 KiB physical frames, with a
// dedicated path for allocations that must land below the 1 MiB mark
// (needed for legacy structures such as AP trampoline code, out of this
// core's scope but a constraint the allocator itself still has to honor).
package pmm

import "smpcore/mem"

// Frame identifies a physical memory frame by its frame number (physical
// address divided by mem.PageSize), mirroring gopher-os's pmm.Frame.
type Frame uint32

// NoFrame is returned by allocation functions that fail to reserve a
// frame, corresponding to spec.md's NO_FRAME sentinel.
const NoFrame = Frame(^uint32(0))

// IsValid reports whether f is a real, allocated frame.
func (f Frame) IsValid() bool {
	return f != NoFrame
}

// Address returns the physical address of the frame's first byte.
func (f Frame) Address() uintptr {
	return uintptr(f) << mem.PageShift
}

// FrameFromAddress returns the frame containing the given physical
// address, rounding down if addr is not page-aligned.
func FrameFromAddress(addr uintptr) Frame {
	return Frame(addr >> mem.PageShift)
}
