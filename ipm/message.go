// Package ipm implements the inter-processor messaging bus of spec.md
// §4.4: a per-CPU FIFO queue drained by a dedicated IPI vector, carrying
// TLB shootdowns and remote function calls. It is grounded on biscuit's
// ICR-register send path (destination shorthand / delivery mode / vector
// encoding, re-expressed here as the hal.LAPIC.SendIPI/BroadcastIPI pair
// so this package never touches APIC registers directly) and on
// gopher-os's habit of keeping hardware-facing concerns behind a function
// or interface seam so the logic above it is unit-testable.
package ipm

import "unsafe"

// Tag enumerates the message kinds spec §3 "IPM message" lists.
type Tag uint8

const (
	// TagTest carries no built-in semantics; it exists purely to
	// exercise the queue/IPI plumbing from tests without the
	// remote-call or shootdown machinery.
	TagTest Tag = iota
	// TagRemoteCall carries a *RemoteCallPayload in Data.
	TagRemoteCall
	// TagTLBShootdown carries a *int32 refcount in Data and is always
	// stack-allocated by the sender (spec §4.4 Bootstrapping
	// restrictions) rather than routed through ReceiverFrees/heap.
	TagTLBShootdown
)

// Message is spec §3's "IPM message": (tag, sender CPU id, data pointer,
// length, receiver-deallocates flag, queue link).
//
// Unlike every other cross-core structure in this module, a Message is
// never written into the simulated physical memory mem/pmm hands out
// (the "hosted-MMU substitution" DESIGN.md describes for pmm/vmm/heap):
// a REMOTE_CALL payload carries a live Go function value, which the Go
// garbage collector must see as reachable through an ordinary typed
// pointer, not through bytes in an unscanned []byte arena. Message and
// RemoteCallPayload are therefore ordinary heap-allocated Go values;
// heapAddr is the address each one separately reserved from
// smpcore/heap purely so heap.TotalAllocated() and heap's own OOM
// propagation still apply to IPM traffic exactly as spec §4.4 requires
// ("IPM itself allocates messages from the heap").
type Message struct {
	Tag           Tag
	Sender        int
	Data          unsafe.Pointer
	Len           uintptr
	ReceiverFrees bool

	heapAddr uintptr // 0 for stack-allocated (shootdown) messages
	next     *Message
}

// RemoteCallPayload is spec §3's "Remote-call payload": function pointer,
// argument pointer, and a reference count whose final decrement frees it
// (spec's reference-count policy, §4.4).
type RemoteCallPayload struct {
	Func func(arg unsafe.Pointer)
	Arg  unsafe.Pointer

	refs int32

	heapAddr uintptr
}
