package ipm

import (
	"sync/atomic"
	"unsafe"

	"smpcore/hal"
	"smpcore/heap"
	"smpcore/kernel"
)

var errOutOfMemoryPayload = &kernel.Error{Module: "ipm", Message: "kmalloc failed allocating remote-call payload"}

// allocPayload reserves a RemoteCallPayload from the kernel heap (see
// message.go's doc comment: the struct itself is an ordinary Go value so
// Func/Arg stay GC-reachable; heapAddr is the reservation used for
// TotalAllocated()/Kfree symmetry).
func allocPayload(senderCPU int, fn func(unsafe.Pointer), arg unsafe.Pointer, initial int32) *RemoteCallPayload {
	addr := heap.Default.Kmalloc(senderCPU, uint64(unsafe.Sizeof(RemoteCallPayload{})))
	if addr == 0 {
		kernel.Panic(errOutOfMemoryPayload)
	}
	return &RemoteCallPayload{Func: fn, Arg: arg, refs: initial, heapAddr: addr}
}

func freePayload(cpu int, p *RemoteCallPayload) {
	if p.heapAddr != 0 {
		heap.Default.Kfree(cpu, p.heapAddr)
		p.heapAddr = 0
	}
}

// handleRemoteCall runs the payload's function with interrupts
// re-enabled (spec §4.4 Receive step 2: "to prevent deadlock if the
// target needs to receive an IPM — crucially another shootdown — while
// running"), then applies the uniform reference-count rule: whichever
// side performs the decrement that reaches zero frees the payload. The
// message wrapper itself is freed by its caller (dispatch), independent
// of the payload's own lifetime.
func (b *Bus) handleRemoteCall(cpuID int, m *Message) {
	payload := (*RemoteCallPayload)(m.Data)

	var wasEnabled bool
	if hal.Current != nil {
		wasEnabled = hal.Current.InterruptsEnabled()
		hal.Current.EnableInterrupts()
	}

	payload.Func(payload.Arg)

	if hal.Current != nil && !wasEnabled {
		hal.Current.DisableInterrupts()
	}

	if atomic.AddInt32(&payload.refs, -1) == 0 {
		freePayload(cpuID, payload)
	}
}

// ExecRemoteCall runs fn(arg) on targetCPU (spec §4.4: "exec_remote_call
// (cpu, func, arg, wait)"). When wait is true, senderCPU spins until
// every receiver has accounted for its reference before returning, per
// spec's "Waiting unicast: init to 2" policy.
func (b *Bus) ExecRemoteCall(senderCPU, targetCPU int, fn func(arg unsafe.Pointer), arg unsafe.Pointer, wait bool) {
	initial := int32(1)
	if wait {
		initial = 2
	}
	payload := allocPayload(senderCPU, fn, arg, initial)
	m := b.allocMessage(senderCPU, TagRemoteCall, unsafe.Pointer(payload), 0)
	b.queues[targetCPU].pushBack(m)
	if hal.Current != nil {
		hal.Current.SendIPI(targetCPU, Vector)
	}
	if wait {
		b.waitAndFree(senderCPU, payload)
	}
}

// BroadcastRemoteCall runs fn(arg) on every CPU but senderCPU (spec
// §4.4: "broadcast_remote_call(func, arg, wait)"). The reference count
// starts at ncpu-1 targets for the non-waiting case, or ncpu (every
// target plus the sender's own reference) when wait is true, per spec's
// "Non-waiting broadcast .../ Waiting broadcast ..." policy table.
func (b *Bus) BroadcastRemoteCall(senderCPU int, fn func(arg unsafe.Pointer), arg unsafe.Pointer, wait bool) {
	targets := b.ncpu - 1
	if targets <= 0 {
		return
	}
	initial := int32(targets)
	if wait {
		initial = int32(b.ncpu)
	}
	payload := allocPayload(senderCPU, fn, arg, initial)
	for c := 0; c < b.ncpu; c++ {
		if c == senderCPU {
			continue
		}
		m := b.allocMessage(senderCPU, TagRemoteCall, unsafe.Pointer(payload), 0)
		b.queues[c].pushBack(m)
	}
	if hal.Current != nil {
		hal.Current.BroadcastIPI(Vector)
	}
	if wait {
		b.waitAndFree(senderCPU, payload)
	}
}

// waitAndFree spins until only the sender's own reference remains, then
// performs that final decrement itself and frees the payload — the
// "sender after synchronous waiting" half of spec §4.4's reference-count
// policy, expressed as the same decrement-to-zero-frees rule every
// receiver already follows in handleRemoteCall.
func (b *Bus) waitAndFree(senderCPU int, payload *RemoteCallPayload) {
	for atomic.LoadInt32(&payload.refs) != 1 {
	}
	if atomic.AddInt32(&payload.refs, -1) == 0 {
		freePayload(senderCPU, payload)
	}
}
