package ipm

import (
	"sync/atomic"
	"unsafe"

	"smpcore/hal"
)

// ExecTLBShootdown implements mem/vmm.Shootdowner. Per spec §4.4/§9, a
// shootdown message must never allocate (it runs on the path a heap grow
// can itself trigger), so both the Message and its refcount live on this
// function's stack, reused across iterations exactly as Design Notes §9
// describes ("the per-CPU queue link is reused between shootdown
// iterations since shootdowns are sequential"): shootdowns to each other
// CPU are sent and waited on one at a time, never in parallel, so the one
// stack Message is free to reuse on the next iteration as soon as the
// current target has dequeued it.
func (b *Bus) ExecTLBShootdown(cpuID int) {
	if b.ncpu <= 1 {
		return
	}

	var wasEnabled bool
	if hal.Current != nil {
		wasEnabled = hal.Current.InterruptsEnabled()
		// Re-enable interrupts before spinning so this CPU can service
		// an inbound TLB_SHOOTDOWN from another CPU while it waits for
		// its own to be acknowledged (spec §4.4 "Deadlock avoidance
		// while waiting for a shootdown").
		hal.Current.EnableInterrupts()
		// In case ExecTLBShootdown was reached from inside an interrupt
		// handler, acknowledge it now so a nested IPI can actually be
		// delivered while we spin below.
		hal.Current.EndOfInterrupt()
	}

	var cnt int32
	var m Message

	for target := 0; target < b.ncpu; target++ {
		if target == cpuID {
			continue
		}
		atomic.StoreInt32(&cnt, 1)
		m = Message{
			Tag:    TagTLBShootdown,
			Sender: cpuID,
			Data:   unsafe.Pointer(&cnt),
		}
		b.queues[target].pushFront(&m)
		if hal.Current != nil {
			hal.Current.SendIPI(target, Vector)
		}
		for atomic.LoadInt32(&cnt) != 0 {
		}
	}

	if hal.Current != nil && !wasEnabled {
		hal.Current.DisableInterrupts()
	}
}

// handleShootdown services one TLB_SHOOTDOWN message: invalidate the
// local TLB, then decrement the sender's counter (spec §4.4 Receive step
// 2). It never touches the heap — m is always the sender's stack
// variable.
func (b *Bus) handleShootdown(m *Message) {
	if hal.Current != nil {
		hal.Current.InvalidateAll()
	}
	cnt := (*int32)(m.Data)
	atomic.AddInt32(cnt, -1)
}
