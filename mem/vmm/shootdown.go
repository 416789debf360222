package vmm

import "smpcore/hal"

// Shootdowner is the capability vmm needs from the IPM bus: initiate a
// global TLB shootdown and wait for every other online CPU to
// acknowledge it. vmm depends only on this interface, never on package
// ipm directly, breaking the heap -> vmm -> ipm -> heap import cycle
// spec §9 describes; the top-level wiring code (analogous to gopher-os's
// vmm.SetFrameAllocator injection point) calls SetShootdowner once at
// boot with the real IPM bus.
type Shootdowner interface {
	ExecTLBShootdown(cpu int)
}

var shootdowner Shootdowner

// SetShootdowner installs the system's TLB-shootdown mechanism. Until
// this is called, Map/Unmap only perform a local TLB invalidation —
// correct during early boot, when the calling CPU is the only one
// online.
func SetShootdowner(s Shootdowner) {
	shootdowner = s
}

// flushAndShootdown is called by Map/Unmap after a mutation that can
// remove or weaken a mapping visible to any CPU's current AS (spec
// §4.2 TLB coherence). The baseline design always shoots down when a
// shootdowner is registered, rather than trying to prove no other CPU
// has the affected AS loaded.
func flushAndShootdown(cpu int) {
	if hal.Current != nil {
		hal.Current.InvalidateAll()
	}
	if shootdowner != nil {
		shootdowner.ExecTLBShootdown(cpu)
	}
}
