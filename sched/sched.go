package sched

import (
	"smpcore/cpu"
	"smpcore/hal"
)

// TickVector is the interrupt vector the scheduler's periodic LAPIC timer
// targets (spec §4.5 "Ticks"). It is fixed here to match hal/sim's own
// hardcoded timer delivery target (hal/sim.TickVector), the same way
// ipm.Vector is fixed to match hal/sim.IPMVector; real boot wiring assigns
// the concrete vector number through the (out of scope) IDT setup.
const TickVector uint8 = 0x20

// TickPeriodMS is the baseline tick period spec §4.5 names ("TICK_PERIOD
// ms (baseline ≈4 ms)").
const TickPeriodMS uint32 = 4

// SwitchContext, when non-nil, is invoked by Schedule with the process
// being switched away from and the one being switched to, every time the
// two differ. Real hardware's actual stack-swap-and-register-restore stub
// is out of this core's scope (spec §1); this injection point mirrors
// heap's pmmAllocContiguousFn pattern (package heap, heap.go) for
// exercising the policy/bookkeeping logic in tests without it.
var SwitchContext func(prev, next *cpu.Process)

// Init initializes the active policy and creates ncpu idle processes, one
// per CPU (spec §4.5 "Idle": "created at scheduler init"). It must run
// before Start or Enqueue are called on any CPU.
func Init(ncpu int) {
	active.Init(ncpu)
	for c := 0; c < ncpu; c++ {
		b := cpu.Get(c)
		b.IdleProc = cpu.NewProcess(0)
		b.IdleProc.CPU = c
		b.CurrentProc = nil
		b.SchedRunning = false
		b.SwitchCount = 0
	}
}

// Start arms cpuID's periodic tick timer and registers the tick handler
// (spec §4.5 "Ticks"). Call once per CPU during boot, after Init.
func Start(cpuID int) {
	if hal.Current != nil {
		hal.Current.Register(TickVector, tickHandler)
		hal.Current.ArmTimer(TickPeriodMS)
	}
}

// tickHandler runs on the scheduler tick vector: it gives the policy a
// chance to account runtime and request a reschedule, then acknowledges
// the interrupt. It does not itself call Schedule — on real hardware the
// interrupt return path calls Schedule at its next safe point; callers
// driving this core directly (tests, cmd/simkernel) call Schedule
// themselves after ticks they care about.
func tickHandler(cpuID int) {
	b := cpu.Get(cpuID)
	active.UpdateCurr(cpuID, b.CurrentProc)
	active.Tick(cpuID)
	if hal.Current != nil {
		hal.Current.EndOfInterrupt()
	}
}

// Enqueue implements spec §4.5 "Enqueue": sched_enqueue(proc) selects a
// target CPU via the policy, places p on that CPU's runqueue, and marks
// that CPU's resched flag.
func Enqueue(p *cpu.Process) {
	target := active.SelectCPUForProc(p)
	p.CPU = target
	active.Enqueue(target, p)
	cpu.Get(target).SetResched()
}

// Dequeue removes p from its CPU's runqueue without running it (e.g. a
// process destroyed before ever being scheduled).
func Dequeue(p *cpu.Process) {
	active.Dequeue(p.CPU, p)
}

// UpdateCurr implements spec §4.5 "Termination": called whenever cpuID's
// current process's runnability may have changed (e.g. after the process
// itself calls an exit/block primitive outside this core's scope), it
// lets the policy notice a dead/unrunnable current process and request an
// immediate reschedule.
func UpdateCurr(cpuID int) {
	active.UpdateCurr(cpuID, cpu.Get(cpuID).CurrentProc)
}

// Schedule implements spec §4.5 "Context switch": schedule() runs with
// interrupts disabled. It reschedules iff this is the first-ever call on
// cpuID, the CPU is idle, resched_flag is set, or the current process is
// no longer runnable; otherwise it returns without touching anything.
// Callers are responsible for ensuring interrupts are disabled for the
// duration of the call, the same convention ExecTLBShootdown and
// handleRemoteCall use for their own interrupt-sensitive sections
// (package ipm).
func Schedule(cpuID int) {
	b := cpu.Get(cpuID)

	firstCall := !b.SchedRunning
	idle := b.CurrentProc == nil || b.CurrentProc == b.IdleProc
	curDead := b.CurrentProc != nil && !b.CurrentProc.Runnable()
	due := firstCall || idle || curDead || b.TestAndClearResched()
	if !due {
		return
	}

	prev := b.CurrentProc
	if prev != nil && prev != b.IdleProc {
		active.PutPrev(cpuID, prev)
	}

	next := active.PickNext(cpuID)
	if next == nil {
		next = b.IdleProc
	}

	b.SchedRunning = true
	if next == prev {
		return
	}

	b.CurrentProc = next
	next.CPU = cpuID
	b.SwitchCount++

	if SwitchContext != nil {
		SwitchContext(prev, next)
	}
}
