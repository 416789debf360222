// Package cpu defines the per-CPU scheduling block of spec.md §3 ("Every
// CPU has exactly one; addressable via a dedicated segment base") and the
// opaque process representation the core schedules. Per spec §9 Design
// Notes ("Global state ... otherwise through a per-CPU accessor keyed on
// the current CPU id"), this is a fixed-size array indexed by logical CPU
// id rather than anything resembling thread-local storage — the same
// substitute package mem/vmm already uses for its own activeAS array (see
// DESIGN.md) and that convention is continued here: the current-AS pointer
// and the IPM message queue, both also named in spec §3's per-CPU block,
// stay in package vmm and package ipm respectively rather than being
// duplicated here, so that neither of those packages has to import cpu
// just to reach a handful of fields.
package cpu

import "sync/atomic"

// MaxCPUs bounds the number of simultaneously online CPUs this core is
// sized for. It mirrors mem/vmm.MaxCPUs (both describe the same hardware
// ceiling); each package keeps its own named constant rather than
// importing the other purely for this value.
const MaxCPUs = 32

// ProcState is the runnable/dead state spec §3 requires the core to be
// able to observe for any Process ("a dead process is never chosen by
// the scheduler").
type ProcState int32

const (
	// StateRunnable marks a process eligible for scheduling.
	StateRunnable ProcState = iota
	// StateDead marks a process that update_curr/schedule must never
	// pick again (spec §4.5 Termination).
	StateDead
)

// Regs stands in for the saved general-purpose register area a real
// context switch stub would spill to and restore from (spec §3 Process:
// "a saved register area"). The actual layout is dictated by the
// out-of-scope context-switch assembly, not by this core, so this is
// sized only generously enough to exercise save/restore bookkeeping in
// tests.
type Regs [32]uintptr

// Process is the scheduler's view of a process, deliberately as opaque as
// spec §3 allows: "a kernel-stack pointer, a saved register area, a
// runnable/dead state, and a current-CPU field."
type Process struct {
	KernelSP uintptr
	Saved    Regs
	State    ProcState
	CPU      int
}

// NewProcess returns a runnable Process with the given kernel-stack
// pointer. Saved registers start zeroed and CPU starts at -1 (no CPU
// yet); the scheduler fills CPU in once the process is enqueued.
func NewProcess(kernelSP uintptr) *Process {
	return &Process{KernelSP: kernelSP, State: StateRunnable, CPU: -1}
}

// Runnable reports whether the scheduler may pick p (spec §3 Process
// invariant: "any process on a runqueue is runnable").
func (p *Process) Runnable() bool { return p.State == StateRunnable }

// MarkDead transitions p out of the runnable set permanently. Spec §4.5:
// "When update_curr observes the current process is dead/unrunnable, it
// sets resched_flag" — sched.UpdateCurr is what actually does that upon
// observing this state.
func (p *Process) MarkDead() { p.State = StateDead }

// Block is the per-CPU scheduling state named in spec §3's Per-CPU block:
// current process, idle process, the resched flag, the "is the scheduler
// loop running yet" flag, and the context-switch counter. (CurrentAS and
// the message-queue fields of the same spec entity live in mem/vmm and
// package ipm respectively — see the package doc comment.)
type Block struct {
	ID int

	CurrentProc *Process
	IdleProc    *Process

	reschedFlag  uint32 // atomic; spec §4.5 resched_flag
	SchedRunning bool   // spec §4.5 sched_running

	SwitchCount uint64 // spec §3: "context-switch counter"
}

var blocks [MaxCPUs]Block

func init() {
	for i := range blocks {
		blocks[i].ID = i
	}
}

// Get returns the per-CPU block for the given logical CPU id.
func Get(cpuID int) *Block { return &blocks[cpuID] }

// SetResched marks b's CPU for rescheduling at the next tick or explicit
// schedule() call (spec §4.5 Enqueue/Termination).
func (b *Block) SetResched() { atomic.StoreUint32(&b.reschedFlag, 1) }

// TestAndClearResched reports whether the resched flag was set and clears
// it atomically; schedule() uses this to decide whether it was invoked
// because of pending work.
func (b *Block) TestAndClearResched() bool {
	return atomic.SwapUint32(&b.reschedFlag, 0) != 0
}

// Resched reports the current value of the resched flag without
// clearing it.
func (b *Block) Resched() bool {
	return atomic.LoadUint32(&b.reschedFlag) != 0
}
