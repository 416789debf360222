// Package sched is the multi-core scheduler (spec.md §4.5): a pluggable
// per-CPU runqueue policy, a tick-driven preemption flag, and the
// schedule()/sched_enqueue() entry points that drive context switches. The
// runqueue/pick-next/tick split follows the structural shape of the Go
// runtime's own per-P run queue and tick-driven retake/preemption logic
// (other_examples' copy of runtime/proc.go, used only as a structural
// reference for "per-core run queue plus a tick sets a flag checked at the
// next safe point" — no code or identifiers are carried over, since that
// file implements a cooperative goroutine scheduler, not a kernel process
// scheduler).
//
// Per-CPU scheduling state itself lives in package cpu (Block), the same
// split mem/vmm and ipm already use to avoid an import cycle back into
// this package; sched owns only the Policy and the tick/schedule logic
// that reads and writes that state.
package sched

import "smpcore/cpu"

// Policy is the scheduler's pluggable dispatch table (spec §4.5
// "Structure"). A single implementation is active per system, installed
// with SetPolicy; the baseline is RoundRobin.
type Policy interface {
	// Init resets the policy for ncpu CPUs.
	Init(ncpu int)

	// Enqueue places p on cpuID's runqueue.
	Enqueue(cpuID int, p *cpu.Process)

	// Dequeue removes p from cpuID's runqueue if present (used when a
	// process is destroyed while still queued rather than running).
	Dequeue(cpuID int, p *cpu.Process)

	// PickNext removes and returns the next process cpuID's runqueue
	// offers, or nil if the runqueue is empty.
	PickNext(cpuID int) *cpu.Process

	// PutPrev is told which process cpuID was running as schedule()
	// begins a switch away from it; a policy that wants to re-enqueue a
	// still-runnable process does so here.
	PutPrev(cpuID int, p *cpu.Process)

	// UpdateCurr is called on every tick and on voluntary yields to let
	// the policy account runtime against cpuID's current process.
	UpdateCurr(cpuID int, p *cpu.Process)

	// Tick is called from the timer-interrupt handler; it may call
	// cpu.Get(cpuID).SetResched() to request a reschedule.
	Tick(cpuID int)

	// SelectCPUForProc picks which CPU a newly enqueued process should
	// run on.
	SelectCPUForProc(p *cpu.Process) int
}

// active is the installed policy, defaulting to a fresh RoundRobin so the
// package is usable without an explicit SetPolicy call (mirroring
// heap.Default/pmm.Default's own "usable zero-configured" pattern).
var active Policy = &RoundRobin{}

// SetPolicy installs p as the active scheduler policy. It does not call
// p.Init; callers call Init (directly, or via sched.Init) themselves.
func SetPolicy(p Policy) {
	active = p
}
