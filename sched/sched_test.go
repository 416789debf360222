package sched

import (
	"testing"

	"smpcore/cpu"
)

// resetSched installs a fresh RoundRobin policy and initializes ncpu CPUs,
// clearing any resched flag left set by an earlier test sharing the same
// logical CPU ids in package cpu's process-wide block array.
func resetSched(t *testing.T, ncpu int) {
	t.Helper()
	SetPolicy(&RoundRobin{})
	Init(ncpu)
	for c := 0; c < ncpu; c++ {
		cpu.Get(c).TestAndClearResched()
	}
	SwitchContext = nil
}

// TestFirstScheduleCallPicksIdle covers spec §4.5 "Context switch": the
// first-ever call to schedule() on a CPU always reschedules, and with an
// empty runqueue it picks the idle process (spec §8 property 7: "When a
// CPU's runqueue is empty, it runs the idle process").
func TestFirstScheduleCallPicksIdle(t *testing.T) {
	resetSched(t, 1)

	Schedule(0)

	b := cpu.Get(0)
	if b.CurrentProc != b.IdleProc {
		t.Fatalf("got CurrentProc=%v, want the idle process", b.CurrentProc)
	}
	if b.SwitchCount != 1 {
		t.Fatalf("got SwitchCount=%d, want 1", b.SwitchCount)
	}
	if !b.SchedRunning {
		t.Fatal("SchedRunning should be true after the first Schedule call")
	}
}

// TestEnqueuedProcessRunsBeforeIdle verifies schedule() prefers a runnable
// enqueued process over the idle fallback.
func TestEnqueuedProcessRunsBeforeIdle(t *testing.T) {
	resetSched(t, 1)

	p := cpu.NewProcess(0x1000)
	Enqueue(p)

	Schedule(0)

	b := cpu.Get(0)
	if b.CurrentProc != p {
		t.Fatalf("got CurrentProc=%v, want the enqueued process %v", b.CurrentProc, p)
	}
}

// TestSchedulerNeverPicksDeadProcess is spec §8 property 7's other half:
// once the running process dies, schedule() must never pick it again —
// it falls back to idle (or another runnable process) instead.
func TestSchedulerNeverPicksDeadProcess(t *testing.T) {
	resetSched(t, 1)

	p := cpu.NewProcess(0x1000)
	Enqueue(p)
	Schedule(0) // p becomes current

	b := cpu.Get(0)
	if b.CurrentProc != p {
		t.Fatalf("setup failed: got CurrentProc=%v, want %v", b.CurrentProc, p)
	}

	p.MarkDead()
	UpdateCurr(0)
	Schedule(0)

	if b.CurrentProc == p {
		t.Fatal("schedule() picked a dead process")
	}
	if b.CurrentProc != b.IdleProc {
		t.Fatalf("got CurrentProc=%v, want idle (runqueue is empty)", b.CurrentProc)
	}

	// A further schedule call must still never resurrect p.
	Schedule(0)
	if b.CurrentProc == p {
		t.Fatal("schedule() picked a dead process on a later call")
	}
}

// TestIdleNeverEnqueued ensures a CPU's idle process is never handed back
// out by PickNext even after many schedule cycles with an empty runqueue
// (spec §4.5 "Idle": "never put on a runqueue").
func TestIdleNeverEnqueued(t *testing.T) {
	resetSched(t, 1)

	for i := 0; i < 5; i++ {
		cpu.Get(0).SetResched()
		Schedule(0)
	}

	b := cpu.Get(0)
	if b.CurrentProc != b.IdleProc {
		t.Fatalf("got CurrentProc=%v, want idle", b.CurrentProc)
	}
}

// TestEnqueueSelectsLeastLoadedCPU covers spec §4.5's select_cpu_for_proc:
// with CPU 0 already holding one runnable process, a newly enqueued
// process should land on the otherwise-empty CPU 1.
func TestEnqueueSelectsLeastLoadedCPU(t *testing.T) {
	resetSched(t, 2)

	p0 := cpu.NewProcess(0x1000)
	Enqueue(p0)
	if p0.CPU != 0 {
		t.Fatalf("got p0.CPU=%d, want 0 (first of two equally empty queues)", p0.CPU)
	}

	p1 := cpu.NewProcess(0x2000)
	Enqueue(p1)
	if p1.CPU != 1 {
		t.Fatalf("got p1.CPU=%d, want 1 (least-loaded CPU)", p1.CPU)
	}
}

// TestRoundRobinFairnessFloor is spec §8 scenario S6: two runnable
// processes on the same CPU, ticks at TickPeriodMS, observed over a
// 40ms/TickPeriodMS-tick window. Both processes must receive at least one
// tick of runtime.
func TestRoundRobinFairnessFloor(t *testing.T) {
	resetSched(t, 1)

	p1 := cpu.NewProcess(0x1000)
	p2 := cpu.NewProcess(0x2000)
	Enqueue(p1)
	Enqueue(p2)

	ran := map[*cpu.Process]int{p1: 0, p2: 0}

	const window = 40
	ticks := window / int(TickPeriodMS)
	for i := 0; i < ticks; i++ {
		active.Tick(0) // baseline policy sets resched_flag every tick
		Schedule(0)
		if cur := cpu.Get(0).CurrentProc; cur == p1 || cur == p2 {
			ran[cur]++
		}
	}

	if ran[p1] == 0 {
		t.Fatal("p1 never received a tick of runtime")
	}
	if ran[p2] == 0 {
		t.Fatal("p2 never received a tick of runtime")
	}
}

// TestSwitchContextInvokedOnActualSwitch confirms the context-switch hook
// fires exactly when CurrentProc actually changes, not on every Schedule
// call (spec §4.5: "If the chosen process differs from the current, it
// performs the context switch").
func TestSwitchContextInvokedOnActualSwitch(t *testing.T) {
	resetSched(t, 1)

	var switches int
	SwitchContext = func(prev, next *cpu.Process) { switches++ }

	p := cpu.NewProcess(0x1000)
	Enqueue(p)
	Schedule(0) // idle -> p: one switch

	cpu.Get(0).SetResched()
	Schedule(0) // p -> p (PutPrev re-enqueues p, PickNext immediately pops it back): no new switch

	if switches != 1 {
		t.Fatalf("got switches=%d, want 1", switches)
	}
}

// TestTickHandlerRequestsReschedule exercises tickHandler directly (the
// vector callback Start registers), confirming it requests a reschedule
// via the policy's Tick.
func TestTickHandlerRequestsReschedule(t *testing.T) {
	resetSched(t, 1)

	p := cpu.NewProcess(0x1000)
	Enqueue(p)
	Schedule(0)

	cpu.Get(0).TestAndClearResched()
	tickHandler(0)
	if !cpu.Get(0).Resched() {
		t.Fatal("tickHandler did not request a reschedule")
	}
}
