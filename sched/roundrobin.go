package sched

import (
	"smpcore/cpu"
	ksync "smpcore/sync"
)

// RoundRobin is the baseline scheduler policy (spec §4.5: "a per-CPU
// runqueue with time-slicing"). Each CPU's runqueue is a plain FIFO list;
// Tick requests a reschedule on every tick, which combined with PutPrev
// re-enqueuing a still-runnable process at the tail gives every runnable
// process on a CPU an equal share of ticks.
type RoundRobin struct {
	ncpu int
	runq [cpu.MaxCPUs]struct {
		lock ksync.Spinlock
		head *rrNode
		tail *rrNode
	}
}

// rrNode wraps a *cpu.Process with the intrusive link RoundRobin's
// runqueue needs, the same linked-list-of-small-nodes shape ipm's queue
// (package ipm, queue.go) uses for its message list. cpu.Process itself
// carries no link field: a runqueue is RoundRobin's own concern, not
// something every Process consumer should pay for.
type rrNode struct {
	proc *cpu.Process
	next *rrNode
}

// Init implements Policy.
func (r *RoundRobin) Init(ncpu int) {
	r.ncpu = ncpu
	for i := 0; i < ncpu; i++ {
		r.runq[i].head = nil
		r.runq[i].tail = nil
	}
}

// Enqueue implements Policy, appending p to cpuID's runqueue tail.
func (r *RoundRobin) Enqueue(cpuID int, p *cpu.Process) {
	q := &r.runq[cpuID]
	n := &rrNode{proc: p}
	q.lock.Acquire()
	if q.tail != nil {
		q.tail.next = n
	} else {
		q.head = n
	}
	q.tail = n
	q.lock.Release()
}

// Dequeue implements Policy, removing the first node carrying p, if any.
func (r *RoundRobin) Dequeue(cpuID int, p *cpu.Process) {
	q := &r.runq[cpuID]
	q.lock.Acquire()
	defer q.lock.Release()
	var prev *rrNode
	for n := q.head; n != nil; n = n.next {
		if n.proc == p {
			if prev != nil {
				prev.next = n.next
			} else {
				q.head = n.next
			}
			if n == q.tail {
				q.tail = prev
			}
			return
		}
		prev = n
	}
}

// PickNext implements Policy, popping cpuID's runqueue head.
func (r *RoundRobin) PickNext(cpuID int) *cpu.Process {
	q := &r.runq[cpuID]
	q.lock.Acquire()
	defer q.lock.Release()
	n := q.head
	if n == nil {
		return nil
	}
	q.head = n.next
	if q.head == nil {
		q.tail = nil
	}
	return n.proc
}

// PutPrev implements Policy: a still-runnable process goes to the back of
// its own CPU's runqueue (plain round robin); a dead or nil process is
// simply dropped.
func (r *RoundRobin) PutPrev(cpuID int, p *cpu.Process) {
	if p == nil || !p.Runnable() {
		return
	}
	r.Enqueue(cpuID, p)
}

// UpdateCurr implements Policy (spec §4.5 "Termination"): a current
// process that is no longer runnable requests an immediate reschedule.
func (r *RoundRobin) UpdateCurr(cpuID int, p *cpu.Process) {
	if p != nil && !p.Runnable() {
		cpu.Get(cpuID).SetResched()
	}
}

// Tick implements Policy. The baseline policy time-slices in units of a
// single tick, so every tick simply requests a reschedule; schedule()
// itself is what actually rotates the runqueue via PickNext/PutPrev.
func (r *RoundRobin) Tick(cpuID int) {
	cpu.Get(cpuID).SetResched()
}

// SelectCPUForProc implements Policy by placing p on whichever online CPU
// currently holds the fewest runnable processes, a minimal load-balancing
// rule appropriate for a baseline policy (spec §4.5 names
// select_cpu_for_proc without prescribing its algorithm).
func (r *RoundRobin) SelectCPUForProc(p *cpu.Process) int {
	best := 0
	bestLen := r.queueLen(0)
	for c := 1; c < r.ncpu; c++ {
		if l := r.queueLen(c); l < bestLen {
			best, bestLen = c, l
		}
	}
	return best
}

func (r *RoundRobin) queueLen(cpuID int) int {
	q := &r.runq[cpuID]
	q.lock.Acquire()
	defer q.lock.Release()
	n := 0
	for cur := q.head; cur != nil; cur = cur.next {
		n++
	}
	return n
}
