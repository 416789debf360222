// Package sim provides a software-only implementation of hal.Platform so
// the memory and concurrency core can be exercised under `go test` without
// real x86 hardware. Each simulated CPU is a goroutine; RunOn binds the
// calling goroutine to a logical CPU id for the duration of a closure so
// that hal.Topology.CurrentCPU (and everything built on it) behaves as it
// would on real per-core hardware, where identity is implicit in which
// core fetched the instruction.
//
// This is the only place in the module that needs to recover a goroutine's
// identity dynamically (via runtime.Stack); every other package is handed
// its CPU id explicitly, per spec §9 Design Notes.
package sim

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"time"
)

// Sim is an in-process stand-in for the boot/platform collaborator.
type Sim struct {
	ncpu int

	mu       sync.Mutex
	handlers map[uint8]func(cpu int)
	bound    map[uint64]int

	cpus []cpuState
}

type cpuState struct {
	mu          sync.Mutex
	cr3         uintptr
	tlbEpoch    uint64
	ifEnabled   bool
	timerPeriod uint32
	timerStop   chan struct{}
	wake        chan struct{}
}

// New creates a simulated platform with ncpu logical CPUs, all with
// interrupts initially disabled (as on real hardware immediately after
// reset) and no timer armed.
func New(ncpu int) *Sim {
	s := &Sim{
		ncpu:     ncpu,
		handlers: make(map[uint8]func(cpu int)),
		bound:    make(map[uint64]int, ncpu),
		cpus:     make([]cpuState, ncpu),
	}
	for i := range s.cpus {
		s.cpus[i].wake = make(chan struct{}, 1)
	}
	return s
}

// RunOn binds the calling goroutine to cpu for the duration of fn. Calls
// may nest (e.g. an IPI handler invoked on a bound goroutine); the
// innermost binding wins and the previous one is restored on return.
func (s *Sim) RunOn(cpu int, fn func()) {
	id := goroutineID()
	s.mu.Lock()
	prev, hadPrev := s.bound[id]
	s.bound[id] = cpu
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if hadPrev {
			s.bound[id] = prev
		} else {
			delete(s.bound, id)
		}
		s.mu.Unlock()
	}()

	fn()
}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]
	const prefix = "goroutine "
	if i := bytes.Index(b, []byte(prefix)); i >= 0 {
		b = b[i+len(prefix):]
	}
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}

// CPUCount implements hal.Topology.
func (s *Sim) CPUCount() int { return s.ncpu }

// CurrentCPU implements hal.Topology by looking up which logical CPU the
// calling goroutine is currently bound to via RunOn. Calling it from an
// unbound goroutine is a test-harness bug, not a condition this core is
// expected to handle, so it panics rather than guessing CPU 0.
func (s *Sim) CurrentCPU() int {
	id := goroutineID()
	s.mu.Lock()
	cpu, ok := s.bound[id]
	s.mu.Unlock()
	if !ok {
		panic("sim: CurrentCPU called from a goroutine never bound via RunOn")
	}
	return cpu
}

// Register implements hal.InterruptController.
func (s *Sim) Register(vector uint8, fn func(cpu int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[vector] = fn
}

func (s *Sim) handlerFor(vector uint8) func(cpu int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handlers[vector]
}

// deliver invokes the handler for vector on cpu in a fresh goroutine bound
// to cpu, modeling an interrupt that preempts whatever cpu is doing.
func (s *Sim) deliver(cpu int, vector uint8) {
	fn := s.handlerFor(vector)
	if fn == nil {
		return
	}
	go s.RunOn(cpu, func() { fn(cpu) })
}

// SendIPI implements hal.LAPIC.
func (s *Sim) SendIPI(cpu int, vector uint8) {
	s.wakeCPU(cpu)
	s.deliver(cpu, vector)
}

// BroadcastIPI implements hal.LAPIC.
func (s *Sim) BroadcastIPI(vector uint8) {
	self := s.CurrentCPU()
	for cpu := 0; cpu < s.ncpu; cpu++ {
		if cpu == self {
			continue
		}
		s.SendIPI(cpu, vector)
	}
}

// ArmTimer implements hal.LAPIC, firing the previously registered tick
// vector every periodMs milliseconds on the calling CPU until the test
// process exits. There is no vector-number parameter because, as on real
// LAPIC hardware, the timer always targets whichever vector was last
// programmed into LVT_TIMER; callers register that vector once via
// Register(sched.TickVector, ...).
func (s *Sim) ArmTimer(periodMs uint32) {
	cpu := s.CurrentCPU()
	c := &s.cpus[cpu]

	c.mu.Lock()
	if c.timerStop != nil {
		close(c.timerStop)
	}
	stop := make(chan struct{})
	c.timerStop = stop
	c.timerPeriod = periodMs
	c.mu.Unlock()

	go func() {
		t := time.NewTicker(time.Duration(periodMs) * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				s.wakeCPU(cpu)
				s.deliver(cpu, TickVector)
			}
		}
	}()
}

// TickVector is the interrupt vector the simulated LAPIC timer raises.
// Real hardware's vector number is whatever the idtgen/boot collaborator
// assigns; the simulation fixes one so tests can Register it directly.
const TickVector uint8 = 0x20

// IPMVector is the interrupt vector the simulated LAPIC uses for
// inter-processor messages. See TickVector for why it is fixed here.
const IPMVector uint8 = 0x21

// EndOfInterrupt implements hal.LAPIC. The simulation has no interrupt
// controller state machine to acknowledge, so this is a bookkeeping no-op.
func (s *Sim) EndOfInterrupt() {}

func (s *Sim) wakeCPU(cpu int) {
	select {
	case s.cpus[cpu].wake <- struct{}{}:
	default:
	}
}

// LoadCR3 implements hal.MMU.
func (s *Sim) LoadCR3(phys uintptr) {
	c := &s.cpus[s.CurrentCPU()]
	c.mu.Lock()
	c.cr3 = phys
	c.tlbEpoch++
	c.mu.Unlock()
}

// ReadCR3 implements hal.MMU.
func (s *Sim) ReadCR3() uintptr {
	c := &s.cpus[s.CurrentCPU()]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cr3
}

// InvalidatePage implements hal.MMU.
func (s *Sim) InvalidatePage(_ uintptr) {
	c := &s.cpus[s.CurrentCPU()]
	c.mu.Lock()
	c.tlbEpoch++
	c.mu.Unlock()
}

// InvalidateAll implements hal.MMU.
func (s *Sim) InvalidateAll() {
	c := &s.cpus[s.CurrentCPU()]
	c.mu.Lock()
	c.tlbEpoch++
	c.mu.Unlock()
}

// TLBEpoch returns a monotonically increasing counter of TLB invalidations
// observed on cpu. Tests use it to verify spec.md §8 property 5 ("B has
// executed at least one TLB invalidation since A began the shootdown")
// without depending on wall-clock ordering.
func (s *Sim) TLBEpoch(cpu int) uint64 {
	c := &s.cpus[cpu]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tlbEpoch
}

// Halt implements hal.CPUControl by blocking the calling goroutine until
// the next IPI or timer tick targets this CPU, matching "halt with
// interrupts enabled" semantics for the idle process (spec §4.5).
func (s *Sim) Halt() {
	cpu := s.CurrentCPU()
	<-s.cpus[cpu].wake
}

// EnableInterrupts implements hal.CPUControl.
func (s *Sim) EnableInterrupts() {
	c := &s.cpus[s.CurrentCPU()]
	c.mu.Lock()
	c.ifEnabled = true
	c.mu.Unlock()
}

// DisableInterrupts implements hal.CPUControl.
func (s *Sim) DisableInterrupts() bool {
	c := &s.cpus[s.CurrentCPU()]
	c.mu.Lock()
	prev := c.ifEnabled
	c.ifEnabled = false
	c.mu.Unlock()
	return prev
}

// InterruptsEnabled implements hal.CPUControl.
func (s *Sim) InterruptsEnabled() bool {
	c := &s.cpus[s.CurrentCPU()]
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ifEnabled
}
