// Package hal describes the boot/platform collaborator that the memory and
// concurrency core consumes but does not implement: GDT/segmentation setup,
// ACPI enumeration, and the LAPIC/MMU register-level programming are all
// out of scope (spec §1) and are represented here purely as interfaces, the
// same separation gopher-os draws between package vmm (paging algorithms)
// and package cpu (the handful of arch-specific primitives vmm calls
// through function variables such as activePDTFn/switchPDTFn).
//
// Package hal/sim provides a software-only implementation of every
// interface here, used by this module's test suite in place of real
// hardware.
package hal

// LAPIC is the subset of local-APIC behaviour the IPM bus (package ipm)
// needs: sending a directed or broadcast interprocessor interrupt, arming
// the periodic tick timer, and acknowledging interrupt delivery.
type LAPIC interface {
	// SendIPI raises vector on the given logical CPU id.
	SendIPI(cpu int, vector uint8)

	// BroadcastIPI raises vector on every CPU except the caller.
	BroadcastIPI(vector uint8)

	// ArmTimer configures the local APIC timer to fire the registered
	// tick vector every periodMs milliseconds.
	ArmTimer(periodMs uint32)

	// EndOfInterrupt signals completion of the interrupt currently being
	// serviced on the calling CPU.
	EndOfInterrupt()
}

// MMU is the subset of CR3/TLB control the address-space manager (package
// vmm) needs.
type MMU interface {
	// LoadCR3 installs phys as the active page directory on the calling
	// CPU and implicitly flushes all non-global TLB entries.
	LoadCR3(phys uintptr)

	// ReadCR3 returns the physical address of the currently active page
	// directory on the calling CPU.
	ReadCR3() uintptr

	// InvalidatePage flushes any TLB entry that translates virt on the
	// calling CPU.
	InvalidatePage(virt uintptr)

	// InvalidateAll flushes every non-global TLB entry on the calling
	// CPU; used after the recursive slot is repointed at a foreign PDT.
	InvalidateAll()
}

// CPUControl is the subset of interrupt-flag and halt control the
// scheduler (package sched) and kernel.Panic need.
type CPUControl interface {
	// Halt stops the calling CPU until the next interrupt.
	Halt()

	// EnableInterrupts sets the calling CPU's interrupt flag.
	EnableInterrupts()

	// DisableInterrupts clears the calling CPU's interrupt flag and
	// returns whether it was previously set, so callers can restore it.
	DisableInterrupts() bool

	// InterruptsEnabled reports the calling CPU's current interrupt flag.
	InterruptsEnabled() bool
}

// InterruptController lets the core register handlers for interrupt
// vectors it owns (the IPM vector and the scheduler tick vector); vector
// allocation and IDT programming themselves are out of scope. The
// interrupt-handler prologue (also out of scope, spec §1) is responsible
// for determining which CPU is servicing the interrupt and passes it to
// fn, rather than fn discovering it through Topology.CurrentCPU — real
// prologues read the APIC id register directly for this, cheaper than a
// virtual call.
type InterruptController interface {
	// Register installs fn as the handler for vector on every CPU.
	Register(vector uint8, fn func(cpu int))
}

// Topology exposes the boot-time CPU census (spec §1: "a boot-time ACPI
// enumeration that yields the CPU count") and the identity of the CPU
// executing the call. Per spec §9 Design Notes, this core addresses
// per-CPU state through an explicit accessor keyed on the current CPU id
// rather than through emulated thread-local storage, so CurrentCPU is the
// only place that identity is ever discovered.
type Topology interface {
	// CPUCount returns the number of CPUs brought online at boot.
	CPUCount() int

	// CurrentCPU returns the logical id (0..CPUCount()-1) of the calling
	// CPU. The BSP is always id 0.
	CurrentCPU() int
}

// Platform bundles the full boot/platform collaborator contract. A single
// implementation (hal/sim for tests, or a real driver layer outside this
// core's scope) satisfies all five.
type Platform interface {
	LAPIC
	MMU
	CPUControl
	InterruptController
	Topology
}

// Current holds the Platform implementation in effect. It is nil until the
// boot wiring (outside this core's scope) or a test calls Set.
var Current Platform

// Set installs p as the active platform collaborator.
func Set(p Platform) {
	Current = p
}
