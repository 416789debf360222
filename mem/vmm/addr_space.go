package vmm

import (
	"smpcore/hal"
	"smpcore/kernel"
	"smpcore/mem"
	"smpcore/mem/pmm"
	ksync "smpcore/sync"
)

// FrameAllocatorFn allocates a single physical frame on behalf of cpu,
// following gopher-os's vmm.FrameAllocatorFn.
type FrameAllocatorFn func(cpu int) (pmm.Frame, *kernel.Error)

// FrameFreeFn releases a single physical frame previously obtained from a
// FrameAllocatorFn.
type FrameFreeFn func(cpu int, f pmm.Frame)

var (
	// ErrOutOfVirtualSpace is returned when no contiguous unmapped
	// region of the requested size exists (spec §7 OOM-virtual).
	ErrOutOfVirtualSpace = &kernel.Error{Module: "vmm", Message: "no contiguous unmapped virtual region"}

	// ErrInvalidMapping is returned by Unmap when asked to
	// operate on an address with no existing mapping.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "address is not mapped"}

	// errConflictingMapping is a fatal invariant violation: double-map
	// to different entries (spec §4.2 Failure semantics).
	errConflictingMapping = &kernel.Error{Module: "vmm", Message: "conflicting double map"}
)

// AddressSpace is the tuple of (spinlock, page-directory physical frame)
// from spec §3. The kernel half of every AddressSpace is identical by
// construction: CreateAddressSpace copies the kernel AS's PDEs once, and
// no further kernel-half PDE is ever installed anywhere but in the
// kernel AS.
type AddressSpace struct {
	lock    ksync.Spinlock
	pdFrame pmm.Frame
}

// kernelAS is the process-wide kernel address space singleton (spec §9
// Global state: exposed through an explicit initializer, consulted by
// every other AS's construction).
var kernelAS AddressSpace

// activeAS tracks, for accessor-duality purposes only, which
// AddressSpace each CPU last switched to. The authoritative "current AS"
// pointer lives in the per-CPU block (spec §3); this array exists so
// package vmm itself never needs to import the cpu package just to ask
// "is this the AS I'm running on right now".
var activeAS [MaxCPUs]*AddressSpace

// entriesAt returns the 1024-entry table backing frame. Physical frames
// handed out by mem/pmm are always backed by real, addressable memory in
// this hosted build (see mem/pmm's Init callers), so dereferencing the
// frame's address is safe and is how every AS/page-table access in this
// package is implemented — an explicit walker rather than a dereference
// through the architectural recursive/temp-map virtual window, per the
// alternative spec §9 Design Notes explicitly sanctions ("a
// reimplementation may also walk explicit virtual addresses stored
// per-AS"). The recursive and temp-map PDEs are still installed with
// architecturally correct contents so the on-disk structure stays
// bit-exact; nothing in this package relies on the CPU's MMU to resolve
// them.
func entriesAt(f pmm.Frame) *[EntriesPerTable]pageTableEntry {
	return (*[EntriesPerTable]pageTableEntry)(frameTablePointer(f))
}

// KernelAddressSpace returns the kernel AS singleton.
func KernelAddressSpace() *AddressSpace {
	return &kernelAS
}

// InitKernelAddressSpace installs the kernel AS over the supplied page
// directory frame (spec §4.2: "called exactly once during boot, after
// the frame allocator exists"). The frame is assumed zeroed by the
// caller's frame allocator convention; InitKernelAddressSpace clears it
// and installs the recursive entry and nothing else. It takes no frame
// allocator and installs no temp-mapping table: slot 1022 of the kernel
// AS stays empty, so TempMap on the kernel AS finds no table there.
// Kernel-half PDEs are installed later, one at a time, as the kernel maps
// its own image, heap and device windows.
func InitKernelAddressSpace(pdFrame pmm.Frame) {
	kernelAS.pdFrame = pdFrame
	pd := entriesAt(pdFrame)
	for i := range pd {
		pd[i] = 0
	}
	installRecursiveEntry(pd, pdFrame)
}

func installRecursiveEntry(pd *[EntriesPerTable]pageTableEntry, pdFrame pmm.Frame) {
	pd[RecursiveSlot] = 0
	pd[RecursiveSlot].SetFrame(pdFrame)
	pd[RecursiveSlot].SetFlags(FlagPresent | FlagWrite)
}

// CreateAddressSpace allocates a new page directory, pre-allocates every
// kernel-half page table (so mapping a kernel address after construction
// never needs to allocate, per spec §3 AS invariant d), copies the
// kernel AS's kernel-half PDEs, and installs the recursive entry and a
// fresh, empty temp-mapping table at slot 1022.
func CreateAddressSpace(cpu int, alloc FrameAllocatorFn) (*AddressSpace, *kernel.Error) {
	pdFrame, err := alloc(cpu)
	if err != nil {
		return nil, err
	}
	pd := entriesAt(pdFrame)
	for i := range pd {
		pd[i] = 0
	}

	kernelPD := entriesAt(kernelAS.pdFrame)
	firstKernelSlot := pdIndex(KernelBase)
	for i := firstKernelSlot; i < EntriesPerTable; i++ {
		if i == RecursiveSlot || i == TempMapSlot {
			continue
		}
		pd[i] = kernelPD[i]
	}

	installRecursiveEntry(pd, pdFrame)

	tempFrame, err := alloc(cpu)
	if err != nil {
		return nil, err
	}
	tempTable := entriesAt(tempFrame)
	for i := range tempTable {
		tempTable[i] = 0
	}
	pd[TempMapSlot] = 0
	pd[TempMapSlot].SetFrame(tempFrame)
	pd[TempMapSlot].SetFlags(FlagPresent | FlagWrite)

	return &AddressSpace{pdFrame: pdFrame}, nil
}

// DeleteAddressSpace frees every user-half page table and the data
// frames they reference, then the temp-mapping table and the page
// directory itself. The caller must ensure no CPU still has as loaded
// (spec §3 AS lifecycle).
func DeleteAddressSpace(cpu int, as *AddressSpace, free FrameFreeFn) {
	pd := entriesAt(as.pdFrame)
	lastUserSlot := pdIndex(KernelBase)
	for i := uint32(0); i < lastUserSlot; i++ {
		pde := pd[i]
		if !pde.Present() {
			continue
		}
		pt := entriesAt(pde.Frame())
		for j := range pt {
			if pt[j].Present() {
				free(cpu, pt[j].Frame())
			}
		}
		free(cpu, pde.Frame())
	}

	free(cpu, pd[TempMapSlot].Frame())
	free(cpu, as.pdFrame)
}

// SwitchToAddressSpace loads as's page directory into CR3 and records it
// as the active AS for accessor-duality purposes. Higher layers (the
// scheduler, via the per-CPU block) are responsible for updating their
// own "current AS" bookkeeping in the same call.
func SwitchToAddressSpace(cpu int, as *AddressSpace) {
	activeAS[cpu] = as
	if hal.Current != nil {
		hal.Current.LoadCR3(as.pdFrame.Address())
	}
}

// zeroPage clears an entire page starting at addr.
func zeroPage(addr uintptr) {
	mem.Memset(addr, 0, mem.PageSize)
}
