package vmm

import "smpcore/mem/pmm"

// TempMap installs frame into the caller's private temp-mapping slot
// within as (its own current address space) and returns the address at
// which the frame's contents can be accessed. Slot cpu within the
// temp-mapping table is reserved exclusively for CPU cpu (spec §3), so
// no lock is taken and no shootdown is required: no other CPU ever
// observes or writes this entry.
//
// Callers must not call TempMap again for the same cpu before calling
// UnmapTemporary; spec §4.2 explicitly forbids interspersing two
// concurrent foreign accesses through the same slot.
func TempMap(cpu int, as *AddressSpace, frame pmm.Frame) uintptr {
	pd := entriesAt(as.pdFrame)
	tempTable := entriesAt(pd[TempMapSlot].Frame())

	pte := &tempTable[cpu]
	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | FlagWrite)

	// In a freestanding build this would return TempMapBase +
	// cpu*PageSize and rely on the MMU to resolve it through the entry
	// just installed. This hosted build backs every physical frame with
	// real, directly addressable memory (see tablemem.go), so handing
	// back the frame's own address is equivalent and lets callers use
	// mem.Memset/Memcopy without a simulated MMU.
	return frame.Address()
}

// UnmapTemporary clears cpu's temp-mapping slot in as.
func UnmapTemporary(cpu int, as *AddressSpace) {
	pd := entriesAt(as.pdFrame)
	tempTable := entriesAt(pd[TempMapSlot].Frame())
	tempTable[cpu] = 0
}
