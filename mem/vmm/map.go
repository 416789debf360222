package vmm

import (
	"smpcore/kernel"
	"smpcore/mem"
	"smpcore/mem/pmm"
)

// allocatedPT records a page table this call to Map allocated, so a
// later failure in the same call can roll it back (spec §4.2: "atomic on
// failure (unwinds partial mappings)").
type allocatedPT struct {
	pdIdx uint32
	frame pmm.Frame
}

// Map installs, in as, a mapping from [virtual, virtual+length) to
// [physical, physical+length), allocating any missing page tables along
// the way via alloc. The call is all-or-nothing: if it fails partway
// through (OOM while allocating a page table), every page table it
// allocated during this call is freed and no partial PTE is left
// installed (spec §4.2 Failure semantics, scenario S3).
//
// Double-mapping a page to an identical entry is a no-op; double-mapping
// to a different entry is a fatal invariant violation and panics (spec
// §4.2, §7).
func Map(cpu int, as *AddressSpace, physical, virtual uintptr, length mem.Size, flags PageTableEntryFlag, alloc FrameAllocatorFn, free FrameFreeFn) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	pageCount := length.Pages()
	virtual = alignDown(virtual)
	physical = alignDown(physical)

	pd := entriesAt(as.pdFrame)
	var newTables []allocatedPT
	var newPTEs []*pageTableEntry
	changed := false

	rollback := func() {
		for _, pte := range newPTEs {
			*pte = 0
		}
		for _, pt := range newTables {
			pd[pt.pdIdx] = 0
			free(cpu, pt.frame)
		}
	}

	for i := uint32(0); i < pageCount; i++ {
		v := virtual + uintptr(i)*mem.PageSize
		p := physical + uintptr(i)*mem.PageSize

		pdIdx := pdIndex(v)
		pde := &pd[pdIdx]
		if !pde.Present() {
			ptFrame, err := alloc(cpu)
			if err != nil {
				rollback()
				return err
			}
			zeroPage(ptFrame.Address())
			*pde = 0
			pde.SetFrame(ptFrame)
			pde.SetFlags(FlagPresent | FlagWrite | FlagUser)
			newTables = append(newTables, allocatedPT{pdIdx: pdIdx, frame: ptFrame})
		}

		pt := entriesAt(pde.Frame())
		pte := &pt[ptIndex(v)]

		var candidate pageTableEntry
		candidate.SetFrame(pmm.FrameFromAddress(p))
		candidate.SetFlags(FlagPresent | flags)

		if pte.Present() {
			if pte.sameMapping(candidate) {
				continue
			}
			rollback()
			kernel.Panic(&kernel.Error{Module: "vmm", Message: "conflicting double map"})
		}
		*pte = candidate
		newPTEs = append(newPTEs, pte)
		changed = true
	}

	if changed {
		flushAndShootdown(cpu)
	}
	return nil
}

// Unmap clears the mapping of [virtual, virtual+length) in as. Page
// tables that become entirely empty as a result are freed back via free.
// If freeFrames is true, the data frame each PTE pointed to is also
// freed.
func Unmap(cpu int, as *AddressSpace, virtual uintptr, length mem.Size, freeFrames bool, free FrameFreeFn) *kernel.Error {
	as.lock.Acquire()
	defer as.lock.Release()

	pageCount := length.Pages()
	virtual = alignDown(virtual)
	pd := entriesAt(as.pdFrame)

	for i := uint32(0); i < pageCount; i++ {
		v := virtual + uintptr(i)*mem.PageSize
		pdIdx := pdIndex(v)
		pde := &pd[pdIdx]
		if !pde.Present() {
			return ErrInvalidMapping
		}
		pt := entriesAt(pde.Frame())
		pte := &pt[ptIndex(v)]
		if !pte.Present() {
			return ErrInvalidMapping
		}

		dataFrame := pte.Frame()
		*pte = 0
		if freeFrames {
			free(cpu, dataFrame)
		}

		if tableEmpty(pt) {
			ptFrame := pde.Frame()
			*pde = 0
			free(cpu, ptFrame)
		}
	}

	flushAndShootdown(cpu)
	return nil
}

func tableEmpty(pt *[EntriesPerTable]pageTableEntry) bool {
	for _, e := range pt {
		if e.Present() {
			return false
		}
	}
	return true
}

// FindContiguousUnmapped scans as, starting at start, for npages
// consecutive unmapped pages and returns the virtual address of the
// first one, or ErrOutOfVirtualSpace. Kernel-half addresses are treated
// identically to user-half ones; it is the caller's responsibility to
// pass an appropriate start/bound for the half it is searching.
func FindContiguousUnmapped(as *AddressSpace, start uintptr, npages uint32) (uintptr, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	pd := entriesAt(as.pdFrame)
	v := alignUp(start)
	run := uint32(0)
	runStart := v

	for pdIndex(v) < EntriesPerTable {
		pdIdx := pdIndex(v)
		pde := pd[pdIdx]
		if !pde.Present() {
			if run == 0 {
				runStart = v
			}
			gap := EntriesPerTable - ptIndex(v)
			run += gap
			v += uintptr(gap) * mem.PageSize
		} else {
			pt := entriesAt(pde.Frame())
			if !pt[ptIndex(v)].Present() {
				if run == 0 {
					runStart = v
				}
				run++
			} else {
				run = 0
			}
			v += mem.PageSize
		}
		if run >= npages {
			return runStart, nil
		}
	}

	return 0, ErrOutOfVirtualSpace
}

// MapFramesAbove combines FindContiguousUnmapped and Map atomically: it
// finds npages of unmapped virtual space at or above start, maps frames
// (one physical frame per virtual page, in order) there, and returns the
// resulting base virtual address. On failure, nothing is left mapped.
func MapFramesAbove(cpu int, as *AddressSpace, start uintptr, frames []pmm.Frame, npages uint32, flags PageTableEntryFlag, alloc FrameAllocatorFn, free FrameFreeFn) (uintptr, *kernel.Error) {
	base, err := FindContiguousUnmapped(as, start, npages)
	if err != nil {
		return 0, err
	}

	for i := uint32(0); i < npages; i++ {
		v := base + uintptr(i)*mem.PageSize
		if mapErr := Map(cpu, as, frames[i].Address(), v, mem.Size(mem.PageSize), flags, alloc, free); mapErr != nil {
			if i > 0 {
				_ = Unmap(cpu, as, base, mem.Size(i)*mem.PageSize, false, free)
			}
			return 0, mapErr
		}
	}

	return base, nil
}
