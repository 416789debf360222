package vmm

import "smpcore/mem/pmm"

// PageTableEntryFlag is a bitmask of page-directory/page-table entry
// flags, matching the x86-32 descriptor layout bit for bit.
type PageTableEntryFlag uint32

const (
	// FlagPresent marks an entry as valid; the core sets it on every
	// entry it installs and never exposes it to callers directly (the
	// spec's enumerated flag set omits it because it is implicit in
	// "being mapped at all").
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagWrite allows writes through this mapping.
	FlagWrite

	// FlagUser allows ring-3 accesses through this mapping.
	FlagUser

	// FlagWriteThrough selects write-through caching over write-back.
	FlagWriteThrough

	// FlagCacheDisable disables caching entirely for this mapping.
	FlagCacheDisable

	flagAccessed
	flagDirty

	// FlagNonGlobal opts a mapping out of the hardware global bit. The
	// core sets the global bit by default on every mapping it installs
	// (kernel-half mappings are identical in every AS and should survive
	// a CR3 reload); passing FlagNonGlobal suppresses that.
	FlagNonGlobal
)

// pageTableEntry is a single 32-bit page-directory or page-table
// descriptor. Page directories and page tables share this format on
// x86-32 without PAE (spec Non-goals).
type pageTableEntry uint32

const pteFrameMask = pageTableEntry(0xFFFFF000)

// identityMask covers every bit the idempotent-remap comparison cares
// about: all flags the core manages, excluding accessed/dirty/ignored
// bits (spec §3: "equal in all bits except accessed/dirty/ignored").
// FlagNonGlobal is never stored in an entry; it is represented by the
// hardware Global bit (1 << 8) that SetFlags derives from it.
const identityMask = pageTableEntry(pteFrameMask) | pageTableEntry(FlagPresent|FlagWrite|FlagUser|FlagWriteThrough|FlagCacheDisable) | pageTableEntry(1<<8)

func (e *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	hw := flags
	if flags&FlagNonGlobal == 0 {
		hw |= 1 << 8 // hardware Global bit, set by default
	}
	*e |= pageTableEntry(hw &^ FlagNonGlobal)
}

func (e *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*e &^= pageTableEntry(flags)
}

func (e pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return pageTableEntry(flags)&e == pageTableEntry(flags)
}

func (e pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return pageTableEntry(flags)&e != 0
}

func (e *pageTableEntry) SetFrame(f pmm.Frame) {
	*e = (*e &^ pteFrameMask) | pageTableEntry(f.Address()&uintptr(pteFrameMask))
}

func (e pageTableEntry) Frame() pmm.Frame {
	return pmm.FrameFromAddress(uintptr(e & pteFrameMask))
}

// Present reports whether FlagPresent is set.
func (e pageTableEntry) Present() bool {
	return e.HasFlags(FlagPresent)
}

// sameMapping reports whether e and other describe an identical mapping
// per spec §3's "identical entries" definition used to detect idempotent
// double-maps.
func (e pageTableEntry) sameMapping(other pageTableEntry) bool {
	return e&identityMask == other&identityMask
}
