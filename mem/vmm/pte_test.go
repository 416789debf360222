package vmm

import (
	"testing"

	"smpcore/mem/pmm"
)

func TestPageTableEntryFlags(t *testing.T) {
	var pte pageTableEntry

	if pte.HasAnyFlag(FlagWrite | FlagUser) {
		t.Fatal("expected HasAnyFlag to return false on zero entry")
	}

	pte.SetFlags(FlagWrite | FlagUser)
	if !pte.HasFlags(FlagWrite | FlagUser) {
		t.Fatal("expected HasFlags to return true after SetFlags")
	}

	pte.ClearFlags(FlagUser)
	if pte.HasFlags(FlagUser) {
		t.Fatal("expected FlagUser to be cleared")
	}
	if !pte.HasFlags(FlagWrite) {
		t.Fatal("expected FlagWrite to remain set")
	}
}

func TestPageTableEntryGlobalByDefault(t *testing.T) {
	var a, b pageTableEntry
	a.SetFlags(FlagWrite)
	b.SetFlags(FlagWrite | FlagNonGlobal)

	if a == b {
		t.Fatal("default (global) and FlagNonGlobal entries must differ in hardware bits")
	}
}

func TestPageTableEntryFrameRoundTrip(t *testing.T) {
	var pte pageTableEntry
	f := pmm.Frame(0x1234)
	pte.SetFrame(f)
	if got := pte.Frame(); got != f {
		t.Fatalf("Frame() = %d, want %d", got, f)
	}
}

func TestSameMappingIgnoresAccessedDirty(t *testing.T) {
	var a, b pageTableEntry
	f := pmm.Frame(7)
	a.SetFrame(f)
	a.SetFlags(FlagPresent | FlagWrite)
	b = a
	b |= 1 << 5 // flagAccessed
	b |= 1 << 6 // flagDirty

	if !a.sameMapping(b) {
		t.Fatal("expected entries differing only in accessed/dirty bits to be the same mapping")
	}

	c := a
	c.SetFlags(FlagUser)
	if a.sameMapping(c) {
		t.Fatal("expected entries differing in a real flag to NOT be the same mapping")
	}
}
