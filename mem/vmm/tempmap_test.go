package vmm

import (
	"testing"
	"unsafe"
)

func TestTempMapInstallsPrivateSlot(t *testing.T) {
	a := newTestAllocator(t, 8)
	pdFrame, err := a.AllocFrame(0)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	InitKernelAddressSpace(pdFrame)

	target, err := a.AllocFrame(0)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}

	const cpu = 3
	addr := TempMap(cpu, &kernelAS, target)
	if addr != target.Address() {
		t.Fatalf("TempMap returned %#x, want the frame's own address %#x", addr, target.Address())
	}

	pd := entriesAt(kernelAS.pdFrame)
	tempTable := entriesAt(pd[TempMapSlot].Frame())
	if tempTable[cpu].Frame() != target {
		t.Fatalf("slot %d maps frame %d, want %d", cpu, tempTable[cpu].Frame(), target)
	}
	if !tempTable[cpu].HasFlags(FlagPresent | FlagWrite) {
		t.Fatal("expected the temp-mapping slot to be present and writable")
	}

	// Writing through the returned address must reach the frame.
	*(*byte)(unsafe.Pointer(addr)) = 0x42
	if *(*byte)(unsafe.Pointer(target.Address())) != 0x42 {
		t.Fatal("write through TempMap's return address did not reach the frame")
	}

	UnmapTemporary(cpu, &kernelAS)
	if tempTable[cpu].Present() {
		t.Fatal("expected UnmapTemporary to clear the slot")
	}
}

func TestTempMapSlotsAreIndependentPerCPU(t *testing.T) {
	a := newTestAllocator(t, 8)
	pdFrame, err := a.AllocFrame(0)
	if err != nil {
		t.Fatalf("AllocFrame: %v", err)
	}
	InitKernelAddressSpace(pdFrame)

	f0, _ := a.AllocFrame(0)
	f1, _ := a.AllocFrame(0)

	TempMap(0, &kernelAS, f0)
	TempMap(1, &kernelAS, f1)

	pd := entriesAt(kernelAS.pdFrame)
	tempTable := entriesAt(pd[TempMapSlot].Frame())
	if tempTable[0].Frame() == tempTable[1].Frame() {
		t.Fatal("expected independent per-CPU slots to hold different frames")
	}
}
