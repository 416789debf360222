package vmm

import (
	"testing"
	"unsafe"

	"smpcore/kernel"
	"smpcore/mem"
	"smpcore/mem/pmm"
)

// newTestAllocator backs every frame handed out in these tests with real,
// addressable Go memory, mirroring gopher-os's own pdt_test.go /
// map_test.go technique of allocating a backing array and pointing a
// pmm.Region at its address.
func newTestAllocator(t *testing.T, frames uint32) *pmm.Allocator {
	t.Helper()
	return newTestAllocatorCPUs(t, frames, 0)
}

// newTestAllocatorCPUs is like newTestAllocator but lets the caller
// enable the per-CPU free-list cache; most AS-manager tests want the
// cache disabled (ncpu=0) so FramesAllocated() changes deterministically
// and immediately on every free.
func newTestAllocatorCPUs(t *testing.T, frames uint32, ncpu int) *pmm.Allocator {
	t.Helper()
	buf := make([]byte, uintptr(frames+4)*mem.PageSize)
	base := alignUp(uintptr(unsafe.Pointer(&buf[0])))

	a := &pmm.Allocator{}
	if err := a.Init([]pmm.Region{{Start: base, End: base + uintptr(frames)*mem.PageSize}}, ncpu); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return a
}

func testFrameAllocFn(a *pmm.Allocator) FrameAllocatorFn {
	return func(cpu int) (pmm.Frame, *kernel.Error) {
		return a.AllocFrame(cpu)
	}
}

func testFrameFreeFn(a *pmm.Allocator) FrameFreeFn {
	return func(cpu int, f pmm.Frame) {
		a.FreeFrame(cpu, f)
	}
}
