// Command simkernel is a bundled demo harness (SPEC_FULL.md §4.6) that
// wires the memory and concurrency core together over the hal/sim
// software platform, in the boot order spec.md §9 "Global state"
// prescribes: frames, then the kernel address space, then the heap, then
// IPM, then the scheduler. It exists to give a reader something runnable
// that exercises every layer together; it is not itself part of the core
// and carries none of its invariants beyond what each package already
// guarantees.
package main

import (
	"fmt"
	"unsafe"

	"smpcore/cpu"
	"smpcore/hal"
	"smpcore/hal/sim"
	"smpcore/heap"
	"smpcore/ipm"
	"smpcore/kernel"
	"smpcore/mem"
	"smpcore/mem/pmm"
	"smpcore/mem/vmm"
	"smpcore/sched"
)

const ncpu = 4

func main() {
	s := sim.New(ncpu)
	hal.Set(s)

	// 1. Frames.
	const frameCount = 4096
	arena := make([]byte, uintptr(frameCount+4)*mem.PageSize)
	base := (uintptr(unsafe.Pointer(&arena[0])) + mem.PageMask) &^ mem.PageMask
	if err := pmm.Default.Init([]pmm.Region{{Start: base, End: base + uintptr(frameCount)*mem.PageSize}}, ncpu); err != nil {
		panic(err)
	}

	// 2. Kernel address space.
	pdFrame, err := pmm.Default.AllocFrame(0)
	if err != nil {
		panic(err)
	}
	vmm.InitKernelAddressSpace(pdFrame)

	// 3. Heap.
	allocFn := func(c int) (pmm.Frame, *kernel.Error) { return pmm.Default.AllocFrame(c) }
	freeFn := func(c int, f pmm.Frame) { pmm.Default.FreeFrame(c, f) }
	heap.Default.Init(vmm.KernelAddressSpace(), allocFn, freeFn, vmm.KernelBase)

	// 4. IPM.
	ipm.Default.Init(ncpu)

	// 5. Scheduler.
	sched.Init(ncpu)
	for c := 0; c < ncpu; c++ {
		s.RunOn(c, func() { sched.Start(c) })
	}

	// Exercise the stack end to end: allocate some heap memory, run a
	// remote call on CPU 1 that sets a flag, run a TLB shootdown, then
	// enqueue two processes (the least-loaded rule puts them on different
	// CPUs) and run one Schedule on the first one's CPU.
	done := make(chan struct{})
	s.RunOn(0, func() {
		addr := heap.Default.Kmalloc(0, 256)
		fmt.Printf("kmalloc(256) on CPU0 -> 0x%x\n", addr)

		var ran int32
		fn := func(arg unsafe.Pointer) {
			*(*int32)(arg) = 1
			fmt.Println("remote call executed on", hal.Current.CurrentCPU())
		}
		ipm.Default.ExecRemoteCall(0, 1, fn, unsafe.Pointer(&ran), true)
		fmt.Println("remote call completed, ran =", ran)

		ipm.Default.ExecTLBShootdown(0)
		fmt.Println("shootdown complete")

		p1 := cpu.NewProcess(0)
		p2 := cpu.NewProcess(0)
		sched.Enqueue(p1)
		sched.Enqueue(p2)
		sched.Schedule(p1.CPU)
		fmt.Println("scheduled process on CPU", p1.CPU)

		close(done)
	})
	<-done
}
