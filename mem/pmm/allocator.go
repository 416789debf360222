package pmm

import (
	"smpcore/kernel"
	"smpcore/mem"
	ksync "smpcore/sync"
)

// ErrOutOfMemory is returned when the free pool cannot satisfy a request.
var ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical frames"}

// ErrNoLowMemFrame is returned when no frame below the 1 MiB mark is free.
var ErrNoLowMemFrame = &kernel.Error{Module: "pmm", Message: "no frame available below 1MiB"}

// lowMemLimit is the 1 MiB boundary AllocFrameLowMem honors.
const lowMemLimit = 0x100000

// Region describes a physical address range ([Start, End)) the allocator
// may hand out frames from. The boot/platform collaborator (spec §6) is
// responsible for excluding reserved ranges (the kernel image, ACPI
// tables, MMIO holes) before calling Init.
type Region struct {
	Start, End uintptr
}

// pool tracks free/used frames for one contiguous region via a bitmap,
// following gopher-os's mem/pmm/allocator.BitmapAllocator.
type pool struct {
	startFrame Frame
	endFrame   Frame // inclusive
	freeBitmap []uint64
	freeCount  uint32
}

func (p *pool) bit(frame Frame) (word int, mask uint64) {
	rel := uint32(frame - p.startFrame)
	return int(rel >> 6), uint64(1) << (rel & 63)
}

func (p *pool) isFree(frame Frame) bool {
	w, m := p.bit(frame)
	return p.freeBitmap[w]&m == 0
}

func (p *pool) setUsed(frame Frame) {
	w, m := p.bit(frame)
	if p.freeBitmap[w]&m == 0 {
		p.freeBitmap[w] |= m
		p.freeCount--
	}
}

func (p *pool) setFree(frame Frame) {
	w, m := p.bit(frame)
	if p.freeBitmap[w]&m != 0 {
		p.freeBitmap[w] &^= m
		p.freeCount++
	}
}

// perCPUCacheSize bounds the per-CPU free-list cache described in
// SPEC_FULL.md §4.1 (grounded on biscuit mem.Physmem_t.percpu): small
// enough that an idle CPU cannot hoard a meaningful fraction of memory,
// large enough to absorb a burst of kmalloc-driven page churn without
// touching the shared pool lock.
const perCPUCacheSize = 16

type perCPUCache struct {
	frames [perCPUCacheSize]Frame
	n      int
}

// Allocator is a lock-protected bitmap frame allocator with an optional
// per-CPU free-list fast path.
type Allocator struct {
	lock ksync.Spinlock

	pools         []pool
	totalPages    uint32
	reservedPages uint32

	simulateOOM bool

	percpu []perCPUCache
}

// Init sets up a up a bitmap allocator over the supplied available
// regions. ncpu sizes the per-CPU cache array; pass 0 to disable the
// per-CPU fast path entirely (every alloc/free goes through the shared
// bitmap, which is what SetOOMSimulation-driven tests want for
// determinism).
func (a *Allocator) Init(regions []Region, ncpu int) *kernel.Error {
	a.pools = a.pools[:0]
	a.totalPages = 0
	a.reservedPages = 0
	a.simulateOOM = false

	for _, r := range regions {
		start := (r.Start + mem.PageMask) &^ mem.PageMask
		end := r.End &^ mem.PageMask
		if end <= start {
			continue
		}
		startFrame := FrameFromAddress(start)
		endFrame := FrameFromAddress(end) - 1
		count := uint32(endFrame-startFrame) + 1

		words := (count + 63) >> 6
		a.pools = append(a.pools, pool{
			startFrame: startFrame,
			endFrame:   endFrame,
			freeBitmap: make([]uint64, words),
			freeCount:  count,
		})
		a.totalPages += count
	}

	if ncpu > 0 {
		a.percpu = make([]perCPUCache, ncpu)
	} else {
		a.percpu = nil
	}
	return nil
}

// SetOOMSimulation forces every subsequent allocation to fail (spec §4.1
// test hook) until called again with false. It also drains and discards
// every per-CPU cache so a simulated CPU cannot keep allocating from
// stale cached frames while OOM is "in effect".
func (a *Allocator) SetOOMSimulation(enabled bool) {
	a.lock.Acquire()
	a.simulateOOM = enabled
	if enabled {
		for i := range a.percpu {
			a.percpu[i].n = 0
		}
	}
	a.lock.Release()
}

// FramesAllocated returns the number of frames currently reserved from the
// pools. A frame freed into a per-CPU cache still counts as allocated.
func (a *Allocator) FramesAllocated() uint32 {
	a.lock.Acquire()
	defer a.lock.Release()
	return a.reservedPages
}

// AllocFrame reserves and returns one frame, or NoFrame/ErrOutOfMemory.
func (a *Allocator) AllocFrame(cpu int) (Frame, *kernel.Error) {
	return a.alloc(cpu, false)
}

// AllocFrameLowMem behaves like AllocFrame but only ever returns a frame
// whose physical address is below 1 MiB.
func (a *Allocator) AllocFrameLowMem(cpu int) (Frame, *kernel.Error) {
	return a.alloc(cpu, true)
}

// AllocContiguous reserves n physically contiguous frames and returns
// the base frame. It never consults or populates the per-CPU cache,
// which only ever holds single, independently-freed frames. Used by the
// heap allocator when provisioning a new group (spec §4.3): the group's
// pages must be contiguous so its intrusive free-list pointers are
// plain address arithmetic.
func (a *Allocator) AllocContiguous(n uint32) (Frame, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	if a.simulateOOM || n == 0 {
		return NoFrame, ErrOutOfMemory
	}

	for i := range a.pools {
		p := &a.pools[i]
		if p.freeCount < n {
			continue
		}
		runStart := p.startFrame
		run := uint32(0)
		for f := p.startFrame; f <= p.endFrame; f++ {
			if p.isFree(f) {
				if run == 0 {
					runStart = f
				}
				run++
				if run == n {
					for g := runStart; g <= f; g++ {
						p.setUsed(g)
					}
					a.reservedPages += n
					return runStart, nil
				}
			} else {
				run = 0
			}
		}
	}

	return NoFrame, ErrOutOfMemory
}

func (a *Allocator) alloc(cpu int, lowMem bool) (Frame, *kernel.Error) {
	a.lock.Acquire()

	if a.simulateOOM {
		a.lock.Release()
		if lowMem {
			return NoFrame, ErrNoLowMemFrame
		}
		return NoFrame, ErrOutOfMemory
	}

	if !lowMem && cpu >= 0 && cpu < len(a.percpu) {
		if c := &a.percpu[cpu]; c.n > 0 {
			c.n--
			f := c.frames[c.n]
			a.lock.Release()
			return f, nil
		}
	}

	for i := range a.pools {
		p := &a.pools[i]
		if p.freeCount == 0 {
			continue
		}
		if lowMem && uintptr(p.startFrame)<<mem.PageShift >= lowMemLimit {
			continue
		}
		for f := p.startFrame; f <= p.endFrame; f++ {
			if lowMem && f.Address() >= lowMemLimit {
				break
			}
			if p.isFree(f) {
				p.setUsed(f)
				a.reservedPages++
				a.lock.Release()
				return f, nil
			}
		}
	}

	a.lock.Release()
	if lowMem {
		return NoFrame, ErrNoLowMemFrame
	}
	return NoFrame, ErrOutOfMemory
}

// FreeFrame returns frame to the pool it belongs to. Freeing a frame that
// does not belong to any pool, or that is already free, is an invariant
// violation (spec §7) and panics. These checks run only when the frame
// goes back to the shared bitmap; a frame taken into the per-CPU cache is
// accepted unchecked.
func (a *Allocator) FreeFrame(cpu int, f Frame) {
	if !f.IsValid() {
		kernel.Panic(&kernel.Error{Module: "pmm", Message: "free of NoFrame"})
	}

	a.lock.Acquire()

	if cpu >= 0 && cpu < len(a.percpu) && !a.simulateOOM {
		c := &a.percpu[cpu]
		if c.n < perCPUCacheSize {
			c.frames[c.n] = f
			c.n++
			a.lock.Release()
			return
		}
	}

	for i := range a.pools {
		p := &a.pools[i]
		if f < p.startFrame || f > p.endFrame {
			continue
		}
		if p.isFree(f) {
			a.lock.Release()
			kernel.Panic(&kernel.Error{Module: "pmm", Message: "double free of frame"})
		}
		p.setFree(f)
		a.reservedPages--
		a.lock.Release()
		return
	}

	a.lock.Release()
	kernel.Panic(&kernel.Error{Module: "pmm", Message: "free of frame outside any pool"})
}

// Default is the system-wide frame allocator instance, initialized once
// during boot by Init (spec §9 Design Notes: "frames" is step one of the
// documented init order).
var Default Allocator
