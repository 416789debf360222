// Package heap implements the kernel heap allocator of spec.md §4.3: a
// global list of page-granularity groups, each hosting an
// address-sorted, eagerly-coalescing, first-fit free list. It is a
// from-scratch counterpart to gopher-os's kernel/mem/pmm style
// allocator-over-a-lower-layer pattern and to cznic/memory's
// page-and-free-list design, adapted to the spec's exact node/group
// algorithm and to this core's heap<->vmm<->ipm dependency rules (spec
// §9).
package heap

import (
	"smpcore/kernel"
	"smpcore/mem"
	"smpcore/mem/pmm"
	"smpcore/mem/vmm"
	ksync "smpcore/sync"
)

// ErrOutOfMemory describes the condition where neither an existing group
// nor a freshly grown one can satisfy a request. Kmalloc does not return
// it: it reports that condition by returning 0.
var ErrOutOfMemory = &kernel.Error{Module: "heap", Message: "kmalloc: out of memory"}

const align = uint64(8)

func roundUp8(n uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// Heap is a single global kmalloc/kfree arena. One instance, Default, is
// wired up at boot; the type exists mainly so tests can run several
// independent heaps without touching process-wide state.
type Heap struct {
	lock ksync.Spinlock

	groups *group
	total  uint64

	simulateOOM bool

	as       *vmm.AddressSpace
	allocPT  vmm.FrameAllocatorFn
	freePT   vmm.FrameFreeFn
	virtBase uintptr
}

// Init wires the heap to the address space it grows into and the
// single-frame allocator/free functions used for page-table bookkeeping
// by vmm.Map/Unmap. virtBase is the first virtual address the heap may
// claim groups from (kernel-half, picked by the caller to avoid
// colliding with other kernel regions).
func (h *Heap) Init(as *vmm.AddressSpace, allocPT vmm.FrameAllocatorFn, freePT vmm.FrameFreeFn, virtBase uintptr) {
	h.groups = nil
	h.total = 0
	h.simulateOOM = false
	h.as = as
	h.allocPT = allocPT
	h.freePT = freePT
	h.virtBase = virtBase
}

// SetOOMSimulation forces kmalloc to fail (spec §4.3 test hook).
func (h *Heap) SetOOMSimulation(enabled bool) {
	h.lock.Acquire()
	h.simulateOOM = enabled
	h.lock.Release()
}

// TotalAllocated returns the number of bytes currently live across every
// outstanding kmalloc allocation, counted by node data size (a request
// rounded up to a whole free node counts the whole node).
func (h *Heap) TotalAllocated() uint64 {
	h.lock.Acquire()
	defer h.lock.Release()
	return h.total
}

// Kmalloc reserves size zeroed bytes and returns their address, or 0 if
// the request cannot be satisfied.
func (h *Heap) Kmalloc(cpu int, size uint64) uintptr {
	if size == 0 {
		return 0
	}
	need := roundUp8(size)
	if need < hookSize {
		need = hookSize
	}

	h.lock.Acquire()
	if h.simulateOOM {
		h.lock.Release()
		return 0
	}

	if addr, ok := h.findAndSplit(need); ok {
		h.total += headerAt(addr).size()
		h.lock.Release()
		mem.Memset(dataAddr(addr), 0, mem.Size(need))
		return dataAddr(addr)
	}
	h.lock.Release()

	newGrp, err := h.growGroup(cpu, need)
	if err != nil {
		return 0
	}

	h.lock.Acquire()
	if addr, ok := h.findAndSplit(need); ok {
		// Another CPU (or the growth itself, on a later failed path)
		// already created room; discard the group we just grew.
		h.total += headerAt(addr).size()
		h.lock.Release()
		h.shrinkGroup(cpu, newGrp)
		mem.Memset(dataAddr(addr), 0, mem.Size(need))
		return dataAddr(addr)
	}

	newGrp.next = h.groups
	if h.groups != nil {
		h.groups.prev = newGrp
	}
	h.groups = newGrp

	addr, ok := h.findAndSplit(need)
	if ok {
		h.total += headerAt(addr).size()
	}
	h.lock.Release()
	if !ok {
		// Can only happen if need exceeds the page-rounded group size,
		// which growGroup sizes to avoid.
		kernel.Panic(&kernel.Error{Module: "heap", Message: "freshly grown group cannot satisfy its own request"})
	}
	mem.Memset(dataAddr(addr), 0, mem.Size(need))
	return dataAddr(addr)
}

// findAndSplit must be called with h.lock held. It walks every group's
// free list first-fit and, on a hit, either hands out the whole free
// node (when the remainder would be smaller than hookSize) or splits it.
func (h *Heap) findAndSplit(need uint64) (uintptr, bool) {
	for g := h.groups; g != nil; g = g.next {
		cur := g.freeHead
		for cur != 0 {
			avail := headerAt(cur).size()
			next := hookAt(cur).next
			if avail >= need {
				g.removeFree(cur)
				remainder := avail - need
				if remainder < headerSize+hookSize {
					*headerAt(cur) = makeHeader(avail, true)
				} else {
					*headerAt(cur) = makeHeader(need, true)
					freeAddr := cur + uintptr(headerSize+need)
					*headerAt(freeAddr) = makeHeader(remainder-headerSize, false)
					hookAt(freeAddr).prev, hookAt(freeAddr).next = 0, 0
					g.insertFree(freeAddr)
				}
				return cur, true
			}
			cur = next
		}
	}
	return 0, false
}

// Kfree releases the allocation whose data starts at ptr.
func (h *Heap) Kfree(cpu int, ptr uintptr) {
	if ptr == 0 {
		return
	}
	nodeAddr := ptr - uintptr(headerSize)

	h.lock.Acquire()
	g := h.findOwningGroup(nodeAddr)
	if g == nil {
		h.lock.Release()
		kernel.Panic(&kernel.Error{Module: "heap", Message: "kfree of pointer outside any group"})
	}
	if !headerAt(nodeAddr).allocated() {
		h.lock.Release()
		kernel.Panic(&kernel.Error{Module: "heap", Message: "double free"})
	}

	size := headerAt(nodeAddr).size()
	*headerAt(nodeAddr) = makeHeader(size, false)
	hookAt(nodeAddr).prev, hookAt(nodeAddr).next = 0, 0
	g.insertFree(nodeAddr)
	h.total -= size

	empty := g.isEmpty()
	if empty {
		h.unlinkGroup(g)
	}
	h.lock.Release()

	if empty {
		h.shrinkGroup(cpu, g)
	}
}

func (h *Heap) findOwningGroup(addr uintptr) *group {
	for g := h.groups; g != nil; g = g.next {
		if g.contains(addr) {
			return g
		}
	}
	return nil
}

func (h *Heap) unlinkGroup(g *group) {
	if g.prev != nil {
		g.prev.next = g.next
	} else {
		h.groups = g.next
	}
	if g.next != nil {
		g.next.prev = g.prev
	}
}

// groupOverhead bounds the bookkeeping (two node headers) a newly grown
// group must have room for on top of the caller's request.
const groupOverhead = 2 * headerSize

// growGroup provisions a brand-new group sized to contain need bytes
// plus bookkeeping, mapping it into h.as. It must be called without
// h.lock held (spec §4.3: "drop the heap lock, ask the ASM...").
func (h *Heap) growGroup(cpu int, need uint64) (*group, *kernel.Error) {
	npages := mem.Size(need + groupOverhead).Pages()
	if npages == 0 {
		npages = 1
	}

	base, err := pmmAllocContiguous(npages)
	if err != nil {
		return nil, err
	}

	virt, err := vmm.FindContiguousUnmapped(h.as, h.virtBase, npages)
	if err != nil {
		pmmFreeContiguous(cpu, base, npages, h.freePT)
		return nil, err
	}

	if err := vmm.Map(cpu, h.as, base.Address(), virt, mem.Size(npages)*mem.PageSize, vmm.FlagWrite, h.allocPT, h.freePT); err != nil {
		pmmFreeContiguous(cpu, base, npages, h.freePT)
		return nil, err
	}

	return newGroup(base.Address(), virt, npages, uint64(mem.PageSize)), nil
}

// shrinkGroup returns an empty (or never-used) group's pages to the ASM
// and its frames to the frame allocator. Called without h.lock held, for
// the same reason growGroup is.
func (h *Heap) shrinkGroup(cpu int, g *group) {
	_ = vmm.Unmap(cpu, h.as, g.virt, mem.Size(g.npages)*mem.PageSize, true, h.freePT)
}

// pmmAllocContiguous and pmmFreeContiguous are the only two points where
// this package talks to the concrete frame allocator directly (every
// other physical-frame concern flows through the vmm.FrameAllocatorFn
// abstraction already threaded through growGroup/shrinkGroup).
var pmmAllocContiguousFn = func(n uint32) (pmm.Frame, *kernel.Error) {
	return pmm.Default.AllocContiguous(n)
}

func pmmAllocContiguous(n uint32) (pmm.Frame, *kernel.Error) {
	return pmmAllocContiguousFn(n)
}

func pmmFreeContiguous(cpu int, base pmm.Frame, n uint32, free vmm.FrameFreeFn) {
	for i := uint32(0); i < n; i++ {
		free(cpu, base+pmm.Frame(i))
	}
}

// Default is the system-wide heap instance (spec §9: "frames -> kernel
// AS -> heap -> IPM -> scheduler").
var Default Heap
