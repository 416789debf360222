package heap

// group is a contiguous run of virtually-mapped pages hosting a
// first-fit, address-sorted, eagerly-coalescing free list (spec §3, §4.3).
type group struct {
	next, prev *group // global group list link

	base    uintptr // first byte of the group's data (real, dereferenceable address)
	virt    uintptr // the kernel virtual address the ASM installed this group at
	size    uint64  // total usable bytes in the group (excludes nothing; the group IS its node space)
	free    uint64  // sum of free-node data sizes; spec invariant (b)
	npages  uint32
	freeHead uintptr // address of the first free node's header, address-sorted; 0 if none
}

// newGroup carves a single free node spanning the whole group.
func newGroup(base, virt uintptr, npages uint32, pageSize uint64) *group {
	size := uint64(npages) * pageSize
	g := &group{base: base, virt: virt, size: size, npages: npages}
	*headerAt(base) = makeHeader(size-headerSize, false)
	h := hookAt(base)
	h.prev, h.next = 0, 0
	g.freeHead = base
	g.free = size - headerSize
	return g
}

// contains reports whether addr (a node's header address) falls within
// this group's span.
func (g *group) contains(addr uintptr) bool {
	return addr >= g.base && addr < g.base+uintptr(g.size)
}

// insertFree inserts the free node at addr into the address-sorted free
// list, then coalesces it with an immediately-adjacent predecessor
// and/or successor (spec §4.3 kfree algorithm; eager coalescing per §3).
func (g *group) insertFree(addr uintptr) {
	var prevAddr, nextAddr uintptr
	cur := g.freeHead
	for cur != 0 && cur < addr {
		prevAddr = cur
		cur = hookAt(cur).next
	}
	nextAddr = cur

	h := hookAt(addr)
	h.prev, h.next = prevAddr, nextAddr
	if prevAddr != 0 {
		hookAt(prevAddr).next = addr
	} else {
		g.freeHead = addr
	}
	if nextAddr != 0 {
		hookAt(nextAddr).prev = addr
	}

	g.free += headerAt(addr).size()
	g.coalesce(addr)
}

// removeFree unlinks the free node at addr from the free list without
// touching its header.
func (g *group) removeFree(addr uintptr) {
	h := hookAt(addr)
	if h.prev != 0 {
		hookAt(h.prev).next = h.next
	} else {
		g.freeHead = h.next
	}
	if h.next != 0 {
		hookAt(h.next).prev = h.prev
	}
	g.free -= headerAt(addr).size()
}

// coalesce merges the free node at addr with its immediate successor
// and/or predecessor in the free list if they are physically adjacent.
func (g *group) coalesce(addr uintptr) {
	h := hookAt(addr)

	if next := h.next; next != 0 && addr+uintptr(headerSize+headerAt(addr).size()) == next {
		nextSize := headerAt(next).size()
		g.removeFree(next)
		*headerAt(addr) = makeHeader(headerAt(addr).size()+headerSize+nextSize, false)
		g.free += headerSize + nextSize
	}

	h = hookAt(addr)
	if prev := h.prev; prev != 0 && prev+uintptr(headerSize+headerAt(prev).size()) == addr {
		addrSize := headerAt(addr).size()
		g.removeFree(addr)
		*headerAt(prev) = makeHeader(headerAt(prev).size()+headerSize+addrSize, false)
		g.free += headerSize + addrSize
	}
}

// isEmpty reports whether the whole group is a single free node, i.e.
// the group hosts no live allocations and can be returned to the ASM.
func (g *group) isEmpty() bool {
	return g.freeHead == g.base && headerAt(g.base).size() == g.size-headerSize
}
