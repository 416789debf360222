package heap

import "unsafe"

// nodeHeader is the 8-byte header prefixing every node (free or
// allocated) in a group. The top bit is the allocated tag; the
// remaining bits hold the node's data size in bytes (spec §3 "Heap
// group": a 1-bit tag plus a size field, widened here from the spec's
// 31-bit size to fit naturally in a word this host can address without
// misaligning the data that follows).
type nodeHeader uint64

const allocatedBit = uint64(1) << 63

func (h nodeHeader) size() uint64   { return uint64(h) &^ allocatedBit }
func (h nodeHeader) allocated() bool { return uint64(h)&allocatedBit != 0 }

func makeHeader(size uint64, allocated bool) nodeHeader {
	if allocated {
		return nodeHeader(size | allocatedBit)
	}
	return nodeHeader(size)
}

// headerSize is the on-disk size of a nodeHeader.
const headerSize = uint64(unsafe.Sizeof(nodeHeader(0)))

// freeHook is the intrusive doubly-linked-list hook stored in the data
// region of a free node, address-sorted across the whole group (spec §3
// invariant: "Free nodes are linked in an intrusive doubly-linked list
// ordered by address").
type freeHook struct {
	prev, next uintptr // addresses of neighbouring nodes' headers, or 0
}

// hookSize is the minimum data size a node must have to host a freeHook;
// it is also, per spec §3, the minimum allocation size the allocator
// will ever hand out ("so a reused node can rejoin the list").
const hookSize = uint64(unsafe.Sizeof(freeHook{}))

func headerAt(addr uintptr) *nodeHeader {
	return (*nodeHeader)(unsafe.Pointer(addr))
}

func hookAt(addr uintptr) *freeHook {
	return (*freeHook)(unsafe.Pointer(addr + uintptr(headerSize)))
}

func dataAddr(nodeAddr uintptr) uintptr {
	return nodeAddr + uintptr(headerSize)
}
