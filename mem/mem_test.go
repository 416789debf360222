package mem

import (
	"testing"
	"unsafe"
)

func TestSizePages(t *testing.T) {
	specs := []struct {
		size Size
		want uint32
	}{
		{0, 0},
		{1, 1},
		{PageSize, 1},
		{PageSize + 1, 2},
		{3 * PageSize, 3},
	}
	for _, s := range specs {
		if got := s.size.Pages(); got != s.want {
			t.Errorf("Size(%d).Pages() = %d, want %d", s.size, got, s.want)
		}
	}
}

func TestMemsetAndMemcopy(t *testing.T) {
	var buf [64]byte
	addr := uintptr(unsafe.Pointer(&buf[0]))

	Memset(addr, 0xAB, Size(len(buf)))
	for i, b := range buf {
		if b != 0xAB {
			t.Fatalf("buf[%d] = %#x, want 0xab", i, b)
		}
	}

	var dst [64]byte
	Memcopy(addr, uintptr(unsafe.Pointer(&dst[0])), Size(len(dst)))
	for i, b := range dst {
		if b != 0xAB {
			t.Fatalf("dst[%d] = %#x, want 0xab", i, b)
		}
	}
}
