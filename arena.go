package securemonitor

import (
	"errors"
	"unsafe"

	"github.com/rs/zerolog"
)

// ErrOutOfMemory is returned by Arena.AllocateBytes when the arena cannot
// satisfy a request: the requested alignment or size would overflow the
// bump cursor, or the new high-water mark would exceed the arena's
// capacity.
var ErrOutOfMemory = errors.New("securemonitor: arena out of memory")

// Allocation describes a live region handed out by an Arena. pad records
// the bytes consumed by alignment rounding so Deallocate can reverse the
// bump exactly; callers otherwise treat it as opaque.
type Allocation struct {
	Ptr  uintptr
	Size uintptr
	Pad  uintptr
}

// Arena is a fixed-capacity bump allocator: every allocation advances a
// single top cursor, and Deallocate only ever rewinds it, and only for the
// most recently issued live allocation. There is no general-purpose heap in
// Secure memory; every piece of monitor-owned state (Thread records,
// per-thread shadow-stack regions) comes from an Arena.
type Arena struct {
	buf []byte
	top uintptr
	log zerolog.Logger
}

// NewArena allocates a backing buffer of the given size on the Go heap and
// returns an Arena that bumps within it. size must be greater than zero.
func NewArena(size uintptr, log zerolog.Logger) *Arena {
	if size == 0 {
		fatalf(log, "arena", "arena size must be greater than zero")
	}
	return &Arena{buf: make([]byte, size), log: log}
}

func isPowerOfTwo(v uintptr) bool {
	return v != 0 && v&(v-1) == 0
}

func alignUp(v, align uintptr) (aligned uintptr, overflowed bool) {
	aligned = (v + align - 1) &^ (align - 1)
	return aligned, aligned < v
}

func (a *Arena) base() uintptr {
	return uintptr(unsafe.Pointer(&a.buf[0]))
}

// AllocateBytes rounds the current cursor up to align, then reserves size
// bytes past that point. It fails with ErrOutOfMemory if rounding or the
// subsequent add overflows, or if the new cursor would exceed the arena's
// capacity. align must be a power of two; a request of alignment 1 never
// pads.
func (a *Arena) AllocateBytes(size, align uintptr) (Allocation, error) {
	if !isPowerOfTwo(align) {
		fatalf(a.log, "arena", "alignment must be a power of two", "align", align)
	}

	topAligned, overflowed := alignUp(a.top, align)
	if overflowed {
		return Allocation{}, ErrOutOfMemory
	}
	pad := topAligned - a.top

	newTop := topAligned + size
	if newTop < topAligned {
		return Allocation{}, ErrOutOfMemory
	}
	if newTop > uintptr(len(a.buf)) {
		return Allocation{}, ErrOutOfMemory
	}

	ptr := a.base() + topAligned
	a.top = newTop
	return Allocation{Ptr: ptr, Size: size, Pad: pad}, nil
}

// Deallocate rewinds the arena past alloc, which must be the most recently
// issued still-live allocation (stack order). Any other deallocation order
// indicates a programming error in the monitor itself and is fatal.
func (a *Arena) Deallocate(alloc Allocation) {
	base := a.base()
	originalTopAligned := alloc.Ptr - base
	originalTop := originalTopAligned - alloc.Pad
	expectedTop := originalTopAligned + alloc.Size

	if expectedTop != a.top {
		fatalf(a.log, "arena", "deallocate out of order",
			"expected_top", uint64(expectedTop), "actual_top", uint64(a.top))
	}

	a.top = originalTop
}

// Reset rewinds the arena to empty without running any destructors;
// callers must ensure no live references into the arena remain.
func (a *Arena) Reset() {
	a.top = 0
}

// allocateValue reserves space for one T from a and returns a pointer to
// the storage, which the arena does not initialize (bytes reused after
// Reset keep their previous contents), plus the
// Allocation needed to deallocate it later. It is the Go analogue of the
// original LinearAllocator::Allocate<T>().
func allocateValue[T any](a *Arena) (*T, Allocation, error) {
	var zero T
	alloc, err := a.AllocateBytes(unsafe.Sizeof(zero), unsafe.Alignof(zero))
	if err != nil {
		return nil, Allocation{}, err
	}
	return (*T)(unsafe.Pointer(alloc.Ptr)), alloc, nil
}
