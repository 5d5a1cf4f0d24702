package securemonitor

import (
	"sync/atomic"
	"unsafe"
)

// MemoryReader is the capability the ChainedFrameWalker and EntryPCSet use
// to read a 32-bit word from an address they do not own. The walker never
// writes through it; it only reads, and only to discover exception frames
// the hardware has already built. Splitting this out as an interface lets
// production code satisfy it with volatile reads through real addresses,
// while tests satisfy it with an in-memory buffer.
type MemoryReader interface {
	ReadWord(addr uint32) uint32
}

// VolatileMemory reads words directly from the process's address space. In
// a real Secure-world build the monitor and the Non-Secure code it
// inspects share one physical address space (partitioned by SAU/IDAU, not
// by virtual memory), so a plain volatile load is the correct — and only
// — way to observe Non-Secure state. It is provided for completeness; the
// test suite uses FakeMemory instead so that scenarios are deterministic
// and do not depend on process memory layout.
type VolatileMemory struct{}

// ReadWord loads the 32-bit word at addr with volatile semantics (the
// compiler may not reorder or elide this load).
func (VolatileMemory) ReadWord(addr uint32) uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(uintptr(addr))))
}

// FakeMemory is an in-memory stand-in for Non-Secure memory, addressed the
// same way the real hardware is: by absolute 32-bit word address. Tests
// populate it with WriteWord/WriteFrame and hand it to the walker in place
// of VolatileMemory.
type FakeMemory map[uint32]uint32

// NewFakeMemory returns an empty FakeMemory ready for WriteWord/WriteFrame.
func NewFakeMemory() FakeMemory {
	return make(FakeMemory)
}

// ReadWord returns the word stored at addr, or zero if nothing was ever
// written there.
func (m FakeMemory) ReadWord(addr uint32) uint32 {
	return m[addr]
}

// WriteWord stores a single word at addr.
func (m FakeMemory) WriteWord(addr, value uint32) {
	m[addr] = value
}

// WriteFrame lays out an exception frame at base as the hardware would:
// pc at word offset 6, lr at word offset 5. The remaining words of the
// frame (r0-r3, r12, xPSR, and the extended FP registers) are outside the
// scope of a shadow exception stack and are left untouched.
func (m FakeMemory) WriteFrame(base, pc, lr uint32) {
	m.WriteWord(base+5*4, lr)
	m.WriteWord(base+6*4, pc)
}
