package securemonitor

import (
	"testing"
	"unsafe"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestEngineWithStack(t *testing.T, capacityBytes uintptr) (*ShadowStackEngine, *Arena) {
	t.Helper()
	arena := NewArena(4096, zerolog.Nop())
	alloc, err := arena.AllocateBytes(capacityBytes, unsafe.Alignof(ShadowFrame{}))
	require.NoError(t, err)

	e := NewShadowStackEngine(zerolog.Nop())
	e.Load(ShadowStackState{Start: alloc.Ptr, Top: alloc.Ptr, Limit: alloc.Ptr + capacityBytes})
	return e, arena
}

func TestShadowStackEnginePushSingleFrameThenVerifyPops(t *testing.T) {
	e, _ := newTestEngineWithStack(t, 128)
	require.True(t, e.Empty())

	mem := NewFakeMemory()
	mem.WriteFrame(0x8000, 0x200104, 0)

	entryPCs := entryPCsContaining(0x200100, 0x200104, 0x200108)

	// ModeBit set: this single activation returns directly to Thread mode,
	// so Push mirrors exactly one frame.
	excReturn := excReturnModeBit | excReturnFTypeBit
	e.Push(entryPCs, mem, excReturn, 0x8000, 0)
	require.False(t, e.Empty())

	popped := e.Verify(entryPCs, mem, 0x8000, 0)
	require.Equal(t, excReturn, popped)
	require.True(t, e.Empty())
}

// TestShadowStackEnginePushChainedFramesOrder covers a two-level tail
// chain: the innermost frame (A) interrupted an entry trampoline running in
// the outer activation (B), and B interrupted ordinary Thread-mode code.
// Push must mirror both frames with A on top (innermost last).
func TestShadowStackEnginePushChainedFramesOrder(t *testing.T) {
	e, _ := newTestEngineWithStack(t, 128)

	mem := NewFakeMemory()
	const frameA, frameB = uint32(0x8000), uint32(0x8020)
	excReturnB := excReturnModeBit | excReturnFTypeBit
	excReturnA := excReturnFTypeBit

	mem.WriteFrame(frameA, 0x200104, excReturnB) // A's LR chains to B's activation
	mem.WriteFrame(frameB, 0x500000, 0)          // B resumes ordinary Thread-mode code

	entryPCs := entryPCsContaining(0x200100, 0x200104, 0x200108)

	e.Push(entryPCs, mem, excReturnA, frameA, 0)

	state := e.Current()
	require.Equal(t, state.Start+2*shadowFrameSize, state.Top, "both chained frames must be pushed")

	top := frameAt(state.Top - shadowFrameSize)
	require.Equal(t, frameA, top.Frame, "the innermost frame must end up on top")

	below := frameAt(state.Top - 2*shadowFrameSize)
	require.Equal(t, frameB, below.Frame)
}

func TestShadowStackEngineVerifyDetectsTamperedReturnAddress(t *testing.T) {
	e, _ := newTestEngineWithStack(t, 128)

	mem := NewFakeMemory()
	mem.WriteFrame(0x8000, 0x200104, 0)
	entryPCs := entryPCsContaining(0x200100, 0x200104, 0x200108)

	excReturn := excReturnModeBit | excReturnFTypeBit
	e.Push(entryPCs, mem, excReturn, 0x8000, 0)

	// Simulate an attacker overwriting the saved return address in place.
	mem.WriteWord(0x8000+frameWordPC*4, 0xDEADBEEF)

	require.Panics(t, func() {
		e.Verify(entryPCs, mem, 0x8000, 0)
	})
}

func TestShadowStackEngineVerifyUnderflowFatal(t *testing.T) {
	e, _ := newTestEngineWithStack(t, 128)
	require.True(t, e.Empty())

	mem := NewFakeMemory()
	entryPCs := entryPCsContaining(0x200100)

	require.Panics(t, func() {
		e.Verify(entryPCs, mem, 0, 0)
	})
}

func TestShadowStackEnginePushIncrementalOnNonEmptyStack(t *testing.T) {
	e, _ := newTestEngineWithStack(t, 128)

	mem := NewFakeMemory()
	const frameA = uint32(0x8000)
	mem.WriteFrame(frameA, 0x200104, 0)
	entryPCs := entryPCsContaining(0x200100, 0x200104, 0x200108)

	firstExcReturn := excReturnModeBit | excReturnFTypeBit
	e.Push(entryPCs, mem, firstExcReturn, frameA, 0)
	afterFirstPush := e.Current().Top

	// A second interrupt nests inside the first: a new innermost frame C at
	// frameA-32, whose LR chains back to the already-recorded activation at
	// frameA, so Push must stop without re-pushing A.
	const frameC = frameA - 32
	excReturn := excReturnFTypeBit
	mem.WriteFrame(frameC, 0x200100, excReturn)

	e.Push(entryPCs, mem, excReturn, frameC, 0)

	require.Equal(t, afterFirstPush+shadowFrameSize, e.Current().Top, "only the new frame C should have been pushed")
	top := frameAt(e.Current().Top - shadowFrameSize)
	require.Equal(t, frameC, top.Frame)
}

func TestShadowStackStateEmpty(t *testing.T) {
	s := ShadowStackState{Start: 100, Top: 100, Limit: 200}
	require.True(t, s.Empty())

	s.Top = 132
	require.False(t, s.Empty())
}
