package securemonitor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func entryPCsContaining(addrs ...uint32) *EntryPCSet {
	// Build a minimal EntryPCSet by hand: a single-stride set anchored at
	// the lowest address supplied, wide enough to cover every address.
	min := addrs[0]
	for _, a := range addrs {
		if a < min {
			min = a
		}
	}
	max := min
	for _, a := range addrs {
		if a > max {
			max = a
		}
	}
	return &EntryPCSet{start: min, length: max - min + 4, stride: 4}
}

func TestChainedFrameWalkerEndOfExceptionStack(t *testing.T) {
	mem := NewFakeMemory()
	// ModeBit set: the interrupted context resumes Thread mode.
	excReturn := excReturnModeBit | excReturnFTypeBit
	w := NewChainedFrameWalker(mem, excReturn, 0x8000, 0)

	require.Equal(t, EndOfExceptionStack, w.MoveNext(entryPCsContaining(0x200100)))
}

func TestChainedFrameWalkerEndOfChainedRun(t *testing.T) {
	mem := NewFakeMemory()
	mem.WriteFrame(0x8000, 0xDEADBEEF /* not a trampoline */, 0xFFFFFFFF)

	excReturn := excReturnFTypeBit // MSP, standard frame, not Thread mode
	w := NewChainedFrameWalker(mem, excReturn, 0x8000, 0)

	require.Equal(t, EndOfChainedRun, w.MoveNext(entryPCsContaining(0x200100)))
}

func TestChainedFrameWalkerMSPStandardFrameAdvance(t *testing.T) {
	mem := NewFakeMemory()
	mem.WriteFrame(0x8000, 0x200104, 0xFFFFFFFF)

	excReturn := excReturnFTypeBit // MSP, standard (32-byte) frame
	w := NewChainedFrameWalker(mem, excReturn, 0x8000, 0)

	require.Equal(t, uint32(0x8000), w.Frame())
	require.Equal(t, uint32(0x200104), w.PC())

	entryPCs := entryPCsContaining(0x200100, 0x200104, 0x200108)
	require.Equal(t, NextFrame, w.MoveNext(entryPCs))

	require.Equal(t, uint32(0xFFFFFFFF), w.ExcReturn())
	require.Equal(t, EndOfExceptionStack, w.MoveNext(entryPCs))
}

func TestChainedFrameWalkerPSPExtendedFrameAdvance(t *testing.T) {
	mem := NewFakeMemory()
	mem.WriteFrame(0x9000, 0x200100, excReturnModeBit|excReturnSPSELBit)

	// SPSEL set (PSP), FType clear (extended, 104-byte frame).
	excReturn := excReturnSPSELBit
	w := NewChainedFrameWalker(mem, excReturn, 0, 0x9000)

	require.Equal(t, uint32(0x9000), w.Frame())

	entryPCs := entryPCsContaining(0x200100)
	require.Equal(t, NextFrame, w.MoveNext(entryPCs))

	// The walker must have advanced PSP by the extended frame size and
	// re-selected PSP again (the new EXC_RETURN still has SPSEL set).
	require.Equal(t, uint32(0x9000+extendedFrameSize), w.Frame())
	require.Equal(t, excReturnModeBit|excReturnSPSELBit, w.ExcReturn())
}

func TestChainedFrameWalkerAsShadowFrame(t *testing.T) {
	mem := NewFakeMemory()
	mem.WriteFrame(0x8000, 0x200104, 0xFFFFFFFF)
	excReturn := excReturnFTypeBit

	w := NewChainedFrameWalker(mem, excReturn, 0x8000, 0)
	got := w.AsShadowFrame()
	want := ShadowFrame{PC: 0x200104, LR: 0xFFFFFFFF, ExcReturn: excReturn, Frame: 0x8000}
	require.Equal(t, want, got)
}
