package securemonitor

// EXC_RETURN bit layout (Armv8-M). Only the bits the walker needs to
// interpret are named; the rest of the value (security state, default
// stacking, etc.) passes through unexamined.
const (
	// excReturnSPSELBit selects which stack pointer built the current
	// frame: 0 = MSP, 1 = PSP.
	excReturnSPSELBit uint32 = 1 << 2
	// excReturnModeBit is set when the exception returns to Thread mode
	// — the bottom of the exception stack.
	excReturnModeBit uint32 = 1 << 3
	// excReturnFTypeBit is set for a standard (integer-only) frame and
	// clear for an extended frame that also saved floating-point state.
	excReturnFTypeBit uint32 = 1 << 4
)

// Frame sizes in bytes, per the EXC_RETURN FType bit.
const (
	standardFrameSize uint32 = 32
	extendedFrameSize uint32 = 104
)

// Offsets, in words, of the saved registers of interest within an
// exception frame.
const (
	frameWordLR = 5
	frameWordPC = 6
)

// MoveResult tags why MoveNext stopped, or that it advanced: a single
// discriminated result combining the MODE-bit stop and the
// EntryPCSet-miss stop into one type instead of two booleans.
type MoveResult int

const (
	// NextFrame means the walker advanced to a new current frame.
	NextFrame MoveResult = iota
	// EndOfExceptionStack means the current EXC_RETURN returns to
	// Thread mode: there is nothing further to unwind.
	EndOfExceptionStack
	// EndOfChainedRun means the interrupted PC was not a recognized
	// exception-entry trampoline, so the walker cannot reliably descend
	// further: the interrupted context was ordinary software.
	EndOfChainedRun
)

// ChainedFrameWalker walks the chain of nested or tail-chained exception
// frames the CPU built while interrupts remained pending, given the
// EXC_RETURN, MSP, and PSP captured at the moment a Secure gateway was
// entered. It only reads through the supplied MemoryReader; it never
// writes to Non-Secure memory.
type ChainedFrameWalker struct {
	mem       MemoryReader
	msp       uint32
	psp       uint32
	excReturn uint32
	framePtr  uint32
}

// NewChainedFrameWalker starts a walk at the innermost (most recently
// taken) exception frame described by excReturn, msp, and psp.
func NewChainedFrameWalker(mem MemoryReader, excReturn, msp, psp uint32) *ChainedFrameWalker {
	w := &ChainedFrameWalker{mem: mem, msp: msp, psp: psp, excReturn: excReturn}
	w.framePtr = w.selectFrame()
	return w
}

func (w *ChainedFrameWalker) selectFrame() uint32 {
	if w.excReturn&excReturnSPSELBit != 0 {
		return w.psp
	}
	return w.msp
}

// PC returns the original (interrupted) program counter saved in the
// current frame.
func (w *ChainedFrameWalker) PC() uint32 {
	return w.mem.ReadWord(w.framePtr + frameWordPC*4)
}

// LR returns the original (interrupted) link register saved in the
// current frame.
func (w *ChainedFrameWalker) LR() uint32 {
	return w.mem.ReadWord(w.framePtr + frameWordLR*4)
}

// Frame returns the address of the current hardware exception frame.
func (w *ChainedFrameWalker) Frame() uint32 {
	return w.framePtr
}

// ExcReturn returns the EXC_RETURN value of the current frame's
// activation.
func (w *ChainedFrameWalker) ExcReturn() uint32 {
	return w.excReturn
}

// AsShadowFrame packages the walker's current position as a ShadowFrame.
func (w *ChainedFrameWalker) AsShadowFrame() ShadowFrame {
	return ShadowFrame{
		PC:        w.PC(),
		LR:        w.LR(),
		ExcReturn: w.excReturn,
		Frame:     w.framePtr,
	}
}

// MoveNext attempts to descend to the next-outer frame in the chain. It
// returns EndOfExceptionStack if the current EXC_RETURN resumes Thread
// mode, EndOfChainedRun if the interrupted PC is not a recognized
// exception-entry trampoline, or NextFrame once it has advanced.
func (w *ChainedFrameWalker) MoveNext(entryPCs *EntryPCSet) MoveResult {
	if w.excReturn&excReturnModeBit != 0 {
		return EndOfExceptionStack
	}
	if !entryPCs.Contains(w.PC()) {
		return EndOfChainedRun
	}

	nextExcReturn := w.LR()

	var frameSize uint32
	if w.excReturn&excReturnFTypeBit != 0 {
		frameSize = standardFrameSize
	} else {
		frameSize = extendedFrameSize
	}
	if w.excReturn&excReturnSPSELBit != 0 {
		w.psp += frameSize
	} else {
		w.msp += frameSize
	}

	w.excReturn = nextExcReturn
	w.framePtr = w.selectFrame()
	return NextFrame
}
