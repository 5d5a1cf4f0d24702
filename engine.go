package securemonitor

import (
	"unsafe"

	"github.com/rs/zerolog"
)

var shadowFrameSize = unsafe.Sizeof(ShadowFrame{})

func frameAt(addr uintptr) *ShadowFrame {
	return (*ShadowFrame)(unsafe.Pointer(addr))
}

// ShadowStackState describes one thread's shadow stack: start (the
// inclusive lowest slot), limit (one past the highest slot), and top (one
// past the last occupied slot; top == start means empty). The invariant
// start <= top <= limit always holds, and limit-start is a whole number of
// ShadowFrame slots.
type ShadowStackState struct {
	Start uintptr
	Top   uintptr
	Limit uintptr
}

// Empty reports whether the described shadow stack holds no entries.
func (s ShadowStackState) Empty() bool {
	return s.Top == s.Start
}

// ShadowStackEngine holds the active thread's shadow stack triple
// (current, top, limit) and implements the push-on-entry/verify-on-exit
// algorithm that is the core of the monitor's integrity guarantee.
type ShadowStackEngine struct {
	current uintptr
	top     uintptr
	limit   uintptr
	log     zerolog.Logger
}

// NewShadowStackEngine returns an engine with no active shadow stack
// loaded; Load must be called (typically by ThreadTable.CreateThread's
// bootstrap thread) before Push or Verify are meaningful.
func NewShadowStackEngine(log zerolog.Logger) *ShadowStackEngine {
	return &ShadowStackEngine{log: log}
}

// Empty reports whether the active shadow stack holds no entries.
func (e *ShadowStackEngine) Empty() bool {
	return e.top == e.current
}

// Current snapshots the engine's active triple without mutating it.
func (e *ShadowStackEngine) Current() ShadowStackState {
	return ShadowStackState{Start: e.current, Top: e.top, Limit: e.limit}
}

func (e *ShadowStackEngine) pushOne(newTop *uintptr, f ShadowFrame) {
	if *newTop+shadowFrameSize > e.limit {
		fatalf(e.log, "engine", "shadow stack overflow")
	}
	*frameAt(*newTop) = f
	*newTop += shadowFrameSize
}

func reverseFrames(lo, hi uintptr) {
	n := (hi - lo) / shadowFrameSize
	for i := uintptr(0); i < n/2; i++ {
		a := frameAt(lo + i*shadowFrameSize)
		b := frameAt(lo + (n-1-i)*shadowFrameSize)
		*a, *b = *b, *a
	}
}

// Push mirrors the frames the hardware built since the last matching
// Verify (or, for the innermost activation, since the shadow stack was
// last empty). It is invoked from the interrupt-entry gateway with the
// EXC_RETURN/MSP/PSP captured at the moment of the Secure-gateway
// crossing.
//
// If the shadow stack is empty, every frame the walker yields is pushed,
// innermost to outermost in walk order, then reversed in place so the
// on-stack order ends up innermost-last (innermost on top). If the shadow
// stack already holds entries, only the frames strictly inside the
// existing topmost entry's frame address are pushed — the walker is
// followed until its current frame address matches the existing top's
// frame address (stopping without pushing that frame) or the chain ends.
func (e *ShadowStackEngine) Push(entryPCs *EntryPCSet, mem MemoryReader, excReturn, msp, psp uint32) {
	walker := NewChainedFrameWalker(mem, excReturn, msp, psp)
	newTop := e.top

	if e.Empty() {
		for {
			e.pushOne(&newTop, walker.AsShadowFrame())
			if walker.MoveNext(entryPCs) != NextFrame {
				break
			}
		}
	} else {
		anchor := frameAt(e.top - shadowFrameSize).Frame
		for {
			if walker.Frame() == anchor {
				break
			}
			e.pushOne(&newTop, walker.AsShadowFrame())
			if walker.MoveNext(entryPCs) != NextFrame {
				break
			}
		}
	}

	reverseFrames(e.top, newTop)
	e.top = newTop
}

// Verify re-walks the chain starting from the EXC_RETURN saved atop the
// shadow stack and compares it, frame by frame, against what was pushed.
// Any mismatch — the walker disagreeing with the topmost shadow entry, or
// (when a second frame exists) with the entry below it — means an
// attacker has corrupted a return address and is fatal. On success it
// pops the topmost entry and returns its EXC_RETURN, which the caller
// feeds back to the CPU's exception-return sequence.
func (e *ShadowStackEngine) Verify(entryPCs *EntryPCSet, mem MemoryReader, msp, psp uint32) uint32 {
	if e.Empty() {
		fatalf(e.log, "engine", "shadow stack underflow on verify")
	}

	top1 := frameAt(e.top - shadowFrameSize)
	savedExcReturn := top1.ExcReturn

	walker := NewChainedFrameWalker(mem, savedExcReturn, msp, psp)
	if walker.AsShadowFrame() != *top1 {
		fatalf(e.log, "engine", "shadow frame mismatch: CFI violation detected")
	}

	if walker.MoveNext(entryPCs) == NextFrame {
		if e.top-e.current < 2*shadowFrameSize {
			fatalf(e.log, "engine", "secondary verify mismatch: shadow stack underflow")
		}
		top2 := frameAt(e.top - 2*shadowFrameSize)
		if walker.AsShadowFrame() != *top2 {
			fatalf(e.log, "engine", "secondary verify mismatch: CFI violation detected")
		}
	}

	e.top -= shadowFrameSize
	return savedExcReturn
}

// Save copies the engine's active triple into state — a pointer swap, not
// a copy of frame data — typically to record an outgoing thread's shadow
// stack before a context switch.
func (e *ShadowStackEngine) Save(state *ShadowStackState) {
	*state = e.Current()
}

// Load replaces the engine's active triple with state, typically to bring
// in an incoming thread's shadow stack during a context switch.
func (e *ShadowStackEngine) Load(state ShadowStackState) {
	e.current = state.Start
	e.top = state.Top
	e.limit = state.Limit
}

// InitThreadStack populates a freshly allocated shadow-stack region for a
// new thread. A thread created in the not-yet-running state gets exactly
// one synthetic ShadowFrame equal to sim, staged so the scheduler's first
// resume pops it like any other exception return; a thread created
// already running starts with an empty shadow stack.
func (e *ShadowStackEngine) InitThreadStack(region ShadowStackState, running bool, sim ShadowFrame) ShadowStackState {
	state := ShadowStackState{Start: region.Start, Top: region.Start, Limit: region.Limit}
	if !running {
		*frameAt(state.Start) = sim
		state.Top = state.Start + shadowFrameSize
	}
	return state
}
