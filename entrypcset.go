package securemonitor

import "github.com/rs/zerolog"

// Vector-table word 0 packs a size and a signature into one machine word:
// the signature occupies the high half-word, the size the low half-word.
// The layout is fixed by the hardware contract rather than discovered at
// runtime, so it is decoded with plain masks.
const (
	vectorTableSignatureMask uint32 = 0xFFFF0000
	vectorTableSizeMask      uint32 = 0x0000FFFF
	vectorTableSignature     uint32 = 0xBEEF0000

	minVectorTableSize = 2
	maxVectorTableSize = 256
)

// EntryPCSet recognizes which instruction addresses are exception-entry
// trampolines: an interval [start, start+length) with a fixed stride S,
// the compile-time instruction size of each trampoline contracted with the
// Non-Secure build. It is populated once from a Non-Secure vector table
// and never mutated afterward.
type EntryPCSet struct {
	start  uint32
	length uint32
	stride uint32
}

// NewEntryPCSet returns an EntryPCSet that will use stride once
// Initialize populates it. Contains returns false for every address until
// Initialize has run.
func NewEntryPCSet(stride uint32) *EntryPCSet {
	return &EntryPCSet{stride: stride}
}

// Initialize parses a Non-Secure vector table at tableBase through mem.
// Word 0 encodes (signature | size); words [2, size) must be trampoline
// entry points spaced by the configured stride, with the Thumb bit set on
// the first one. Any violation of the contracted layout is fatal: it
// means the assumption this component's entire security property rests on
// — that trampoline addresses are exactly where the Non-Secure build
// promised — no longer holds.
func (e *EntryPCSet) Initialize(mem MemoryReader, tableBase uint32, log zerolog.Logger) {
	word0 := mem.ReadWord(tableBase)
	signature := word0 & vectorTableSignatureMask
	size := word0 & vectorTableSizeMask

	if signature != vectorTableSignature {
		fatalf(log, "entrypcset", "vector table signature mismatch",
			"got", signature, "want", vectorTableSignature)
	}
	if size < minVectorTableSize || size > maxVectorTableSize {
		fatalf(log, "entrypcset", "vector table size out of range", "size", size)
	}
	if size == minVectorTableSize {
		e.start = 0
		e.length = 0
		return
	}

	start := mem.ReadWord(tableBase + 2*4)
	if start&1 == 0 {
		fatalf(log, "entrypcset", "trampoline entry point missing Thumb bit", "start", start)
	}

	for i := uint32(2); i < size; i++ {
		want := start + (i-2)*e.stride
		got := mem.ReadWord(tableBase + i*4)
		if got != want {
			fatalf(log, "entrypcset", "trampoline layout not contiguous",
				"index", i, "got", got, "want", want)
		}
	}

	e.start = start &^ 1
	e.length = (size - minVectorTableSize) * e.stride
}

// Contains reports whether pc is an exception-entry trampoline address.
func (e *EntryPCSet) Contains(pc uint32) bool {
	if e.length == 0 || pc < e.start {
		return false
	}
	diff := pc - e.start
	return diff < e.length && diff%e.stride == 0
}
