package securemonitor

import (
	"unsafe"

	"github.com/rs/zerolog"
)

// Thread is a monitor-owned per-thread record: the ShadowStackState that is
// authoritative while the thread is suspended, and stale (mirrored into the
// engine's active triple instead) while the thread runs. Threads are never
// torn down during a monitor's lifetime — the design knowingly omits thread
// teardown to keep the Secure attack surface minimal — so Thread carries no
// destructor-equivalent.
type Thread struct {
	inUse bool
	state ShadowStackState
}

// ThreadTable is the fixed-capacity (recommended 64, must be a power of
// two so an id can be masked rather than range-checked) table of Threads
// the GatewayAPI's CreateThread/ActivateThread operate on.
type ThreadTable struct {
	arena    *Arena
	engine   *ShadowStackEngine
	capacity int
	mask     int
	threads  []*Thread
	count    int
	active   int // -1 when no thread is active
	log      zerolog.Logger
}

// NewThreadTable returns an empty table of the given capacity, which must
// be a power of two.
func NewThreadTable(arena *Arena, engine *ShadowStackEngine, capacity int, log zerolog.Logger) *ThreadTable {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		fatalf(log, "threadtable", "capacity must be a power of two", "capacity", capacity)
	}
	return &ThreadTable{
		arena:    arena,
		engine:   engine,
		capacity: capacity,
		mask:     capacity - 1,
		threads:  make([]*Thread, capacity),
		active:   -1,
		log:      log,
	}
}

// CreateThread allocates a Thread record and a shadowStackBytes-sized
// shadow-stack region from the arena, stages its initial shadow stack, and
// assigns it the next free slot index. A thread created running=true is
// treated as the thread already executing at monitor startup and becomes
// the active thread immediately; at most one such bootstrap thread is
// expected per monitor lifetime.
func (t *ThreadTable) CreateThread(info CreateInfo, running bool, shadowStackBytes uintptr) (int, TCResult) {
	if t.count >= t.capacity {
		return 0, TCResultOutOfMemory
	}

	thread, _, err := allocateValue[Thread](t.arena)
	if err != nil {
		return 0, TCResultOutOfMemory
	}

	regionAlloc, err := t.arena.AllocateBytes(shadowStackBytes, unsafe.Alignof(ShadowFrame{}))
	if err != nil {
		return 0, TCResultOutOfMemory
	}

	region := ShadowStackState{
		Start: regionAlloc.Ptr,
		Top:   regionAlloc.Ptr,
		Limit: regionAlloc.Ptr + shadowStackBytes,
	}

	var sim ShadowFrame
	if !running {
		sim = ShadowFrame{
			PC:        info.InitialPC,
			LR:        info.InitialLR,
			ExcReturn: info.ExcReturn,
			Frame:     info.ExceptionFrame,
		}
	}

	thread.inUse = true
	thread.state = t.engine.InitThreadStack(region, running, sim)

	id := t.count
	t.threads[id] = thread
	t.count++

	if running {
		t.engine.Load(thread.state)
		t.active = id
	}

	return id, TCResultSuccess
}

// ActivateThread switches the engine's active shadow stack to the thread
// identified by id, first saving the outgoing thread's state. The id is
// masked against capacity-1 rather than range-checked.
func (t *ThreadTable) ActivateThread(id int) TCResult {
	idx := id & t.mask
	target := t.threads[idx]
	if target == nil || !target.inUse {
		return TCResultInvalidArgument
	}

	if t.active >= 0 {
		t.engine.Save(&t.threads[t.active].state)
	}
	t.engine.Load(target.state)
	t.active = idx

	return TCResultSuccess
}

// StateOf returns the ShadowStackState recorded for id: the live engine
// triple if id is the currently active thread, otherwise the thread's
// stored (suspended) state. It exists for inspection (tests, diagnostics)
// and has no effect on the engine.
func (t *ThreadTable) StateOf(id int) (ShadowStackState, bool) {
	idx := id & t.mask
	target := t.threads[idx]
	if target == nil || !target.inUse {
		return ShadowStackState{}, false
	}
	if idx == t.active {
		return t.engine.Current(), true
	}
	return target.state, true
}

// anyNonEmpty reports whether any suspended thread's shadow stack holds
// entries. It does not consider the currently active thread; callers that
// need the full picture also check the engine's own Empty().
func (t *ThreadTable) anyNonEmpty() bool {
	for i, th := range t.threads {
		if th == nil || !th.inUse || i == t.active {
			continue
		}
		if !th.state.Empty() {
			return true
		}
	}
	return false
}
