package securemonitor

import "github.com/rs/zerolog"

// TCResult is the taxonomy of recoverable outcomes a gateway call returns
// to Non-Secure code. Fatal conditions never surface as a TCResult; they
// panic (see fatalf).
type TCResult int

const (
	TCResultSuccess TCResult = iota
	TCResultOutOfMemory
	TCResultUnprivileged
	TCResultInvalidArgument
	TCResultInvalidOperation
)

// String renders a TCResult for logging and test failure messages.
func (r TCResult) String() string {
	switch r {
	case TCResultSuccess:
		return "Success"
	case TCResultOutOfMemory:
		return "OutOfMemory"
	case TCResultUnprivileged:
		return "Unprivileged"
	case TCResultInvalidArgument:
		return "InvalidArgument"
	case TCResultInvalidOperation:
		return "InvalidOperation"
	default:
		return "Unknown"
	}
}

// CreateInfo mirrors the original TCThreadCreateInfo ABI structure.
type CreateInfo struct {
	// Flags is reserved; specify zero.
	Flags uint32
	// StackSize is the requested shadow-stack size in entries. It is
	// preserved for forward compatibility but not honored: the actual
	// allocation always uses the monitor's configured
	// Config.ShadowStackBytes (see SPEC_FULL.md Open Question (c)).
	StackSize uint16
	// InitialPC must match the PC in the simulated exception frame.
	InitialPC uint32
	// InitialLR must match the LR in the simulated exception frame.
	InitialLR uint32
	// ExcReturn is the EXC_RETURN value in the simulated exception frame.
	ExcReturn uint32
	// ExceptionFrame is the address of the simulated exception frame.
	ExceptionFrame uint32
}

// Default policy values. The arena and per-thread shadow-stack sizes are
// deployment policy, not part of the gateway protocol; ThreadTableCapacity
// matches the recommended table size for a single Cortex-M core.
const (
	DefaultArenaSize           = 8192
	DefaultShadowStackBytes    = 128
	DefaultThreadTableCapacity = 64
	DefaultEntryPCStride       = 4
)

// Config parameterizes a Monitor's fixed resource sizes.
type Config struct {
	ArenaSize           uintptr
	ShadowStackBytes    uintptr
	ThreadTableCapacity int
	EntryPCStride       uint32
}

// DefaultConfig returns a reasonable reference sizing: an 8 KiB arena,
// 128-byte (8-slot) per-thread shadow stacks, and a 64-entry thread table.
func DefaultConfig() Config {
	return Config{
		ArenaSize:           DefaultArenaSize,
		ShadowStackBytes:    DefaultShadowStackBytes,
		ThreadTableCapacity: DefaultThreadTableCapacity,
		EntryPCStride:       DefaultEntryPCStride,
	}
}

// Monitor is the single capability record the gateway layer holds and
// every internal component borrows, in place of process-wide globals for
// the active shadow stack, the thread table, the arena, and the entry-PC
// set.
type Monitor struct {
	mu       Mutex
	cfg      Config
	log      zerolog.Logger
	arena    *Arena
	engine   *ShadowStackEngine
	threads  *ThreadTable
	entryPCs *EntryPCSet
	locked   bool
}

// NewMonitor constructs a Monitor with the given configuration. log may be
// the zero value (a disabled zerolog.Logger); every fatal diagnostic is
// then simply discarded, matching environments with no attached UART/trace
// sink.
func NewMonitor(cfg Config, log zerolog.Logger) *Monitor {
	m := &Monitor{cfg: cfg, log: log}
	m.arena = NewArena(cfg.ArenaSize, log)
	m.engine = NewShadowStackEngine(log)
	m.threads = NewThreadTable(m.arena, m.engine, cfg.ThreadTableCapacity, log)
	m.entryPCs = NewEntryPCSet(cfg.EntryPCStride)
	return m
}

// Initialize parses the Non-Secure vector table at vectorTableBase and
// populates the monitor's EntryPCSet. It is Secure-only (not part of the
// Non-Secure-callable gateway surface) and must be called exactly once
// before any interrupt can be taken.
func (m *Monitor) Initialize(mem MemoryReader, vectorTableBase uint32) {
	m.entryPCs.Initialize(mem, vectorTableBase, m.log)
}

// Reset rewinds the arena and reinitializes the thread table. Callers must
// recreate all threads afterward.
func (m *Monitor) Reset() TCResult {
	guard, ok := TryLockGuard(&m.mu)
	if !ok {
		return TCResultInvalidOperation
	}
	defer guard.Unlock()

	if m.locked {
		return TCResultUnprivileged
	}

	m.arena.Reset()
	m.threads = NewThreadTable(m.arena, m.engine, m.cfg.ThreadTableCapacity, m.log)
	return TCResultSuccess
}

// copyInfo takes a single, deliberate copy of info before any field of it
// is consumed. It stands in for the original gateway's
// `*(TCThreadCreateInfo const *volatile)pCreateInfo` cast: the defense
// against a Non-Secure caller racing to mutate shared-memory-backed input
// after it has been validated but before it has been used (TOCTOU).
func copyInfo(info CreateInfo) CreateInfo {
	return info
}

// CreateThread creates a new thread. isRunning selects between an empty
// initial shadow stack (the thread is already executing) and a single
// simulated ShadowFrame staged from info (the scheduler will resume it via
// a pre-staged exception return).
func (m *Monitor) CreateThread(info CreateInfo, isRunning bool) (int, TCResult) {
	guard, ok := TryLockGuard(&m.mu)
	if !ok {
		return 0, TCResultInvalidOperation
	}
	defer guard.Unlock()

	if m.locked {
		return 0, TCResultUnprivileged
	}

	info = copyInfo(info)
	return m.threads.CreateThread(info, isRunning, m.cfg.ShadowStackBytes)
}

// ActivateThread switches the active shadow stack to the given thread,
// saving the outgoing thread's state first.
func (m *Monitor) ActivateThread(id int) TCResult {
	guard, ok := TryLockGuard(&m.mu)
	if !ok {
		return TCResultInvalidOperation
	}
	defer guard.Unlock()

	if m.locked {
		return TCResultUnprivileged
	}

	return m.threads.ActivateThread(id)
}

// Lockdown performs the one-way transition after which every subsequent
// Reset/CreateThread/ActivateThread fails with TCResultUnprivileged.
//
// Lockdown itself fails with TCResultInvalidOperation if any shadow
// stack — the active one or any suspended thread's — is currently
// non-empty, since that means an interrupt activation is mid-flight
// (between its Push and its matching Verify) and the monitor's
// bookkeeping is not in a quiescent state to freeze.
func (m *Monitor) Lockdown() TCResult {
	guard, ok := TryLockGuard(&m.mu)
	if !ok {
		return TCResultInvalidOperation
	}
	defer guard.Unlock()

	if m.locked {
		return TCResultUnprivileged
	}

	if !m.engine.Empty() || m.threads.anyNonEmpty() {
		return TCResultInvalidOperation
	}

	m.locked = true
	return TCResultSuccess
}

// Push mirrors the frames built since interrupt entry onto the active
// shadow stack. It is invoked from the (Secure-only) interrupt-entry
// trampoline contract, not the Non-Secure-callable gateway surface, and so
// is not guarded by the try-lock: exception-entry/exit trampolines run at
// handler priority and cannot be re-entered by lower-priority code that
// would itself call a gateway function.
func (m *Monitor) Push(mem MemoryReader, excReturn, msp, psp uint32) {
	m.engine.Push(m.entryPCs, mem, excReturn, msp, psp)
}

// Verify re-walks and compares the active shadow stack's topmost entry (and,
// if present, the one below it) against freshly captured machine state,
// popping on success and returning the EXC_RETURN the caller completes the
// CPU's exception-return sequence with.
func (m *Monitor) Verify(mem MemoryReader, msp, psp uint32) uint32 {
	return m.engine.Verify(m.entryPCs, mem, msp, psp)
}
