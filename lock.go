package securemonitor

import "sync/atomic"

// Mutex is a non-blocking, single-holder spin-try primitive. It never
// blocks: the monitor has no scheduler to yield to, so a blocking mutex
// would deadlock the only Secure hardware thread. A gateway call that
// cannot acquire the lock reports TCResultInvalidOperation instead of
// waiting — this is the monitor's sole defense against a Non-Secure caller
// re-entering a gateway function in violation of the cooperative-scheduling
// contract it assumes.
type Mutex struct {
	locked atomic.Bool
}

// TryLock attempts to acquire the lock, returning false immediately on
// failure. It never retries.
func (m *Mutex) TryLock() bool {
	return !m.locked.Swap(true)
}

// Unlock releases the lock unconditionally.
func (m *Mutex) Unlock() {
	m.locked.Store(false)
}

// LockGuard holds a lock acquired via TryLockGuard and releases it exactly
// once, however the caller's code path exits, including panic unwinding.
type LockGuard struct {
	mu *Mutex
}

// TryLockGuard attempts to acquire mu. On success it returns a guard whose
// Unlock must be deferred by the caller; on failure it returns (nil,
// false) and the caller must treat the gateway call as rejected.
func TryLockGuard(mu *Mutex) (*LockGuard, bool) {
	if !mu.TryLock() {
		return nil, false
	}
	return &LockGuard{mu: mu}, true
}

// Unlock releases the guarded mutex. Only the first call releases it;
// later calls on the same guard, and calls on a nil guard, do nothing. It
// is normally invoked via defer immediately after a successful
// TryLockGuard.
func (g *LockGuard) Unlock() {
	if g == nil || g.mu == nil {
		return
	}
	g.mu.Unlock()
	g.mu = nil
}
