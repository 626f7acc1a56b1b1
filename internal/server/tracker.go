package server

import (
	"sync"

	"golang.org/x/sync/semaphore"
)

// ConnectionTracker enforces the global and per-IP concurrent connection
// limits. Admission acquires one permit from the global semaphore and one
// from the remote IP's semaphore; both are returned through the Handle.
//
// Per-IP entries are reference counted and removed when the last Handle for
// that IP is released, so the map only holds IPs with live connections.
type ConnectionTracker struct {
	global   *semaphore.Weighted
	maxPerIP int64

	mu    sync.Mutex
	perIP map[string]*ipEntry
}

type ipEntry struct {
	sem  *semaphore.Weighted
	refs int
}

// NewConnectionTracker creates a tracker allowing maxConnections live
// connections globally and maxPerIP per remote IP.
func NewConnectionTracker(maxConnections, maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{
		global:   semaphore.NewWeighted(int64(maxConnections)),
		maxPerIP: int64(maxPerIP),
		perIP:    make(map[string]*ipEntry),
	}
}

// TryAcquire attempts to admit a connection from remoteIP without blocking.
// It returns nil if either the global or the per-IP limit is reached. The
// global permit is taken first and returned if the per-IP permit cannot be
// acquired, so a saturated IP never holds global capacity.
func (t *ConnectionTracker) TryAcquire(remoteIP string) *Handle {
	if !t.global.TryAcquire(1) {
		return nil
	}

	t.mu.Lock()
	e, ok := t.perIP[remoteIP]
	if !ok {
		e = &ipEntry{sem: semaphore.NewWeighted(t.maxPerIP)}
		t.perIP[remoteIP] = e
	}

	if !e.sem.TryAcquire(1) {
		if e.refs == 0 {
			delete(t.perIP, remoteIP)
		}
		t.mu.Unlock()
		t.global.Release(1)
		return nil
	}
	e.refs++
	t.mu.Unlock()

	return &Handle{tracker: t, remoteIP: remoteIP}
}

// Count returns the number of live connections from remoteIP.
func (t *ConnectionTracker) Count(remoteIP string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.perIP[remoteIP]; ok {
		return e.refs
	}
	return 0
}

// release returns the permits taken by TryAcquire, per-IP first then global.
func (t *ConnectionTracker) release(remoteIP string) {
	t.mu.Lock()
	if e, ok := t.perIP[remoteIP]; ok {
		e.sem.Release(1)
		e.refs--
		if e.refs == 0 {
			delete(t.perIP, remoteIP)
		}
	}
	t.mu.Unlock()

	t.global.Release(1)
}

// Handle is a scoped lease on a (global, per-IP) admission slot pair.
// Release is idempotent; a second call is a no-op.
type Handle struct {
	tracker  *ConnectionTracker
	remoteIP string
	once     sync.Once
}

// Release returns the admission slots held by this handle.
func (h *Handle) Release() {
	h.once.Do(func() {
		h.tracker.release(h.remoteIP)
	})
}

// RemoteIP returns the IP this handle was acquired for.
func (h *Handle) RemoteIP() string {
	return h.remoteIP
}
