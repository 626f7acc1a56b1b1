// Package ratelimit provides keyed request rate limiting for connection
// admission. Keys are usually remote IP addresses, but any string works.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter is consulted once per connection attempt. Implementations must be
// safe for concurrent use by many sessions.
type Limiter interface {
	// IsAllowed reports whether the key has budget remaining in the
	// current window.
	IsAllowed(ctx context.Context, key string) (bool, error)

	// RecordRequest consumes one unit of the key's budget.
	RecordRequest(ctx context.Context, key string) error
}

// WindowType selects the accounting strategy for a WindowLimiter.
type WindowType string

const (
	// WindowFixed counts requests in consecutive non-overlapping windows.
	// Cheap, but allows up to 2x the limit across a window boundary.
	WindowFixed WindowType = "fixed"

	// WindowSliding tracks request timestamps and counts those within the
	// trailing window.
	WindowSliding WindowType = "sliding"
)

type entry struct {
	// fixed window accounting
	windowStart time.Time
	count       int

	// sliding window accounting
	stamps []time.Time

	lastSeen time.Time
}

// WindowLimiter is a keyed fixed- or sliding-window rate limiter. Entries
// are allocated lazily on first observation and reaped by a periodic sweep
// once every timestamp in them has aged out of the window.
type WindowLimiter struct {
	window      time.Duration
	maxRequests int
	windowType  WindowType

	mu      sync.Mutex
	entries map[string]*entry

	stop     chan struct{}
	stopOnce sync.Once

	// now is replaceable for tests.
	now func() time.Time
}

// NewWindowLimiter creates a limiter allowing maxRequests per window per key
// and starts the background sweep. Callers must Close it when done.
func NewWindowLimiter(windowType WindowType, window time.Duration, maxRequests int) *WindowLimiter {
	l := &WindowLimiter{
		window:      window,
		maxRequests: maxRequests,
		windowType:  windowType,
		entries:     make(map[string]*entry),
		stop:        make(chan struct{}),
		now:         time.Now,
	}
	go l.sweep()
	return l
}

// IsAllowed reports whether key has budget remaining. It does not consume
// any budget.
func (l *WindowLimiter) IsAllowed(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return l.maxRequests > 0, nil
	}
	return l.remaining(e, l.now()) > 0, nil
}

// RecordRequest consumes one unit of key's budget, allocating the entry on
// first observation.
func (l *WindowLimiter) RecordRequest(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		e = &entry{windowStart: now}
		l.entries[key] = e
	}
	e.lastSeen = now

	switch l.windowType {
	case WindowSliding:
		e.stamps = pruneStamps(e.stamps, now.Add(-l.window))
		e.stamps = append(e.stamps, now)
	default:
		if now.Sub(e.windowStart) >= l.window {
			e.windowStart = now
			e.count = 0
		}
		e.count++
	}

	return nil
}

// Remaining returns the number of requests key may still make in the
// current window.
func (l *WindowLimiter) Remaining(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[key]
	if !ok {
		return l.maxRequests
	}
	return l.remaining(e, l.now())
}

// remaining computes the unused budget for an entry. Caller holds mu.
func (l *WindowLimiter) remaining(e *entry, now time.Time) int {
	var used int
	switch l.windowType {
	case WindowSliding:
		cutoff := now.Add(-l.window)
		for _, ts := range e.stamps {
			if ts.After(cutoff) {
				used++
			}
		}
	default:
		if now.Sub(e.windowStart) < l.window {
			used = e.count
		}
	}

	if used >= l.maxRequests {
		return 0
	}
	return l.maxRequests - used
}

// Close stops the background sweep. Safe to call more than once.
func (l *WindowLimiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

// sweep periodically removes entries whose every recorded timestamp is
// older than the window.
func (l *WindowLimiter) sweep() {
	ticker := time.NewTicker(l.window)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.reap()
		}
	}
}

func (l *WindowLimiter) reap() {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, e := range l.entries {
		if e.lastSeen.Before(cutoff) {
			delete(l.entries, key)
		}
	}
}

func pruneStamps(stamps []time.Time, cutoff time.Time) []time.Time {
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	return kept
}
