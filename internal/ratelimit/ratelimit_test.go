package ratelimit

import (
	"context"
	"testing"
	"time"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.t = c.t.Add(d)
}

func newTestLimiter(t *testing.T, wt WindowType, window time.Duration, max int) (*WindowLimiter, *fakeClock) {
	t.Helper()

	l := NewWindowLimiter(wt, window, max)
	t.Cleanup(l.Close)

	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l.now = clock.Now
	return l, clock
}

func TestFixedWindowAllowsUpToLimit(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, WindowFixed, time.Minute, 3)

	for i := 0; i < 3; i++ {
		ok, err := l.IsAllowed(ctx, "10.0.0.1")
		if err != nil {
			t.Fatalf("IsAllowed() error = %v", err)
		}
		if !ok {
			t.Fatalf("request %d denied, want allowed", i+1)
		}
		if err := l.RecordRequest(ctx, "10.0.0.1"); err != nil {
			t.Fatalf("RecordRequest() error = %v", err)
		}
	}

	ok, err := l.IsAllowed(ctx, "10.0.0.1")
	if err != nil {
		t.Fatalf("IsAllowed() error = %v", err)
	}
	if ok {
		t.Error("4th request allowed, want denied")
	}
}

func TestFixedWindowResets(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(t, WindowFixed, time.Minute, 1)

	_ = l.RecordRequest(ctx, "10.0.0.1")
	if ok, _ := l.IsAllowed(ctx, "10.0.0.1"); ok {
		t.Fatal("expected denial within window")
	}

	clock.Advance(61 * time.Second)

	if ok, _ := l.IsAllowed(ctx, "10.0.0.1"); !ok {
		t.Error("expected allowance after window elapsed")
	}
}

func TestSlidingWindowExpiresOldRequests(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(t, WindowSliding, time.Minute, 2)

	_ = l.RecordRequest(ctx, "10.0.0.1")
	clock.Advance(30 * time.Second)
	_ = l.RecordRequest(ctx, "10.0.0.1")

	if ok, _ := l.IsAllowed(ctx, "10.0.0.1"); ok {
		t.Fatal("expected denial with 2 requests in window")
	}

	// First request ages out, second is still inside the window.
	clock.Advance(31 * time.Second)

	if ok, _ := l.IsAllowed(ctx, "10.0.0.1"); !ok {
		t.Error("expected allowance after oldest request aged out")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, WindowSliding, time.Minute, 1)

	_ = l.RecordRequest(ctx, "10.0.0.1")

	if ok, _ := l.IsAllowed(ctx, "10.0.0.1"); ok {
		t.Error("expected denial for exhausted key")
	}
	if ok, _ := l.IsAllowed(ctx, "10.0.0.2"); !ok {
		t.Error("expected allowance for fresh key")
	}
}

func TestRemaining(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(t, WindowSliding, time.Minute, 5)

	if got := l.Remaining("10.0.0.1"); got != 5 {
		t.Errorf("Remaining() = %d before any requests, want 5", got)
	}

	_ = l.RecordRequest(ctx, "10.0.0.1")
	_ = l.RecordRequest(ctx, "10.0.0.1")

	if got := l.Remaining("10.0.0.1"); got != 3 {
		t.Errorf("Remaining() = %d after 2 requests, want 3", got)
	}
}

func TestReapRemovesStaleEntries(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(t, WindowFixed, time.Minute, 10)

	_ = l.RecordRequest(ctx, "10.0.0.1")
	_ = l.RecordRequest(ctx, "10.0.0.2")

	clock.Advance(2 * time.Minute)
	l.reap()

	l.mu.Lock()
	n := len(l.entries)
	l.mu.Unlock()

	if n != 0 {
		t.Errorf("entries after reap = %d, want 0", n)
	}
}

func TestCanceledContext(t *testing.T) {
	l, _ := newTestLimiter(t, WindowFixed, time.Minute, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := l.IsAllowed(ctx, "10.0.0.1"); err == nil {
		t.Error("IsAllowed() with canceled context: want error")
	}
	if err := l.RecordRequest(ctx, "10.0.0.1"); err == nil {
		t.Error("RecordRequest() with canceled context: want error")
	}
}
