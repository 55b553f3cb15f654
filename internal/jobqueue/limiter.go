package jobqueue

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most max starts per fixed window. Windows are aligned to
// the first start after the previous window expired.
type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	start  time.Time
	count  int
	now    func() time.Time
}

// NewLimiter returns a fixed-window limiter. A non-positive max disables limiting.
func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{max: max, window: window, now: time.Now}
}

// Reserve takes a slot if one is free and returns 0, or returns how long to
// wait before the current window ends.
func (l *Limiter) Reserve() time.Duration {
	if l == nil || l.max <= 0 || l.window <= 0 {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.start.IsZero() || now.Sub(l.start) >= l.window {
		l.start = now
		l.count = 0
	}
	if l.count < l.max {
		l.count++
		return 0
	}
	return l.window - now.Sub(l.start)
}

// Refund returns a slot taken by Reserve that did not lead to a start.
func (l *Limiter) Refund() {
	if l == nil || l.max <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.count > 0 {
		l.count--
	}
}

// Wait blocks until a slot is reserved or ctx ends.
func (l *Limiter) Wait(ctx context.Context) error {
	for {
		delay := l.Reserve()
		if delay <= 0 {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
