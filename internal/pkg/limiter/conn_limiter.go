/*
Package limiter provides per-connection request rate limiting.

It utilizes the Token Bucket algorithm (rate.Limiter) to bound how many requests a
single connection may submit per second, and runs a cleanup goroutine that drops the
limiters of idle connections until its context ends.
*/
package limiter

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"chatty/internal/pkg/logx"
)

const cleanupInterval = 3 * time.Minute

// ConnLimiter keeps one token bucket per connection id.
// A nil *ConnLimiter allows everything.
type ConnLimiter struct {
	// mu is used to protect concurrent access to the limits map.
	mu sync.Mutex

	// limits stores the map from connection id to its *rate.Limiter.
	limits map[uint64]*rate.Limiter

	r rate.Limit
	b int
}

// NewConnLimiter returns a limiter allowing r requests per second with bursts of b.
// It returns nil when r is not positive, which disables limiting.
// The cleanup goroutine stops when ctx is done.
func NewConnLimiter(ctx context.Context, r float64, b int) *ConnLimiter {
	if r <= 0 {
		return nil
	}

	l := &ConnLimiter{
		limits: make(map[uint64]*rate.Limiter),
		r:      rate.Limit(r),
		b:      max(b, 1),
	}

	go l.cleanUp(ctx)

	return l
}

// Allow reports whether connection id may submit one more request now.
func (l *ConnLimiter) Allow(id uint64) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	limiter, ok := l.limits[id]
	if !ok {
		limiter = rate.NewLimiter(l.r, l.b)
		l.limits[id] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}

// Forget drops the state kept for a closed connection.
func (l *ConnLimiter) Forget(id uint64) {
	if l == nil {
		return
	}

	l.mu.Lock()
	delete(l.limits, id)
	l.mu.Unlock()
}

// Len returns the number of tracked connections.
func (l *ConnLimiter) Len() int {
	if l == nil {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limits)
}

// cleanUp periodically removes limiters whose bucket is full again, meaning the
// connection has been idle for at least a full refill.
func (l *ConnLimiter) cleanUp(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			removed := l.sweep(now)
			logx.Info("Rate limiter cleanup finished.", "removed", removed, "active", l.Len())
		}
	}
}

func (l *ConnLimiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := 0
	for id, limiter := range l.limits {
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(l.limits, id)
			count++
		}
	}
	return count
}
