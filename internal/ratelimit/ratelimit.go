package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sweepEvery = 5 * time.Minute
	idleAfter  = 10 * time.Minute
)

// Limiter applies a per-user token bucket. A zero rate disables limiting.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*userLimiter
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter allowing perMinute requests per user with the given
// burst. A burst below 1 is raised to 1.
func New(perMinute float64, burst int) *Limiter {
	l := &Limiter{limiters: make(map[string]*userLimiter), now: time.Now}
	l.SetLimits(perMinute, burst)
	return l
}

// SetLimits replaces the rate and burst. Existing buckets start over.
func (l *Limiter) SetLimits(perMinute float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rate = rate.Limit(perMinute / 60)
	l.burst = burst
	l.limiters = make(map[string]*userLimiter)
}

func (l *Limiter) Enabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rate > 0
}

// Allow consumes a token for userID. When the bucket is empty it returns
// false and how long until the next token.
func (l *Limiter) Allow(userID string) (bool, time.Duration) {
	l.mu.Lock()
	if l.rate <= 0 {
		l.mu.Unlock()
		return true, 0
	}
	now := l.now()
	u, ok := l.limiters[userID]
	if !ok {
		u = &userLimiter{lim: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[userID] = u
	}
	u.lastSeen = now
	l.mu.Unlock()

	r := u.lim.ReserveN(now, 1)
	if !r.OK() {
		return false, 0
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		return false, d
	}
	return true, 0
}

// Sweep drops buckets idle for longer than idleAfter.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-idleAfter)
	n := 0
	for id, u := range l.limiters {
		if u.lastSeen.Before(cutoff) {
			delete(l.limiters, id)
			n++
		}
	}
	return n
}

// Run sweeps idle buckets until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
