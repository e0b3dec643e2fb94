package retry

import (
	"context"
	"math"
	"time"
)

// Policy bounds a retried call. MaxAttempts counts every invocation,
// including the first.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultPolicy mirrors the gateway defaults: three attempts, 2s base,
// doubling, capped at 30s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Multiplier:  2,
	}
}

// Notify is told about each retry before the backoff sleep. attempt is
// 1-based.
type Notify func(attempt int, err error, delay time.Duration)

// Backoff yields min(Max, Base × Multiplier^attempt) for successive attempts.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	attempt    int
}

func NewBackoff(p Policy) *Backoff {
	return &Backoff{Base: p.BaseDelay, Max: p.MaxDelay, Multiplier: p.Multiplier}
}

func (b *Backoff) Next() time.Duration {
	d := Delay(b.Base, b.Max, b.Multiplier, b.attempt)
	b.attempt++
	return d
}

func (b *Backoff) Reset() {
	b.attempt = 0
}

// Delay computes the capped exponential delay for a 0-based attempt.
func Delay(base, max time.Duration, multiplier float64, attempt int) time.Duration {
	if multiplier <= 0 {
		multiplier = 1
	}
	d := float64(base) * math.Pow(multiplier, float64(attempt))
	if max > 0 && d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// Do runs fn until it succeeds, fails permanently, or MaxAttempts is spent.
// The last error is returned on exhaustion. A cancelled ctx aborts the
// backoff sleep with ctx.Err().
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error), onRetry Notify) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := NewBackoff(p)

	var zero T
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !IsTransient(err) || attempt == attempts {
			return zero, err
		}
		if ctx.Err() != nil {
			return zero, err
		}

		delay := backoff.Next()
		if onRetry != nil {
			onRetry(attempt, err, delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
	}
	return zero, lastErr
}
