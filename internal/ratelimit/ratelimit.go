// Package ratelimit serializes outbound requests to a fixed rate.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter grants at most one acquisition per interval across all
// concurrent callers, sharing a single clock behind one mutex. Callers
// queue FIFO-by-arrival at the mutex; there is no fairness guarantee
// beyond that.
type Limiter struct {
	mu          sync.Mutex
	minInterval time.Duration
	lastGrant   time.Time
}

// New creates a Limiter allowing requestsPerSecond acquisitions per
// second. Non-positive rates fall back to 1/s.
func New(requestsPerSecond float64) *Limiter {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 1
	}
	return &Limiter{
		minInterval: time.Duration(float64(time.Second) / requestsPerSecond),
	}
}

// Acquire blocks until at least the minimum interval has elapsed since
// the previous grant. It returns early with the context's error if the
// context is cancelled while waiting.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	wait := l.minInterval - now.Sub(l.lastGrant)

	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	l.lastGrant = time.Now()
	return nil
}

// Interval returns the minimum spacing between grants.
func (l *Limiter) Interval() time.Duration {
	return l.minInterval
}
