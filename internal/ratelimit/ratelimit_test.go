package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestLimiter_Spacing(t *testing.T) {
	// 10 req/s => 100ms between grants. Five sequential acquisitions
	// leave four gaps, so the total must be at least 400ms.
	l := New(10)

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := l.Acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	elapsed := time.Since(start)

	if elapsed < 400*time.Millisecond {
		t.Errorf("5 acquisitions took %v, want >= 400ms", elapsed)
	}
}

func TestLimiter_FirstAcquireImmediate(t *testing.T) {
	l := New(1)

	start := time.Now()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first acquire took %v, want immediate", elapsed)
	}
}

func TestLimiter_ConcurrentCallers(t *testing.T) {
	// 20 req/s => 50ms spacing. Four concurrent callers share the same
	// clock, so all four together need at least 150ms.
	l := New(20)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Acquire(context.Background()); err != nil {
				t.Errorf("acquire: %v", err)
			}
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if elapsed < 150*time.Millisecond {
		t.Errorf("4 concurrent acquisitions took %v, want >= 150ms", elapsed)
	}
}

func TestLimiter_ContextCancelled(t *testing.T) {
	l := New(1)

	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := l.Acquire(ctx)
	if err != context.DeadlineExceeded {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestLimiter_InvalidRate(t *testing.T) {
	l := New(0)
	if l.Interval() != time.Second {
		t.Errorf("expected 1s fallback interval, got %v", l.Interval())
	}
}
