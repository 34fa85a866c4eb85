package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestLimiter_Wait(t *testing.T) {
	t.Parallel()

	// 10 RPS with burst 1: the first call is immediate, the second waits ~100ms.
	l := New(Config{DefaultRPS: 10, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://catalog.test/foo"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	start := time.Now()
	if err := l.Wait(ctx, "https://catalog.test/bar"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}
}

func TestLimiter_HostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 1, DefaultBurst: 1})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://a.test/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// A different host has its own bucket and must not block.
	start := time.Now()
	if err := l.Wait(ctx, "https://b.test/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dur := time.Since(start); dur > 50*time.Millisecond {
		t.Errorf("expected independent bucket, waited %v", dur)
	}
}

func TestLimiter_WaitRespectsContext(t *testing.T) {
	t.Parallel()

	l := New(Config{DefaultRPS: 0.1, DefaultBurst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "https://slow.test/"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Wait(ctx, "https://slow.test/"); err == nil {
		t.Fatal("expected context deadline error")
	}
}

func TestLimiter_ZeroRPSIsUnlimited(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx := context.Background()
	start := time.Now()
	for range 100 {
		if err := l.Wait(ctx, "https://fast.test/"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if dur := time.Since(start); dur > 100*time.Millisecond {
		t.Errorf("expected unlimited waits, took %v", dur)
	}
}
