package ratelimit

import (
	"testing"
	"time"
)

func TestLimiter_Allow(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 2})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	for i := range 2 {
		if ok, _ := l.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d rejected inside burst", i)
		}
	}
	ok, wait := l.Allow("10.0.0.1")
	if ok {
		t.Fatal("expected third request to be limited")
	}
	if wait <= 0 || wait > time.Second {
		t.Fatalf("expected retry hint within a second, got %v", wait)
	}

	now = now.Add(time.Second)
	if ok, _ := l.Allow("10.0.0.1"); !ok {
		t.Fatal("expected a token after one second")
	}
}

func TestLimiter_DifferentClients(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 1, Burst: 1})
	if ok, _ := l.Allow("a"); !ok {
		t.Fatal("client a rejected")
	}
	// Client b should not be blocked by a.
	if ok, _ := l.Allow("b"); !ok {
		t.Fatal("client b blocked unexpectedly")
	}
	if got := l.Len(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	if l.Enabled() {
		t.Fatal("expected limiter to be disabled")
	}
	for range 100 {
		if ok, _ := l.Allow("a"); !ok {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestLimiter_Sweep(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 5, Burst: 5, IdleTTL: time.Minute})
	now := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time { return now }

	l.Allow("old")
	now = now.Add(2 * time.Minute)
	l.Allow("fresh")

	if removed := l.Sweep(); removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if got := l.Len(); got != 1 {
		t.Fatalf("expected 1 client left, got %d", got)
	}
}
