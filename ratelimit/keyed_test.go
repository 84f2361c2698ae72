package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyedLimiter_IndependentKeys(t *testing.T) {
	k := NewKeyedLimiter(SlidingWindowFactory(2, time.Minute))

	for i := 0; i < 2; i++ {
		if err := k.TryAcquire("alice", 1); err != nil {
			t.Fatalf("alice acquire %d failed: %v", i+1, err)
		}
	}
	if err := k.TryAcquire("alice", 1); !errors.Is(err, ErrRateLimitExceeded) {
		t.Errorf("expected alice to be limited, got %v", err)
	}
	if err := k.TryAcquire("bob", 1); err != nil {
		t.Errorf("bob should be unaffected, got %v", err)
	}

	if got := k.Available("alice"); got != 0 {
		t.Errorf("expected 0 for alice, got %d", got)
	}
	if got := k.Available("carol"); got != 2 {
		t.Errorf("expected full capacity for new key, got %d", got)
	}
}

func TestKeyedLimiter_AvailableDoesNotTrackKey(t *testing.T) {
	k := NewKeyedLimiter(SlidingWindowFactory(3, time.Minute))

	if got := k.Available("203.0.113.7"); got != 3 {
		t.Errorf("expected 3 for unseen key, got %d", got)
	}
	if keys := k.Keys(); len(keys) != 0 {
		t.Errorf("expected no tracked keys after Available, got %v", keys)
	}

	_ = k.TryAcquire("203.0.113.7", 1)
	if got := k.Available("203.0.113.7"); got != 2 {
		t.Errorf("expected 2 after one admission, got %d", got)
	}
}

func TestKeyedLimiter_GetReturnsSameLimiter(t *testing.T) {
	k := NewKeyedLimiter(TokenBucketFactory(10, time.Second, 0))

	a, err := k.Get("alice")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	b, _ := k.Get("alice")
	if a != b {
		t.Error("expected the same limiter for the same key")
	}
}

func TestKeyedLimiter_NamesErrorsByKey(t *testing.T) {
	k := NewKeyedLimiter(SlidingWindowFactory(1, time.Minute))
	l, _ := k.Get("10.0.0.1")
	if w, ok := l.(*SlidingWindow); !ok || w.Name() != "10.0.0.1" {
		t.Errorf("expected sliding window named after key, got %T", l)
	}
}

func TestKeyedLimiter_RemoveAndKeys(t *testing.T) {
	k := NewKeyedLimiter(SlidingWindowFactory(1, time.Hour))

	_ = k.Acquire(context.Background(), "b", 1)
	_ = k.Acquire(context.Background(), "a", 1)

	keys := k.Keys()
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("expected [a b], got %v", keys)
	}

	k.Remove("a")
	if err := k.TryAcquire("a", 1); err != nil {
		t.Errorf("expected fresh limiter after Remove, got %v", err)
	}
}

func TestKeyedLimiter_FactoryError(t *testing.T) {
	k := NewKeyedLimiter(SlidingWindowFactory(0, time.Minute))

	if err := k.TryAcquire("alice", 1); !errors.Is(err, ErrInvalidCapacity) {
		t.Errorf("expected factory error, got %v", err)
	}
	if got := k.Available("alice"); got != 0 {
		t.Errorf("expected 0 on factory error, got %d", got)
	}
	if len(k.Keys()) != 0 {
		t.Error("failed keys should not be remembered")
	}
}
