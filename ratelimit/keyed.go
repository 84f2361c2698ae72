package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Factory builds the limiter for a new key.
type Factory func(key string) (Limiter, error)

// SlidingWindowFactory returns a Factory creating one sliding window per
// key, each named after its key.
func SlidingWindowFactory(maxCalls int, window time.Duration, opts ...Option) Factory {
	return func(key string) (Limiter, error) {
		o := append(append([]Option{}, opts...), WithName(key))
		return NewSlidingWindow(maxCalls, window, o...)
	}
}

// TokenBucketFactory returns a Factory creating one token bucket per key.
func TokenBucketFactory(maxCalls int, window time.Duration, burst int, opts ...Option) Factory {
	return func(key string) (Limiter, error) {
		o := append(append([]Option{}, opts...), WithName(key))
		return NewTokenBucket(maxCalls, window, burst, o...)
	}
}

// KeyedLimiter lazily creates an independent limiter per key, for limits
// scoped to a user, an IP address or an API token. Keys are kept until
// Remove; callers keyed on unbounded values such as client IPs should
// Remove idle keys themselves.
type KeyedLimiter struct {
	mu       sync.Mutex
	factory  Factory
	limiters map[string]Limiter
}

// NewKeyedLimiter creates a keyed limiter.
func NewKeyedLimiter(factory Factory) *KeyedLimiter {
	return &KeyedLimiter{
		factory:  factory,
		limiters: make(map[string]Limiter),
	}
}

// Get returns the limiter for key, creating it on first use.
func (k *KeyedLimiter) Get(key string) (Limiter, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if l, ok := k.limiters[key]; ok {
		return l, nil
	}
	l, err := k.factory(key)
	if err != nil {
		return nil, err
	}
	k.limiters[key] = l
	return l, nil
}

// Acquire blocks until tokens calls for key are admitted.
func (k *KeyedLimiter) Acquire(ctx context.Context, key string, tokens int) error {
	l, err := k.Get(key)
	if err != nil {
		return err
	}
	return l.Acquire(ctx, tokens)
}

// TryAcquire admits tokens calls for key without waiting.
func (k *KeyedLimiter) TryAcquire(key string, tokens int) error {
	l, err := k.Get(key)
	if err != nil {
		return err
	}
	return l.TryAcquire(tokens)
}

// Available returns the room left for key. Unseen keys report the full
// capacity of a fresh limiter and are not tracked.
func (k *KeyedLimiter) Available(key string) int {
	k.mu.Lock()
	l, ok := k.limiters[key]
	k.mu.Unlock()
	if ok {
		return l.Available()
	}

	fresh, err := k.factory(key)
	if err != nil {
		return 0
	}
	return fresh.Available()
}

// Remove forgets key; its next use starts a fresh limiter.
func (k *KeyedLimiter) Remove(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.limiters, key)
}

// Keys returns the keys seen so far, sorted.
func (k *KeyedLimiter) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()
	keys := make([]string, 0, len(k.limiters))
	for key := range k.limiters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
