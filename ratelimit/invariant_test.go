package ratelimit

import (
	"math/rand"
	"testing"
	"time"
)

// driveRandom calls tryAcquire at random intervals and returns the time of
// every admitted token.
func driveRandom(clock *manualClock, steps, maxTokens int, tryAcquire func(int) error) []time.Time {
	rng := rand.New(rand.NewSource(42))
	var admitted []time.Time
	for i := 0; i < steps; i++ {
		clock.Advance(time.Duration(rng.Intn(150)) * time.Millisecond)
		tokens := 1 + rng.Intn(maxTokens)
		if err := tryAcquire(tokens); err == nil {
			for j := 0; j < tokens; j++ {
				admitted = append(admitted, clock.Now())
			}
		}
	}
	return admitted
}

// assertWindowCounts fails if any window-long interval ending at an
// admission holds more than limit admissions.
func assertWindowCounts(t *testing.T, admitted []time.Time, window time.Duration, limit int) {
	t.Helper()
	if len(admitted) == 0 {
		t.Fatal("nothing admitted")
	}
	for i, end := range admitted {
		n := 0
		for j := i; j >= 0 && admitted[j].After(end.Add(-window)); j-- {
			n++
		}
		for j := i + 1; j < len(admitted) && admitted[j].Equal(end); j++ {
			n++
		}
		if n > limit {
			t.Fatalf("%d admissions in window ending %v, limit %d", n, end, limit)
		}
	}
}

func TestTokenBucket_WindowInvariant(t *testing.T) {
	const maxCalls = 5
	window := time.Second

	for _, burst := range []int{0, 1, 3, maxCalls} {
		clock := newManualClock()
		b, err := NewTokenBucket(maxCalls, window, burst, WithClock(clock.Now))
		if err != nil {
			t.Fatalf("burst %d: %v", burst, err)
		}
		maxTokens := burst
		if maxTokens < 1 {
			maxTokens = 1
		}
		admitted := driveRandom(clock, 2000, maxTokens, b.TryAcquire)
		// One token of slack over the exact window.
		assertWindowCounts(t, admitted, window, maxCalls+1)
	}
}

func TestTokenBucket_SteadyCallsPerWindow(t *testing.T) {
	clock := newManualClock()
	b, _ := NewTokenBucket(10, time.Second, 0, WithClock(clock.Now))

	start := clock.Now()
	admitted := 0
	for clock.Now().Before(start.Add(time.Second)) {
		if b.TryAcquire(1) == nil {
			admitted++
		}
		clock.Advance(10 * time.Millisecond)
	}
	if admitted > 11 {
		t.Errorf("admitted %d calls in one window, limit 10", admitted)
	}
	if admitted < 10 {
		t.Errorf("admitted only %d calls in one window, expected the full rate", admitted)
	}
}

func TestMemoryLimiter_BoundWindowInvariant(t *testing.T) {
	const maxCalls = 5
	window := time.Second

	clock := newManualClock()
	m := NewMemoryLimiter(WithClock(clock.Now))
	defer m.Close()
	m.SetCapacity("search", maxCalls, window)

	admitted := driveRandom(clock, 2000, 3, m.For("search").TryAcquire)
	assertWindowCounts(t, admitted, window, maxCalls)
}

func TestRedisWindow_WindowInvariant(t *testing.T) {
	const maxCalls = 5
	window := time.Second

	_, client := setupRedis(t)
	clock := newManualClock()
	w, err := NewRedisWindow(client, maxCalls, window, WithName("invariant"), WithClock(clock.Now))
	if err != nil {
		t.Fatalf("NewRedisWindow failed: %v", err)
	}

	admitted := driveRandom(clock, 500, 3, w.TryAcquire)
	assertWindowCounts(t, admitted, window, maxCalls)
}
