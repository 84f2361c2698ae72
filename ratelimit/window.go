package ratelimit

import (
	"context"
	"sync"
	"time"
)

// SlidingWindow admits at most maxCalls calls in any window-long interval.
// It keeps a log of admission timestamps, pruned lazily on every call.
// It is safe for concurrent use; waiting never holds the lock, and
// admission order between waiters is not FIFO.
type SlidingWindow struct {
	mu       sync.Mutex
	opts     options
	maxCalls int
	window   time.Duration
	calls    []time.Time // ascending admission times, one per token
}

// NewSlidingWindow creates a sliding-window-log limiter.
func NewSlidingWindow(maxCalls int, window time.Duration, opts ...Option) (*SlidingWindow, error) {
	if maxCalls <= 0 {
		return nil, ErrInvalidCapacity
	}
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	return &SlidingWindow{
		opts:     buildOptions(opts),
		maxCalls: maxCalls,
		window:   window,
		calls:    make([]time.Time, 0, maxCalls),
	}, nil
}

// Acquire blocks until tokens calls are admitted.
func (w *SlidingWindow) Acquire(ctx context.Context, tokens int) error {
	return acquire(ctx, w, &w.opts, tokens)
}

// AcquireTimeout is Acquire with its own timeout; timeout <= 0 means none.
func (w *SlidingWindow) AcquireTimeout(ctx context.Context, tokens int, timeout time.Duration) error {
	return AcquireTimeout(ctx, w, tokens, timeout)
}

// TryAcquire admits tokens calls if the window has room, without waiting.
func (w *SlidingWindow) TryAcquire(tokens int) error {
	return tryAcquire(w, &w.opts, tokens)
}

// Available returns how many calls would be admitted right now.
// It does not prune the log.
func (w *SlidingWindow) Available() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := w.maxCalls - w.inWindowLocked(w.opts.now())
	if n < 0 {
		return 0
	}
	return n
}

// Limit returns the configured calls per window.
func (w *SlidingWindow) Limit() (int, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.maxCalls, w.window
}

// Name returns the resource name.
func (w *SlidingWindow) Name() string {
	return w.opts.name
}

// Stats returns a snapshot of the limiter.
func (w *SlidingWindow) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	in := w.inWindowLocked(w.opts.now())
	avail := w.maxCalls - in
	if avail < 0 {
		avail = 0
	}
	return Stats{
		Algorithm: AlgorithmSlidingWindow,
		Resource:  w.opts.name,
		Limit:     w.maxCalls,
		Window:    w.window,
		InWindow:  in,
		Available: avail,
	}
}

// resize changes the limit in place. Admissions already logged still count.
func (w *SlidingWindow) resize(maxCalls int, window time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxCalls = maxCalls
	w.window = window
}

func (w *SlidingWindow) reserve(ctx context.Context, tokens int) (time.Duration, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if tokens <= 0 || tokens > w.maxCalls {
		return 0, false, invalidTokens(w.opts.name, tokens, w.maxCalls)
	}

	now := w.opts.now()
	w.pruneLocked(now)

	if len(w.calls)+tokens <= w.maxCalls {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		for i := 0; i < tokens; i++ {
			w.calls = append(w.calls, now)
		}
		return 0, true, nil
	}

	// The excess-th oldest entry has to leave the window first.
	excess := len(w.calls) + tokens - w.maxCalls
	return w.calls[excess-1].Add(w.window).Sub(now), false, nil
}

// pruneLocked drops entries with t <= now-window.
func (w *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.calls) && !w.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		n := copy(w.calls, w.calls[i:])
		w.calls = w.calls[:n]
	}
}

func (w *SlidingWindow) inWindowLocked(now time.Time) int {
	cutoff := now.Add(-w.window)
	n := 0
	for i := len(w.calls) - 1; i >= 0 && w.calls[i].After(cutoff); i-- {
		n++
	}
	return n
}

var _ Limiter = (*SlidingWindow)(nil)
