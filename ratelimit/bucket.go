package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucket holds at most burst tokens and refills maxCalls+1-burst of
// them per window. A full bucket plus one window of refill is maxCalls+1,
// so any window-long interval admits at most one call more than maxCalls,
// however the calls are spread. Larger bursts trade sustained rate for
// burstiness; burst 1 refills at maxCalls per window.
type TokenBucket struct {
	mu       sync.Mutex
	opts     options
	lim      *rate.Limiter
	maxCalls int
	window   time.Duration
}

// NewTokenBucket creates a token bucket limiter. A burst of zero or less
// defaults to 1; a burst above maxCalls is ErrInvalidCapacity. The bucket
// starts full.
func NewTokenBucket(maxCalls int, window time.Duration, burst int, opts ...Option) (*TokenBucket, error) {
	if maxCalls <= 0 {
		return nil, ErrInvalidCapacity
	}
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	if burst <= 0 {
		burst = 1
	}
	if burst > maxCalls {
		return nil, ErrInvalidCapacity
	}
	refill := float64(maxCalls+1-burst) / window.Seconds()
	return &TokenBucket{
		opts:     buildOptions(opts),
		lim:      rate.NewLimiter(rate.Limit(refill), burst),
		maxCalls: maxCalls,
		window:   window,
	}, nil
}

// Acquire blocks until tokens are available.
func (b *TokenBucket) Acquire(ctx context.Context, tokens int) error {
	return acquire(ctx, b, &b.opts, tokens)
}

// AcquireTimeout is Acquire with its own timeout; timeout <= 0 means none.
func (b *TokenBucket) AcquireTimeout(ctx context.Context, tokens int, timeout time.Duration) error {
	return AcquireTimeout(ctx, b, tokens, timeout)
}

// TryAcquire takes tokens if the bucket holds enough, without waiting.
func (b *TokenBucket) TryAcquire(tokens int) error {
	return tryAcquire(b, &b.opts, tokens)
}

// Available returns the whole tokens in the bucket right now.
func (b *TokenBucket) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int(math.Floor(b.lim.TokensAt(b.opts.now())))
}

// Stats returns a snapshot of the limiter.
func (b *TokenBucket) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	burst := b.lim.Burst()
	avail := int(math.Floor(b.lim.TokensAt(b.opts.now())))
	return Stats{
		Algorithm: AlgorithmTokenBucket,
		Resource:  b.opts.name,
		Limit:     b.maxCalls,
		Burst:     burst,
		Window:    b.window,
		InWindow:  burst - avail,
		Available: avail,
	}
}

func (b *TokenBucket) reserve(ctx context.Context, tokens int) (time.Duration, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	burst := b.lim.Burst()
	if tokens <= 0 || tokens > burst {
		return 0, false, invalidTokens(b.opts.name, tokens, burst)
	}

	now := b.opts.now()
	have := b.lim.TokensAt(now)
	if have >= float64(tokens) {
		if err := ctx.Err(); err != nil {
			return 0, false, err
		}
		b.lim.AllowN(now, tokens)
		return 0, true, nil
	}

	missing := float64(tokens) - have
	wait := time.Duration(missing / float64(b.lim.Limit()) * float64(time.Second))
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	return wait, false, nil
}

var _ Limiter = (*TokenBucket)(nil)
