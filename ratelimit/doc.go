// Package ratelimit gates outbound calls so a client stays inside the
// limits of the services it talks to.
//
// # Single Resource
//
// SlidingWindow admits at most N calls in any interval of length W:
//
//	limiter, err := ratelimit.NewSlidingWindow(60, time.Hour, ratelimit.WithName("github"))
//
//	// Block until admitted, or until ctx ends
//	if err := limiter.Acquire(ctx, 1); err != nil {
//	    return err // RATE_LIMIT_TIMEOUT or CANCELED
//	}
//
//	// Give up after two seconds
//	err = limiter.AcquireTimeout(ctx, 1, 2*time.Second)
//
//	// Never wait
//	if err := limiter.TryAcquire(1); err != nil {
//	    d, _ := errors.RetryAfter(err) // when room opens up
//	}
//
// Admission is consumed, not borrowed: there is no Release. Capacity comes
// back only when admissions age out of the window.
//
// TokenBucket is a smoother alternative that allows bursts; RedisWindow
// keeps the sliding window in Redis so several processes share one limit.
//
// # Many Resources
//
// MemoryLimiter keeps one window per named resource, and KeyedLimiter
// creates limiters on demand for per-user or per-IP limits:
//
//	limiter := ratelimit.NewMemoryLimiter()
//	limiter.SetCapacity("openai-api", 60, time.Minute)
//	err := limiter.Acquire(ctx, "openai-api")
//
// # Distributed Rate Limiting
//
// DistributedLimiter shares capacity reductions across processes over the
// message bus:
//
//	limiter, err := ratelimit.NewDistributedLimiter(ratelimit.DistributedConfig{
//	    Bus: nbus,
//	})
//	limiter.SetCapacity("shared-api", 100, time.Minute)
//
//	// After a 429 response
//	limiter.AnnounceReduced("shared-api", "received 429 from API")
//
// Peers shrink their local limits to match, and every process grows its
// capacity back gradually once the pressure stops.
//
// # Wrapping Calls
//
//	fetch := ratelimit.Wrap(limiter, func(ctx context.Context) (*Repo, error) {
//	    return client.GetRepo(ctx, "owner/name")
//	})
package ratelimit
