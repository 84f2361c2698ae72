package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
)

const keyPrefix = "ratelimit:"

// slidingWindowScript prunes, checks and records in one step.
// KEYS[1] window key. ARGV: now (us), window (us), limit, tokens, member id.
// Returns {1, 0} when admitted, {0, wait_us} otherwise.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local tokens = tonumber(ARGV[4])
local id = ARGV[5]

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count + tokens <= limit then
  for i = 1, tokens do
    redis.call('ZADD', key, now, id .. ':' .. i)
  end
  redis.call('PEXPIRE', key, math.ceil(window / 1000))
  return {1, 0}
end

local excess = count + tokens - limit
local entry = redis.call('ZRANGE', key, excess - 1, excess - 1, 'WITHSCORES')
return {0, tonumber(entry[2]) + window - now}
`)

// RedisWindow is a sliding-window log kept in a Redis sorted set, so
// several processes share one limit. Each admission is checked and recorded
// atomically by a Lua script.
type RedisWindow struct {
	client   redis.UniversalClient
	key      string
	maxCalls int
	window   time.Duration
	opts     options
}

// NewRedisWindow creates a Redis-backed sliding window. The sorted set is
// stored under "ratelimit:<name>", where name comes from WithName.
func NewRedisWindow(client redis.UniversalClient, maxCalls int, window time.Duration, opts ...Option) (*RedisWindow, error) {
	if client == nil {
		return nil, ErrInvalidConfig
	}
	if maxCalls <= 0 {
		return nil, ErrInvalidCapacity
	}
	if window < time.Millisecond {
		return nil, ErrInvalidWindow
	}
	o := buildOptions(opts)
	return &RedisWindow{
		client:   client,
		key:      keyPrefix + o.name,
		maxCalls: maxCalls,
		window:   window,
		opts:     o,
	}, nil
}

// Key returns the Redis key holding the window.
func (r *RedisWindow) Key() string {
	return r.key
}

// Acquire blocks until tokens calls are admitted.
func (r *RedisWindow) Acquire(ctx context.Context, tokens int) error {
	return acquire(ctx, r, &r.opts, tokens)
}

// AcquireTimeout is Acquire with its own timeout; timeout <= 0 means none.
func (r *RedisWindow) AcquireTimeout(ctx context.Context, tokens int, timeout time.Duration) error {
	return AcquireTimeout(ctx, r, tokens, timeout)
}

// TryAcquire admits tokens calls if the shared window has room.
func (r *RedisWindow) TryAcquire(tokens int) error {
	return tryAcquire(r, &r.opts, tokens)
}

// Available returns how many calls the shared window would admit now.
// It returns 0 if Redis cannot be reached.
func (r *RedisWindow) Available() int {
	n, err := r.inWindow(context.Background())
	if err != nil {
		return 0
	}
	if avail := r.maxCalls - n; avail > 0 {
		return avail
	}
	return 0
}

// Stats returns a snapshot of the shared window. If Redis cannot be read,
// the counts are zero and Error says why.
func (r *RedisWindow) Stats() Stats {
	s := Stats{
		Algorithm: AlgorithmRedisWindow,
		Resource:  r.opts.name,
		Limit:     r.maxCalls,
		Window:    r.window,
	}
	n, err := r.inWindow(context.Background())
	if err != nil {
		s.Error = err.Error()
		return s
	}
	s.InWindow = n
	if avail := r.maxCalls - n; avail > 0 {
		s.Available = avail
	}
	return s
}

// Reset deletes the shared window.
func (r *RedisWindow) Reset(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

func (r *RedisWindow) inWindow(ctx context.Context) (int, error) {
	now := r.opts.now().UnixMicro()
	lo := "(" + strconv.FormatInt(now-r.window.Microseconds(), 10)
	n, err := r.client.ZCount(ctx, r.key, lo, "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcount: %w", err)
	}
	return int(n), nil
}

func (r *RedisWindow) reserve(ctx context.Context, tokens int) (time.Duration, bool, error) {
	if tokens <= 0 || tokens > r.maxCalls {
		return 0, false, invalidTokens(r.opts.name, tokens, r.maxCalls)
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	res, err := slidingWindowScript.Run(ctx, r.client, []string{r.key},
		r.opts.now().UnixMicro(),
		r.window.Microseconds(),
		r.maxCalls,
		tokens,
		uuid.NewString(),
	).Int64Slice()
	if err != nil {
		return 0, false, toolerrors.WrapWithCode(err, toolerrors.ErrCodeUnavailable,
			"redis rate limit script", toolerrors.WithResource(r.opts.name))
	}
	if len(res) != 2 {
		return 0, false, toolerrors.Internal(fmt.Sprintf("unexpected script reply %v", res))
	}
	if res[0] == 1 {
		return 0, true, nil
	}

	wait := time.Duration(res[1]) * time.Microsecond
	if wait <= 0 {
		wait = time.Millisecond
	}
	return wait, false, nil
}

var _ Limiter = (*RedisWindow)(nil)
