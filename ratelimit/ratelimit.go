package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/agent-toolbox/toolbox/logging"
	"github.com/agent-toolbox/toolbox/telemetry"
)

// Common errors.
var (
	ErrClosed            = errors.New("limiter closed")
	ErrResourceUnknown   = errors.New("unknown resource")
	ErrInvalidCapacity   = errors.New("invalid capacity")
	ErrInvalidWindow     = errors.New("invalid window")
	ErrInvalidConfig     = errors.New("invalid configuration")
	ErrInvalidTokens     = errors.New("token count out of range")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrRateLimitTimeout  = errors.New("rate limit timeout")
)

// SubjectPrefix is the message bus subject prefix for rate limit messages.
const SubjectPrefix = "ratelimit."

// Algorithm names reported by Stats.
const (
	AlgorithmSlidingWindow = "sliding_window"
	AlgorithmTokenBucket   = "token_bucket"
	AlgorithmRedisWindow   = "redis_window"
)

// Limiter gates calls to a single protected resource.
//
// Acquire blocks until tokens are admitted, the context is canceled, or
// its deadline passes. A deadline fails with a RATE_LIMIT_TIMEOUT error
// wrapping ErrRateLimitTimeout; cancellation fails with a CANCELED error.
// A caller that gives up consumes nothing.
//
// TryAcquire never sleeps. When there is no room it fails with a
// RATE_LIMITED error wrapping ErrRateLimitExceeded and carrying a
// retry-after hint.
//
// A token count below one or above the limiter's capacity can never be
// satisfied and fails with INVALID_INPUT.
type Limiter interface {
	Acquire(ctx context.Context, tokens int) error
	TryAcquire(tokens int) error
	Available() int
}

// ResourceLimiter coordinates rate limits for several named resources.
type ResourceLimiter interface {
	// Acquire blocks until a token is available for the resource.
	// Returns ErrResourceUnknown if the resource has no configured capacity.
	Acquire(ctx context.Context, resource string) error

	// TryAcquire attempts to acquire a token without blocking.
	TryAcquire(resource string) bool

	// SetCapacity configures the rate limit for a resource.
	// capacity is the number of calls per window.
	SetCapacity(resource string, capacity int, window time.Duration)

	// AnnounceReduced shrinks the resource's capacity after the remote side
	// pushed back (e.g. a 429). Distributed limiters broadcast the change.
	AnnounceReduced(resource string, reason string)

	// GetCapacity returns the current capacity info for a resource.
	// Returns nil if the resource is unknown.
	GetCapacity(resource string) *Capacity

	// For returns a Limiter bound to one resource.
	For(resource string) Limiter

	// Close shuts down the limiter and wakes any waiters.
	Close() error
}

// Capacity describes the rate limit configuration for a resource.
type Capacity struct {
	// Resource is the unique identifier for the rate-limited resource.
	Resource string

	// Available is the number of calls that would be admitted right now.
	Available int

	// Total is the maximum number of calls per window.
	Total int

	// Window is the sliding window length.
	Window time.Duration
}

// CapacityUpdate is broadcast when a peer reduces capacity.
type CapacityUpdate struct {
	// Resource that changed.
	Resource string `json:"resource"`

	// InstanceID of the process that sent the update.
	InstanceID string `json:"instance_id"`

	// NewCapacity is the suggested new total capacity.
	NewCapacity int `json:"new_capacity"`

	// Reason for the change.
	Reason string `json:"reason"`

	// Timestamp of the update.
	Timestamp time.Time `json:"timestamp"`
}

// OnCapacityChange is a callback for capacity change notifications.
type OnCapacityChange func(update *CapacityUpdate)

// Stats is a point-in-time snapshot of a limiter.
type Stats struct {
	Algorithm string        `json:"algorithm"`
	Resource  string        `json:"resource"`
	Limit     int           `json:"limit"`
	Burst     int           `json:"burst,omitempty"`
	Window    time.Duration `json:"window"`
	InWindow  int           `json:"in_window"`
	Available int           `json:"available"`

	// Error is set when the counts could not be read.
	Error string `json:"error,omitempty"`
}

// Option configures a limiter.
type Option func(*options)

type options struct {
	name   string
	now    func() time.Time
	logger *logging.Logger
	tracer *telemetry.Tracer
}

func buildOptions(opts []Option) options {
	o := options{
		name:   "default",
		now:    time.Now,
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o *options) getTracer() *telemetry.Tracer {
	if o.tracer != nil {
		return o.tracer
	}
	return telemetry.GetTracer()
}

// WithName names the protected resource in errors, logs and spans.
func WithName(name string) Option {
	return func(o *options) {
		if name != "" {
			o.name = name
		}
	}
}

// WithClock replaces time.Now. Blocking waits still use real timers.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger for admission events.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) {
		o.logger = logging.OrNop(l)
	}
}

// WithTracer sets the tracer for acquire spans. Defaults to the global tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// AcquireTimeout acquires tokens from l, giving up after timeout.
// A timeout of zero or less waits for as long as ctx allows.
func AcquireTimeout(ctx context.Context, l Limiter, tokens int, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return l.Acquire(ctx, tokens)
}
