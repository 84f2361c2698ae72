package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/agent-toolbox/toolbox/logging"
)

// reduceStep is the share of capacity a local AnnounceReduced keeps.
const reduceStep = 0.75

// MemoryLimiter keeps one sliding window per named resource.
// It is safe for concurrent use.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*SlidingWindow
	opts    []Option
	logger  *logging.Logger
	closed  bool

	done   context.Context
	cancel context.CancelFunc
}

// NewMemoryLimiter creates a new in-memory rate limiter. Options are
// applied to every per-resource window; names come from the resource.
func NewMemoryLimiter(opts ...Option) *MemoryLimiter {
	o := buildOptions(opts)
	done, cancel := context.WithCancel(context.Background())
	return &MemoryLimiter{
		windows: make(map[string]*SlidingWindow),
		opts:    opts,
		logger:  o.logger,
		done:    done,
		cancel:  cancel,
	}
}

// SetCapacity configures the rate limit for a resource. A capacity or
// window of zero or less removes the resource.
func (m *MemoryLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	if capacity <= 0 || window <= 0 {
		delete(m.windows, resource)
		return
	}

	if w, exists := m.windows[resource]; exists {
		w.resize(capacity, window)
		return
	}

	opts := append(append([]Option{}, m.opts...), WithName(resource))
	w, err := NewSlidingWindow(capacity, window, opts...)
	if err != nil {
		return
	}
	m.windows[resource] = w
}

// GetCapacity returns the current capacity info for a resource.
func (m *MemoryLimiter) GetCapacity(resource string) *Capacity {
	w := m.lookup(resource)
	if w == nil {
		return nil
	}
	total, window := w.Limit()
	return &Capacity{
		Resource:  resource,
		Available: w.Available(),
		Total:     total,
		Window:    window,
	}
}

// Acquire blocks until one call to the resource is admitted.
func (m *MemoryLimiter) Acquire(ctx context.Context, resource string) error {
	return m.AcquireN(ctx, resource, 1)
}

// AcquireN blocks until tokens calls to the resource are admitted.
// Close wakes waiters, which then fail with ErrClosed.
func (m *MemoryLimiter) AcquireN(ctx context.Context, resource string, tokens int) error {
	w, err := m.get(resource)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := context.AfterFunc(m.done, func() { cancel(ErrClosed) })
	defer stop()

	if err := w.Acquire(ctx, tokens); err != nil {
		if errors.Is(context.Cause(ctx), ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// TryAcquire attempts to acquire one call without blocking.
func (m *MemoryLimiter) TryAcquire(resource string) bool {
	return m.TryAcquireN(resource, 1) == nil
}

// TryAcquireN attempts to acquire tokens calls without blocking.
func (m *MemoryLimiter) TryAcquireN(resource string, tokens int) error {
	w, err := m.get(resource)
	if err != nil {
		return err
	}
	return w.TryAcquire(tokens)
}

// AnnounceReduced shrinks the resource's capacity by a quarter.
// The memory limiter has no peers to tell.
func (m *MemoryLimiter) AnnounceReduced(resource string, reason string) {
	w := m.lookup(resource)
	if w == nil {
		return
	}
	total, window := w.Limit()
	newCapacity := int(float64(total) * reduceStep)
	if newCapacity < 1 {
		newCapacity = 1
	}
	w.resize(newCapacity, window)
	m.logger.CapacityChanged(resource, total, newCapacity, reason)
}

// For returns a Limiter bound to resource. The resource may be configured
// later; until then calls fail with ErrResourceUnknown.
func (m *MemoryLimiter) For(resource string) Limiter {
	return &boundLimiter{m: m, resource: resource}
}

// Resources returns the configured resource names, sorted.
func (m *MemoryLimiter) Resources() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.windows))
	for name := range m.windows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns a snapshot for every resource, sorted by name.
func (m *MemoryLimiter) Stats() []Stats {
	var out []Stats
	for _, name := range m.Resources() {
		if w := m.lookup(name); w != nil {
			out = append(out, w.Stats())
		}
	}
	return out
}

// Close shuts down the limiter.
func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.closed = true
	m.cancel()
	return nil
}

func (m *MemoryLimiter) lookup(resource string) *SlidingWindow {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windows[resource]
}

func (m *MemoryLimiter) get(resource string) (*SlidingWindow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	w, ok := m.windows[resource]
	if !ok {
		return nil, ErrResourceUnknown
	}
	return w, nil
}

// boundLimiter adapts one resource of a MemoryLimiter to Limiter.
type boundLimiter struct {
	m        *MemoryLimiter
	resource string
}

func (b *boundLimiter) Acquire(ctx context.Context, tokens int) error {
	return b.m.AcquireN(ctx, b.resource, tokens)
}

func (b *boundLimiter) TryAcquire(tokens int) error {
	return b.m.TryAcquireN(b.resource, tokens)
}

func (b *boundLimiter) Available() int {
	if c := b.m.GetCapacity(b.resource); c != nil {
		return c.Available
	}
	return 0
}

func (b *boundLimiter) Stats() Stats {
	if w := b.m.lookup(b.resource); w != nil {
		return w.Stats()
	}
	return Stats{Algorithm: AlgorithmSlidingWindow, Resource: b.resource}
}

// Ensure MemoryLimiter implements ResourceLimiter.
var _ ResourceLimiter = (*MemoryLimiter)(nil)
