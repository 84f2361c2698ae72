package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-toolbox/toolbox/bus"
	"github.com/agent-toolbox/toolbox/logging"
)

// CapacitySubject carries CapacityUpdate messages between processes.
const CapacitySubject = SubjectPrefix + "capacity"

// DistributedConfig configures a distributed rate limiter.
type DistributedConfig struct {
	// Bus is the message bus for coordination.
	Bus bus.MessageBus

	// InstanceID identifies this process on the bus.
	// Default: a random UUID
	InstanceID string

	// ReduceFactor is the multiplier when reducing capacity (0-1).
	// Default: 0.5 (reduce by 50%)
	ReduceFactor float64

	// RecoveryInterval is how often to attempt capacity recovery.
	// Default: 30 seconds
	RecoveryInterval time.Duration

	// RecoveryFactor is the multiplier when recovering capacity (>1).
	// Default: 1.1 (increase by 10%)
	RecoveryFactor float64

	// Logger receives capacity change events.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *DistributedConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	if c.ReduceFactor < 0 || c.ReduceFactor >= 1 {
		return ErrInvalidConfig
	}
	if c.RecoveryFactor != 0 && c.RecoveryFactor <= 1 {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultDistributedConfig returns configuration with sensible defaults.
func DefaultDistributedConfig() DistributedConfig {
	return DistributedConfig{
		ReduceFactor:     0.5,
		RecoveryInterval: 30 * time.Second,
		RecoveryFactor:   1.1,
	}
}

// resourceConfig tracks per-resource configuration.
type resourceConfig struct {
	originalCapacity int           // capacity before reductions
	window           time.Duration // sliding window length
}

// DistributedLimiter keeps local sliding windows per resource and shares
// capacity reductions with peers over a message bus. After a reduction,
// capacity grows back by RecoveryFactor every RecoveryInterval until it
// reaches the configured value.
type DistributedLimiter struct {
	config DistributedConfig
	logger *logging.Logger

	local *MemoryLimiter

	mu                 sync.Mutex
	resourceConfigs    map[string]*resourceConfig
	lastReduction      map[string]time.Time
	onCapacityCallback OnCapacityChange
	nowFunc            func() time.Time

	sub    bus.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDistributedLimiter creates a new distributed rate limiter.
func NewDistributedLimiter(config DistributedConfig, opts ...Option) (*DistributedLimiter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	defaults := DefaultDistributedConfig()
	if config.InstanceID == "" {
		config.InstanceID = uuid.NewString()
	}
	if config.ReduceFactor == 0 {
		config.ReduceFactor = defaults.ReduceFactor
	}
	if config.RecoveryInterval == 0 {
		config.RecoveryInterval = defaults.RecoveryInterval
	}
	if config.RecoveryFactor == 0 {
		config.RecoveryFactor = defaults.RecoveryFactor
	}

	logger := logging.OrNop(config.Logger).WithComponent("ratelimit")
	opts = append([]Option{WithLogger(logger)}, opts...)
	o := buildOptions(opts)

	ctx, cancel := context.WithCancel(context.Background())

	d := &DistributedLimiter{
		config:          config,
		logger:          logger,
		local:           NewMemoryLimiter(opts...),
		resourceConfigs: make(map[string]*resourceConfig),
		lastReduction:   make(map[string]time.Time),
		nowFunc:         o.now,
		ctx:             ctx,
		cancel:          cancel,
	}

	sub, err := config.Bus.Subscribe(CapacitySubject)
	if err != nil {
		cancel()
		return nil, err
	}
	d.sub = sub

	d.wg.Add(2)
	go d.listenForUpdates()
	go d.recoveryLoop()

	return d, nil
}

// InstanceID returns this limiter's identity on the bus.
func (d *DistributedLimiter) InstanceID() string {
	return d.config.InstanceID
}

// listenForUpdates processes capacity updates from peers.
func (d *DistributedLimiter) listenForUpdates() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case msg, ok := <-d.sub.Messages():
			if !ok {
				return
			}
			d.handleUpdate(msg)
		}
	}
}

// handleUpdate applies a peer's reduction if it is below our current capacity.
func (d *DistributedLimiter) handleUpdate(msg *bus.Message) {
	var update CapacityUpdate
	if err := json.Unmarshal(msg.Data, &update); err != nil {
		d.logger.Debug("ignoring malformed capacity update", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	if update.InstanceID == d.config.InstanceID {
		return
	}

	d.mu.Lock()
	rc, exists := d.resourceConfigs[update.Resource]
	applied := false
	var from int
	if exists && update.NewCapacity >= 1 {
		if cur := d.local.GetCapacity(update.Resource); cur != nil && update.NewCapacity < cur.Total {
			from = cur.Total
			d.local.SetCapacity(update.Resource, update.NewCapacity, rc.window)
			d.lastReduction[update.Resource] = d.nowFunc()
			applied = true
		}
	}
	callback := d.onCapacityCallback
	d.mu.Unlock()

	if applied {
		d.logger.CapacityChanged(update.Resource, from, update.NewCapacity, "peer: "+update.Reason)
	}
	if callback != nil {
		callback(&update)
	}
}

// recoveryLoop periodically attempts to recover capacity.
func (d *DistributedLimiter) recoveryLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.attemptRecovery()
		}
	}
}

// attemptRecovery grows reduced capacities back toward their configured value.
func (d *DistributedLimiter) attemptRecovery() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.nowFunc()

	for resource, lastReduce := range d.lastReduction {
		if now.Sub(lastReduce) < d.config.RecoveryInterval {
			continue
		}

		rc, exists := d.resourceConfigs[resource]
		if !exists {
			delete(d.lastReduction, resource)
			continue
		}

		cur := d.local.GetCapacity(resource)
		if cur == nil {
			delete(d.lastReduction, resource)
			continue
		}

		newCapacity := int(float64(cur.Total) * d.config.RecoveryFactor)
		if newCapacity <= cur.Total {
			newCapacity = cur.Total + 1
		}
		if newCapacity > rc.originalCapacity {
			newCapacity = rc.originalCapacity
		}

		if newCapacity > cur.Total {
			d.local.SetCapacity(resource, newCapacity, rc.window)
			d.logger.CapacityChanged(resource, cur.Total, newCapacity, "recovery")
		}

		if newCapacity >= rc.originalCapacity {
			delete(d.lastReduction, resource)
		}
	}
}

// SetCapacity configures the rate limit for a resource.
func (d *DistributedLimiter) SetCapacity(resource string, capacity int, window time.Duration) {
	d.mu.Lock()
	if capacity <= 0 || window <= 0 {
		delete(d.resourceConfigs, resource)
		delete(d.lastReduction, resource)
	} else {
		d.resourceConfigs[resource] = &resourceConfig{
			originalCapacity: capacity,
			window:           window,
		}
	}
	d.mu.Unlock()

	d.local.SetCapacity(resource, capacity, window)
}

// GetCapacity returns the current capacity info for a resource.
func (d *DistributedLimiter) GetCapacity(resource string) *Capacity {
	return d.local.GetCapacity(resource)
}

// Acquire blocks until one call to the resource is admitted.
func (d *DistributedLimiter) Acquire(ctx context.Context, resource string) error {
	return d.local.Acquire(ctx, resource)
}

// TryAcquire attempts to acquire one call without blocking.
func (d *DistributedLimiter) TryAcquire(resource string) bool {
	return d.local.TryAcquire(resource)
}

// For returns a Limiter bound to resource.
func (d *DistributedLimiter) For(resource string) Limiter {
	return d.local.For(resource)
}

// Stats returns a snapshot for every resource.
func (d *DistributedLimiter) Stats() []Stats {
	return d.local.Stats()
}

// AnnounceReduced shrinks capacity locally and broadcasts it to peers.
func (d *DistributedLimiter) AnnounceReduced(resource string, reason string) {
	d.mu.Lock()
	rc, exists := d.resourceConfigs[resource]
	if !exists {
		d.mu.Unlock()
		return
	}

	cur := d.local.GetCapacity(resource)
	if cur == nil {
		d.mu.Unlock()
		return
	}

	newCapacity := int(float64(cur.Total) * d.config.ReduceFactor)
	if newCapacity < 1 {
		newCapacity = 1
	}

	d.local.SetCapacity(resource, newCapacity, rc.window)
	now := d.nowFunc()
	d.lastReduction[resource] = now
	d.mu.Unlock()

	d.logger.CapacityChanged(resource, cur.Total, newCapacity, reason)

	data, err := json.Marshal(CapacityUpdate{
		Resource:    resource,
		InstanceID:  d.config.InstanceID,
		NewCapacity: newCapacity,
		Reason:      reason,
		Timestamp:   now,
	})
	if err != nil {
		return
	}

	if err := d.config.Bus.Publish(CapacitySubject, data); err != nil {
		d.logger.Warn("capacity broadcast failed", map[string]interface{}{
			"resource": resource,
			"error":    err.Error(),
		})
	}
}

// OnCapacityChange sets a callback for peer capacity updates.
func (d *DistributedLimiter) OnCapacityChange(cb OnCapacityChange) {
	d.mu.Lock()
	d.onCapacityCallback = cb
	d.mu.Unlock()
}

// Close shuts down the limiter.
func (d *DistributedLimiter) Close() error {
	d.cancel()

	if d.sub != nil {
		_ = d.sub.Unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
	}

	return d.local.Close()
}

// Ensure DistributedLimiter implements ResourceLimiter.
var _ ResourceLimiter = (*DistributedLimiter)(nil)
