package config

import (
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/agent-toolbox/toolbox/breaker"
	"github.com/agent-toolbox/toolbox/bus"
	toolerrors "github.com/agent-toolbox/toolbox/errors"
	"github.com/agent-toolbox/toolbox/logging"
	"github.com/agent-toolbox/toolbox/ratelimit"
	"github.com/agent-toolbox/toolbox/retry"
)

// Registry holds the components built from a Config, by name.
type Registry struct {
	logger   *logging.Logger
	limiters map[string]ratelimit.Limiter
	policies map[string]retry.Policy
	breakers *breaker.Manager
	redis    *redis.Client

	// Distributed limiters share one coordinator and bus.
	shared    *ratelimit.DistributedLimiter
	sharedBus bus.MessageBus
	sharedSet map[string]bool
}

// Build validates c and constructs its components. The logger's level and
// format are set from the [logging] section; a nil logger builds a new one
// writing to stdout.
func (c *Config) Build(logger *logging.Logger) (*Registry, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.New()
	}
	level, _ := logging.ParseLevel(c.Logging.Level)
	logger.SetLevel(level)
	if c.Logging.Format != "" {
		logger.SetFormat(logging.Format(strings.ToLower(c.Logging.Format)))
	}

	r := &Registry{
		logger:    logger,
		limiters:  make(map[string]ratelimit.Limiter, len(c.Limiters)),
		policies:  make(map[string]retry.Policy, len(c.Retry)),
		breakers:  breaker.NewManager(breaker.WithLogger(logger)),
		sharedSet: make(map[string]bool),
	}

	for _, name := range sortedKeys(c.Limiters) {
		l, err := r.buildLimiter(name, c.Limiters[name], c)
		if err != nil {
			r.Close()
			return nil, toolerrors.Wrap(err, "limiters."+name, toolerrors.WithResource(name))
		}
		r.limiters[name] = l
	}

	for _, name := range sortedKeys(c.Retry) {
		rc := c.Retry[name]
		p, err := rc.policy(name)
		if err != nil {
			r.Close()
			return nil, err
		}
		p.Logger = logger
		if rc.Limiter != "" {
			p.Limiter = r.limiters[rc.Limiter]
		}
		r.policies[name] = p
	}

	for _, name := range sortedKeys(c.Breakers) {
		r.breakers.GetOrCreate(name, c.Breakers[name].breakerConfig())
	}

	logger.WithComponent("config").Debug("registry_built", map[string]interface{}{
		"limiters": len(r.limiters),
		"policies": len(r.policies),
		"breakers": len(c.Breakers),
	})
	return r, nil
}

func (r *Registry) buildLimiter(name string, lc LimiterConfig, c *Config) (ratelimit.Limiter, error) {
	opts := []ratelimit.Option{
		ratelimit.WithName(name),
		ratelimit.WithLogger(r.logger),
	}
	switch lc.Algorithm {
	case AlgorithmTokenBucket:
		return ratelimit.NewTokenBucket(lc.MaxCalls, lc.TimeWindow.Std(), lc.Burst, opts...)
	case AlgorithmRedisWindow:
		if r.redis == nil {
			r.redis = redis.NewClient(&redis.Options{
				Addr:     c.Redis.Addr,
				Password: c.Redis.Password,
				DB:       c.Redis.DB,
			})
		}
		return ratelimit.NewRedisWindow(r.redis, lc.MaxCalls, lc.TimeWindow.Std(), opts...)
	case AlgorithmDistributed:
		if err := r.startShared(c.Coordination); err != nil {
			return nil, err
		}
		r.shared.SetCapacity(name, lc.MaxCalls, lc.TimeWindow.Std())
		r.sharedSet[name] = true
		return r.shared.For(name), nil
	default:
		return ratelimit.NewSlidingWindow(lc.MaxCalls, lc.TimeWindow.Std(), opts...)
	}
}

// startShared connects the distributed limiter on first use: over NATS
// when a URL is configured, otherwise over an in-process bus.
func (r *Registry) startShared(cc CoordinationConfig) error {
	if r.shared != nil {
		return nil
	}
	if cc.NATSURL != "" {
		nc := bus.DefaultNATSConfig()
		nc.URL = cc.NATSURL
		nc.Logger = r.logger
		b, err := bus.NewNATSBus(nc)
		if err != nil {
			return err
		}
		r.sharedBus = b
	} else {
		r.sharedBus = bus.NewMemoryBus(bus.DefaultConfig())
	}

	dc := ratelimit.DefaultDistributedConfig()
	dc.Bus = r.sharedBus
	dc.InstanceID = cc.InstanceID
	dc.Logger = r.logger
	if cc.ReduceFactor > 0 {
		dc.ReduceFactor = cc.ReduceFactor
	}
	if cc.RecoveryInterval > 0 {
		dc.RecoveryInterval = cc.RecoveryInterval.Std()
	}
	if cc.RecoveryFactor > 0 {
		dc.RecoveryFactor = cc.RecoveryFactor
	}
	d, err := ratelimit.NewDistributedLimiter(dc)
	if err != nil {
		_ = r.sharedBus.Close()
		r.sharedBus = nil
		return err
	}
	r.shared = d
	return nil
}

// Logger returns the configured logger.
func (r *Registry) Logger() *logging.Logger { return r.logger }

// Limiter returns the limiter called name.
func (r *Registry) Limiter(name string) (ratelimit.Limiter, bool) {
	l, ok := r.limiters[name]
	return l, ok
}

// Policy returns the retry policy called name.
func (r *Registry) Policy(name string) (retry.Policy, bool) {
	p, ok := r.policies[name]
	return p, ok
}

// Shared returns the distributed limiter when name is one of its
// resources. Announcing reduced capacity on it reaches every peer.
func (r *Registry) Shared(name string) (ratelimit.ResourceLimiter, bool) {
	if r.shared == nil || !r.sharedSet[name] {
		return nil, false
	}
	return r.shared, true
}

// Breaker returns the breaker called name.
func (r *Registry) Breaker(name string) (*breaker.Breaker, bool) {
	return r.breakers.Get(name)
}

// Breakers returns the manager owning every configured breaker.
func (r *Registry) Breakers() *breaker.Manager { return r.breakers }

// LimiterNames returns the configured limiter names in order.
func (r *Registry) LimiterNames() []string { return sortedKeys(r.limiters) }

// PolicyNames returns the configured retry policy names in order.
func (r *Registry) PolicyNames() []string { return sortedKeys(r.policies) }

// Close stops the distributed limiter and releases the bus and Redis
// connections.
func (r *Registry) Close() error {
	var errs []error
	if r.shared != nil {
		if err := r.shared.Close(); err != nil && !errors.Is(err, ratelimit.ErrClosed) {
			errs = append(errs, err)
		}
		r.shared = nil
	}
	if r.sharedBus != nil {
		if err := r.sharedBus.Close(); err != nil && !errors.Is(err, bus.ErrClosed) {
			errs = append(errs, err)
		}
		r.sharedBus = nil
	}
	if r.redis != nil {
		errs = append(errs, r.redis.Close())
		r.redis = nil
	}
	return errors.Join(errs...)
}
