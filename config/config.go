// Package config loads toolbox settings from TOML, YAML or JSON files and
// builds the limiters, retry policies and breakers they describe.
//
// A file names each component so callers can look them up later:
//
//	[limiters.github]
//	max_calls = 60
//	time_window = "1h"
//
//	[retry.default]
//	max_attempts = 3
//	base_delay = "1s"
//	limiter = "github"
//
//	[breakers.github]
//	consecutive_failures = 5
//	timeout = "60s"
package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agent-toolbox/toolbox/breaker"
	toolerrors "github.com/agent-toolbox/toolbox/errors"
	"github.com/agent-toolbox/toolbox/logging"
	"github.com/agent-toolbox/toolbox/ratelimit"
	"github.com/agent-toolbox/toolbox/retry"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Limiter algorithms accepted in LimiterConfig.Algorithm.
const (
	AlgorithmSlidingWindow = ratelimit.AlgorithmSlidingWindow
	AlgorithmTokenBucket   = ratelimit.AlgorithmTokenBucket
	AlgorithmRedisWindow   = ratelimit.AlgorithmRedisWindow

	// AlgorithmDistributed limits locally and shares capacity reductions
	// with peers over the [coordination] bus.
	AlgorithmDistributed = "distributed"
)

// Config is the root of a toolbox configuration file.
type Config struct {
	Logging      LoggingConfig            `toml:"logging" yaml:"logging" json:"logging"`
	Redis        RedisConfig              `toml:"redis" yaml:"redis" json:"redis"`
	Coordination CoordinationConfig       `toml:"coordination" yaml:"coordination" json:"coordination"`
	Limiters     map[string]LimiterConfig `toml:"limiters" yaml:"limiters" json:"limiters"`
	Retry        map[string]RetryConfig   `toml:"retry" yaml:"retry" json:"retry"`
	Breakers     map[string]BreakerConfig `toml:"breakers" yaml:"breakers" json:"breakers"`
}

// LoggingConfig sets the level and line format of the shared logger.
type LoggingConfig struct {
	Level  string `toml:"level" yaml:"level" json:"level"`
	Format string `toml:"format" yaml:"format" json:"format"`
}

// RedisConfig points redis_window limiters at a server.
type RedisConfig struct {
	Addr     string `toml:"addr" yaml:"addr" json:"addr"`
	Password string `toml:"password" yaml:"password" json:"password"`
	DB       int    `toml:"db" yaml:"db" json:"db"`
}

// CoordinationConfig connects distributed limiters to their peers. With no
// NATS URL the peers are the limiters of this process only.
type CoordinationConfig struct {
	NATSURL          string   `toml:"nats_url" yaml:"nats_url" json:"nats_url"`
	InstanceID       string   `toml:"instance_id" yaml:"instance_id" json:"instance_id"`
	ReduceFactor     float64  `toml:"reduce_factor" yaml:"reduce_factor" json:"reduce_factor"`
	RecoveryInterval Duration `toml:"recovery_interval" yaml:"recovery_interval" json:"recovery_interval"`
	RecoveryFactor   float64  `toml:"recovery_factor" yaml:"recovery_factor" json:"recovery_factor"`
}

// LimiterConfig describes one rate limiter.
type LimiterConfig struct {
	MaxCalls   int      `toml:"max_calls" yaml:"max_calls" json:"max_calls"`
	TimeWindow Duration `toml:"time_window" yaml:"time_window" json:"time_window"`
	Algorithm  string   `toml:"algorithm" yaml:"algorithm" json:"algorithm"`
	Burst      int      `toml:"burst" yaml:"burst" json:"burst"`
}

// RetryConfig describes one retry policy. Zero fields take the retry
// package defaults, and an unset base_delay is one second.
type RetryConfig struct {
	MaxAttempts    int      `toml:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	BaseDelay      Duration `toml:"base_delay" yaml:"base_delay" json:"base_delay"`
	Multiplier     float64  `toml:"multiplier" yaml:"multiplier" json:"multiplier"`
	MaxDelay       Duration `toml:"max_delay" yaml:"max_delay" json:"max_delay"`
	Jitter         string   `toml:"jitter" yaml:"jitter" json:"jitter"`
	JitterFraction float64  `toml:"jitter_fraction" yaml:"jitter_fraction" json:"jitter_fraction"`
	Strategy       string   `toml:"strategy" yaml:"strategy" json:"strategy"`

	// Limiter names an entry in [limiters] acquired before every attempt.
	Limiter string `toml:"limiter" yaml:"limiter" json:"limiter"`
}

// BreakerConfig describes one circuit breaker.
type BreakerConfig struct {
	MaxRequests         uint32   `toml:"max_requests" yaml:"max_requests" json:"max_requests"`
	Interval            Duration `toml:"interval" yaml:"interval" json:"interval"`
	Timeout             Duration `toml:"timeout" yaml:"timeout" json:"timeout"`
	ConsecutiveFailures uint32   `toml:"consecutive_failures" yaml:"consecutive_failures" json:"consecutive_failures"`
	FailureRatio        float64  `toml:"failure_ratio" yaml:"failure_ratio" json:"failure_ratio"`
	MinRequests         uint32   `toml:"min_requests" yaml:"min_requests" json:"min_requests"`
}

// Duration is a time.Duration written as a string such as "1m30s".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	s := strings.TrimSpace(string(text))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the configuration used when no file is found: INFO
// console logging and a "default" retry policy.
func Default() *Config {
	p := retry.DefaultPolicy()
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: string(logging.FormatConsole)},
		Retry: map[string]RetryConfig{
			"default": {
				MaxAttempts:    p.MaxAttempts,
				BaseDelay:      Duration(p.BaseDelay),
				Multiplier:     p.Multiplier,
				MaxDelay:       Duration(p.MaxDelay),
				Jitter:         p.Jitter.String(),
				JitterFraction: p.JitterFraction,
				Strategy:       p.Strategy.String(),
			},
		},
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...interface{}) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		add("logging: %v", err)
	}
	switch logging.Format(strings.ToLower(c.Logging.Format)) {
	case "", logging.FormatConsole, logging.FormatJSON:
	default:
		add("logging: unknown format %q", c.Logging.Format)
	}

	for _, name := range sortedKeys(c.Limiters) {
		l := c.Limiters[name]
		if l.MaxCalls <= 0 {
			add("limiters.%s: max_calls must be positive", name)
		}
		if l.TimeWindow <= 0 {
			add("limiters.%s: time_window must be positive", name)
		}
		if l.Burst < 0 {
			add("limiters.%s: burst must not be negative", name)
		}
		if l.MaxCalls > 0 && l.Burst > l.MaxCalls {
			add("limiters.%s: burst must not exceed max_calls", name)
		}
		switch l.Algorithm {
		case "", AlgorithmSlidingWindow, AlgorithmTokenBucket:
		case AlgorithmRedisWindow:
			if c.Redis.Addr == "" {
				add("limiters.%s: redis_window needs [redis] addr", name)
			}
		case AlgorithmDistributed:
			if l.Burst > 0 {
				add("limiters.%s: burst applies to token_bucket only", name)
			}
		default:
			add("limiters.%s: unknown algorithm %q", name, l.Algorithm)
		}
	}

	if f := c.Coordination.ReduceFactor; f < 0 || f >= 1 {
		add("coordination: reduce_factor must be in [0, 1)")
	}
	if f := c.Coordination.RecoveryFactor; f != 0 && f <= 1 {
		add("coordination: recovery_factor must be above 1")
	}
	if c.Coordination.RecoveryInterval < 0 {
		add("coordination: recovery_interval must not be negative")
	}

	for _, name := range sortedKeys(c.Retry) {
		r := c.Retry[name]
		if r.Limiter != "" {
			if _, ok := c.Limiters[r.Limiter]; !ok {
				add("retry.%s: unknown limiter %q", name, r.Limiter)
			}
		}
		p, err := r.policy(name)
		if err != nil {
			add("retry.%s: %v", name, err)
			continue
		}
		if err := p.Validate(); err != nil {
			add("retry.%s: %v", name, err)
		}
	}

	for _, name := range sortedKeys(c.Breakers) {
		if err := c.Breakers[name].breakerConfig().Validate(); err != nil {
			add("breakers.%s: %v", name, err)
		}
	}

	if len(problems) == 0 {
		return nil
	}
	return toolerrors.InvalidInput(strings.Join(problems, "; "), toolerrors.WithCause(ErrInvalidConfig))
}

// policy converts r without its limiter.
func (r RetryConfig) policy(name string) (retry.Policy, error) {
	strategy, err := retry.ParseStrategy(r.Strategy)
	if err != nil {
		return retry.Policy{}, err
	}
	jitter, err := retry.ParseJitter(r.Jitter)
	if err != nil {
		return retry.Policy{}, err
	}
	base := r.BaseDelay.Std()
	if base == 0 {
		base = retry.DefaultBaseDelay
	}
	return retry.Policy{
		Name:           name,
		MaxAttempts:    r.MaxAttempts,
		BaseDelay:      base,
		Multiplier:     r.Multiplier,
		MaxDelay:       r.MaxDelay.Std(),
		Strategy:       strategy,
		Jitter:         jitter,
		JitterFraction: r.JitterFraction,
	}, nil
}

func (b BreakerConfig) breakerConfig() breaker.Config {
	return breaker.Config{
		MaxRequests:         b.MaxRequests,
		Interval:            b.Interval.Std(),
		Timeout:             b.Timeout.Std(),
		ConsecutiveFailures: b.ConsecutiveFailures,
		FailureRatio:        b.FailureRatio,
		MinRequests:         b.MinRequests,
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
