package breaker

import (
	"context"
	"errors"
	"time"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
)

// Config controls when a breaker trips and how it recovers.
type Config struct {
	// MaxRequests is the number of trial calls allowed while half-open.
	MaxRequests uint32

	// Interval clears the closed-state counts periodically. Zero never
	// clears them.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32

	// FailureRatio trips the breaker once MinRequests calls were seen.
	// Zero disables the ratio check.
	FailureRatio float64
	MinRequests  uint32

	// IsFailure decides which errors count against the breaker.
	// Defaults to CountsAsFailure.
	IsFailure func(err error) bool
}

// DefaultConfig trips after five consecutive failures or half of at least
// ten calls, and probes again after thirty seconds.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            2 * time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// HTTPServiceConfig suits flaky external HTTP APIs.
func HTTPServiceConfig() Config {
	return Config{
		MaxRequests:         3,
		Interval:            time.Minute,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRequests == 0 {
		c.MaxRequests = d.MaxRequests
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = d.ConsecutiveFailures
	}
	if c.IsFailure == nil {
		c.IsFailure = CountsAsFailure
	}
	return c
}

// Validate reports settings the breaker cannot run with.
func (c Config) Validate() error {
	if c.Interval < 0 || c.Timeout < 0 {
		return toolerrors.InvalidInput("breaker durations must not be negative")
	}
	if c.FailureRatio < 0 || c.FailureRatio > 1 {
		return toolerrors.InvalidInput("breaker failure ratio must be within [0, 1]")
	}
	return nil
}

// CountsAsFailure counts every error except cancellation and permanent
// toolbox errors, which describe the request rather than the service.
func CountsAsFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if te := toolerrors.AsToolError(err); te != nil && te.Category() == toolerrors.CategoryPermanent {
		return false
	}
	return true
}

func (c Config) readyToTrip(requests, totalFailures, consecutive uint32) bool {
	if consecutive >= c.ConsecutiveFailures {
		return true
	}
	if c.FailureRatio <= 0 || requests == 0 || requests < c.MinRequests {
		return false
	}
	return float64(totalFailures)/float64(requests) >= c.FailureRatio
}
