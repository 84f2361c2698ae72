package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
	"github.com/agent-toolbox/toolbox/logging"
	"github.com/agent-toolbox/toolbox/ratelimit"
	"github.com/agent-toolbox/toolbox/telemetry"
)

// ErrInvalidPolicy is wrapped by Validate failures.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Defaults applied to zero fields.
const (
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = time.Second
	DefaultMultiplier     = 2.0
	DefaultMaxDelay       = 60 * time.Second
	DefaultJitterFraction = 0.25
)

// Strategy shapes how the delay grows between attempts.
type Strategy int

const (
	// Exponential waits BaseDelay * Multiplier^(k-2) before attempt k.
	Exponential Strategy = iota
	// Fixed always waits BaseDelay.
	Fixed
	// Linear waits BaseDelay * (k-1).
	Linear
	// Fibonacci waits BaseDelay times 1, 1, 2, 3, 5, ...
	Fibonacci
)

var strategyNames = map[Strategy]string{
	Exponential: "exponential",
	Fixed:       "fixed",
	Linear:      "linear",
	Fibonacci:   "fibonacci",
}

func (s Strategy) String() string {
	if name, ok := strategyNames[s]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// ParseStrategy parses a strategy name. The empty string is Exponential.
func ParseStrategy(s string) (Strategy, error) {
	if s == "" {
		return Exponential, nil
	}
	for strategy, name := range strategyNames {
		if strings.EqualFold(s, name) {
			return strategy, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown strategy %q", ErrInvalidPolicy, s)
}

// Jitter randomizes delays so callers that failed together do not retry
// together.
type Jitter int

const (
	// JitterNone uses the computed delay as is.
	JitterNone Jitter = iota
	// JitterProportional multiplies the delay by a factor in [1-f, 1+f],
	// where f is JitterFraction.
	JitterProportional
	// JitterFull multiplies the delay by a factor in [0, 1].
	JitterFull
)

var jitterNames = map[Jitter]string{
	JitterNone:         "none",
	JitterProportional: "proportional",
	JitterFull:         "full",
}

func (j Jitter) String() string {
	if name, ok := jitterNames[j]; ok {
		return name
	}
	return fmt.Sprintf("jitter(%d)", int(j))
}

// ParseJitter parses a jitter mode. The empty string is JitterNone.
func ParseJitter(s string) (Jitter, error) {
	if s == "" {
		return JitterNone, nil
	}
	for jitter, name := range jitterNames {
		if strings.EqualFold(s, name) {
			return jitter, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown jitter %q", ErrInvalidPolicy, s)
}

// OnRetryFunc observes a failed attempt before the wait that follows it.
type OnRetryFunc func(attempt int, err error, delay time.Duration)

// Policy describes how to retry an operation. It holds no per-call state,
// so one Policy may serve any number of concurrent calls.
//
// Zero fields take defaults: MaxAttempts 3, Multiplier 2, JitterFraction
// 0.25 and RetryAll. BaseDelay zero retries without waiting
// and MaxDelay zero means no clipping.
type Policy struct {
	// Name labels logs and spans.
	Name string

	// MaxAttempts bounds the number of invocations, including the first.
	MaxAttempts int

	// BaseDelay is the wait before the second attempt.
	BaseDelay time.Duration

	// Multiplier grows the delay for Exponential; must be >= 1.
	Multiplier float64

	// MaxDelay clips every wait when positive.
	MaxDelay time.Duration

	Strategy Strategy
	Jitter   Jitter

	// JitterFraction is f for JitterProportional, in (0, 1].
	JitterFraction float64

	// Retryable decides whether a failure is worth another attempt. Nil
	// retries every failure; DefaultClassifier retries only transient ones.
	Retryable Classifier

	// StopOn lists errors that are never retried, whatever Retryable says.
	StopOn []error

	// OnRetry is called before each wait.
	OnRetry OnRetryFunc

	// Limiter, when set, is acquired once before every attempt.
	Limiter ratelimit.Limiter

	Logger *logging.Logger
	Tracer *telemetry.Tracer

	random func() float64
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
}

// DefaultPolicy returns a policy with three attempts, exponential backoff
// from one second and proportional jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		BaseDelay:      DefaultBaseDelay,
		Multiplier:     DefaultMultiplier,
		MaxDelay:       DefaultMaxDelay,
		Jitter:         JitterProportional,
		JitterFraction: DefaultJitterFraction,
	}
}

// withDefaults fills zero fields.
func (p Policy) withDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Multiplier == 0 {
		p.Multiplier = DefaultMultiplier
	}
	if p.JitterFraction == 0 {
		p.JitterFraction = DefaultJitterFraction
	}
	if p.Retryable == nil {
		p.Retryable = RetryAll
	}
	if p.Name == "" {
		p.Name = "call"
	}
	if p.random == nil {
		p.random = rand.Float64
	}
	if p.sleep == nil {
		p.sleep = sleepContext
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

// Validate checks the policy after defaults are applied.
func (p Policy) Validate() error {
	p = p.withDefaults()

	var problems []string
	if p.MaxAttempts < 1 {
		problems = append(problems, fmt.Sprintf("max attempts %d < 1", p.MaxAttempts))
	}
	if p.BaseDelay < 0 {
		problems = append(problems, fmt.Sprintf("base delay %s < 0", p.BaseDelay))
	}
	if p.Multiplier < 1 {
		problems = append(problems, fmt.Sprintf("multiplier %g < 1", p.Multiplier))
	}
	if p.MaxDelay < 0 {
		problems = append(problems, fmt.Sprintf("max delay %s < 0", p.MaxDelay))
	}
	if p.JitterFraction < 0 || p.JitterFraction > 1 {
		problems = append(problems, fmt.Sprintf("jitter fraction %g outside (0, 1]", p.JitterFraction))
	}
	if _, ok := strategyNames[p.Strategy]; !ok {
		problems = append(problems, "unknown strategy")
	}
	if _, ok := jitterNames[p.Jitter]; !ok {
		problems = append(problems, "unknown jitter mode")
	}
	if len(problems) == 0 {
		return nil
	}
	return toolerrors.InvalidInput(strings.Join(problems, "; "), toolerrors.WithCause(ErrInvalidPolicy))
}

// Backoff returns the wait before attempt k without jitter, clipped to
// MaxDelay. Attempts before the second have no wait.
func (p Policy) Backoff(k int) time.Duration {
	p = p.withDefaults()
	if k < 2 || p.BaseDelay <= 0 {
		return 0
	}
	n := k - 2
	base := float64(p.BaseDelay)

	var d float64
	switch p.Strategy {
	case Fixed:
		d = base
	case Linear:
		d = base * float64(n+1)
	case Fibonacci:
		d = base * fibonacci(n+1)
	default:
		d = base * math.Pow(p.Multiplier, float64(n))
	}
	return p.clip(d)
}

// Delay returns the wait before attempt k, jitter included.
func (p Policy) Delay(k int) time.Duration {
	p = p.withDefaults()
	return p.jitter(p.Backoff(k))
}

func (p Policy) jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	switch p.Jitter {
	case JitterProportional:
		f := 1 - p.JitterFraction + 2*p.JitterFraction*p.random()
		return p.clip(float64(d) * f)
	case JitterFull:
		return p.clip(float64(d) * p.random())
	default:
		return d
	}
}

// clip converts d to a Duration, saturating on overflow and at MaxDelay.
func (p Policy) clip(d float64) time.Duration {
	out := time.Duration(math.MaxInt64)
	if d < math.MaxInt64 && !math.IsNaN(d) {
		out = time.Duration(d)
	}
	if p.MaxDelay > 0 && out > p.MaxDelay {
		return p.MaxDelay
	}
	return out
}

// wait is the delay before attempt k after err: the backoff, raised to any
// retry-after hint err carries, clipped to MaxDelay.
func (p Policy) wait(k int, err error) time.Duration {
	d := p.Delay(k)
	if hint, ok := toolerrors.RetryAfter(err); ok && hint > d {
		d = p.clip(float64(hint))
	}
	return d
}

// shouldRetry applies Permanent markers, StopOn and the classifier.
func (p Policy) shouldRetry(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	for _, target := range p.StopOn {
		if errors.Is(err, target) {
			return false
		}
	}
	return p.Retryable(err)
}

// fibonacci returns F(n) with F(1) = F(2) = 1.
func fibonacci(n int) float64 {
	a, b := 0.0, 1.0
	for i := 0; i < n; i++ {
		a, b = b, a+b
		if a > math.MaxInt64 {
			return math.Inf(1)
		}
	}
	return a
}

// sleepContext waits for d or until ctx ends.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
