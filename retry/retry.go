package retry

import (
	"context"
	"fmt"
	"time"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
	"github.com/agent-toolbox/toolbox/logging"
	"github.com/agent-toolbox/toolbox/telemetry"
)

// Outcomes recorded on retry spans.
const (
	OutcomeSuccess     = "success"
	OutcomeNonRetry    = "non_retryable"
	OutcomeExhausted   = "exhausted"
	OutcomeInterrupted = "interrupted"
	OutcomeLimited     = "rate_limited"
)

// Do runs op until it succeeds, fails with an error that is not retried,
// or has been invoked MaxAttempts times.
//
// A failure that is not retried is returned as NON_RETRYABLE wrapping it.
// Running out of attempts returns RETRIES_EXHAUSTED wrapping the last
// failure. Both carry the attempt count and elapsed time. If ctx ends
// between attempts the context error is returned, wrapped with the same
// context.
func Do[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	var zero T

	if err := p.Validate(); err != nil {
		return zero, err
	}
	p = p.withDefaults()

	logger := logging.OrNop(p.Logger).WithComponent("retry")
	tracer := p.Tracer
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}

	ctx, span := tracer.StartRetrySpan(ctx, p.Name)
	start := p.now()
	finish := func(attempts int, outcome string, err error) {
		tracer.EndRetrySpan(span, telemetry.RetrySpanOptions{
			Attempts: attempts,
			Outcome:  outcome,
			Elapsed:  p.now().Sub(start),
		}, err)
	}

	for attempt := 1; ; attempt++ {
		if p.Limiter != nil {
			if err := p.Limiter.Acquire(ctx, 1); err != nil {
				err = toolerrors.Wrap(err, fmt.Sprintf("%s: admission for attempt %d", p.Name, attempt),
					toolerrors.WithAttempts(attempt-1),
					toolerrors.WithElapsed(p.now().Sub(start)),
				)
				finish(attempt-1, OutcomeLimited, err)
				return zero, err
			}
		}

		v, err := op(ctx)
		if err == nil {
			if attempt > 1 {
				logger.RetrySucceeded(p.Name, attempt, p.now().Sub(start))
			}
			finish(attempt, OutcomeSuccess, nil)
			return v, nil
		}

		elapsed := p.now().Sub(start)

		if ctx.Err() != nil {
			err = interrupted(ctx, p.Name, attempt, elapsed, err)
			finish(attempt, OutcomeInterrupted, err)
			return zero, err
		}

		if !p.shouldRetry(err) {
			err = toolerrors.NonRetryable(attempt, elapsed, err)
			finish(attempt, OutcomeNonRetry, err)
			return zero, err
		}

		if attempt >= p.MaxAttempts {
			logger.RetryExhausted(p.Name, attempt, err)
			err = toolerrors.RetriesExhausted(attempt, elapsed, err)
			finish(attempt, OutcomeExhausted, err)
			return zero, err
		}

		delay := p.wait(attempt+1, err)
		tracer.RecordAttempt(span, attempt, delay, err)
		logger.RetryAttempt(p.Name, attempt, err, delay)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		if serr := p.sleep(ctx, delay); serr != nil {
			err = interrupted(ctx, p.Name, attempt, p.now().Sub(start), err)
			finish(attempt, OutcomeInterrupted, err)
			return zero, err
		}
	}
}

// Wrap returns op retried under p.
func Wrap[T any](p Policy, op func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Do(ctx, p, op)
	}
}

// Execute runs op under the policy. See Do.
func (p Policy) Execute(ctx context.Context, op func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// interrupted reports a call cut short by its context. The last failure
// is kept in the metadata since the context error is the cause.
func interrupted(ctx context.Context, name string, attempts int, elapsed time.Duration, last error) error {
	return toolerrors.Wrap(ctx.Err(), fmt.Sprintf("%s: interrupted after %d attempts", name, attempts),
		toolerrors.WithAttempts(attempts),
		toolerrors.WithElapsed(elapsed),
		toolerrors.WithMetadata("last_error", last.Error()),
	)
}
