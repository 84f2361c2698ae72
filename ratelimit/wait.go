package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	toolerrors "github.com/agent-toolbox/toolbox/errors"
	"github.com/agent-toolbox/toolbox/telemetry"
)

// reserver is the check-and-record step shared by every limiter.
//
// reserve admits tokens if there is room, checking ctx under the same lock
// that records the admission. When there is no room it reports how long
// until a retry could succeed.
type reserver interface {
	reserve(ctx context.Context, tokens int) (wait time.Duration, ok bool, err error)
}

// acquire runs the blocking admission loop for r.
func acquire(ctx context.Context, r reserver, o *options, tokens int) error {
	tracer := o.getTracer()
	start := o.now()

	ctx, span := tracer.StartAcquireSpan(ctx, o.name)
	err := waitLoop(ctx, r, o, tokens, start)
	waited := o.now().Sub(start)
	tracer.EndAcquireSpan(span, telemetry.AcquireSpanOptions{
		Resource: o.name,
		Tokens:   tokens,
		Waited:   waited,
	}, err)

	if err == nil && waited > 0 {
		o.logger.Admitted(o.name, tokens, waited)
	}
	return err
}

func waitLoop(ctx context.Context, r reserver, o *options, tokens int, start time.Time) error {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		wait, ok, err := r.reserve(ctx, tokens)
		if err != nil {
			if ctx.Err() != nil {
				return abortError(ctx, o, start)
			}
			return err
		}
		if ok {
			return nil
		}

		o.logger.RateLimited(o.name, wait)
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return abortError(ctx, o, start)
		case <-timer.C:
		}
	}
}

// tryAcquire runs one non-blocking admission attempt.
func tryAcquire(r reserver, o *options, tokens int) error {
	wait, ok, err := r.reserve(context.Background(), tokens)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	o.logger.RateLimited(o.name, wait)
	return exceededError(o.name, wait)
}

func abortError(ctx context.Context, o *options, start time.Time) error {
	waited := o.now().Sub(start)
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return toolerrors.RateLimitTimeout(o.name, waited, toolerrors.WithCause(ErrRateLimitTimeout))
	}
	return toolerrors.Wrap(ctx.Err(), "waiting for rate limit on "+o.name,
		toolerrors.WithResource(o.name),
		toolerrors.WithElapsed(waited),
	)
}

func exceededError(name string, retryAfter time.Duration) error {
	return toolerrors.RateLimited(fmt.Sprintf("rate limit on %s exceeded", name),
		toolerrors.WithResource(name),
		toolerrors.WithRetryAfter(retryAfter),
		toolerrors.WithCause(ErrRateLimitExceeded),
	)
}

func invalidTokens(name string, tokens, capacity int) error {
	return toolerrors.InvalidInput(
		fmt.Sprintf("cannot acquire %d tokens from %s (capacity %d)", tokens, name, capacity),
		toolerrors.WithResource(name),
		toolerrors.WithCause(ErrInvalidTokens),
	)
}
