package ratelimit

import "context"

// Do acquires one unit from l, then runs fn. Nothing is released when fn
// returns; the unit leaves the window on its own.
func Do[T any](ctx context.Context, l Limiter, fn func(context.Context) (T, error)) (T, error) {
	if err := l.Acquire(ctx, 1); err != nil {
		var zero T
		return zero, err
	}
	return fn(ctx)
}

// Wrap returns fn gated by l.
func Wrap[T any](l Limiter, fn func(context.Context) (T, error)) func(context.Context) (T, error) {
	return func(ctx context.Context) (T, error) {
		return Do(ctx, l, fn)
	}
}

// WrapKeyed returns fn gated by the limiter for key(arg).
func WrapKeyed[A, T any](k *KeyedLimiter, key func(A) string, fn func(context.Context, A) (T, error)) func(context.Context, A) (T, error) {
	return func(ctx context.Context, arg A) (T, error) {
		if err := k.Acquire(ctx, key(arg), 1); err != nil {
			var zero T
			return zero, err
		}
		return fn(ctx, arg)
	}
}
