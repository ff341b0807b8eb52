package model

import (
	"context"
	"errors"
	"time"
)

// Within runs fn with a deadline of timeout derived from ctx and returns
// no later than that deadline, even if fn ignores its context. A call that
// overruns yields a TIMEOUT error; fn keeps running in the background and
// its late result is discarded.
//
// A non-positive timeout leaves only ctx's own deadline in force.
func Within[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{val: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) && !IsTimeout(r.err) {
			return zero, NewTimeoutError(op, r.err)
		}
		return r.val, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, NewTimeoutError(op, ctx.Err())
		}
		return zero, ctx.Err()
	}
}

// WithinErr is Within for calls that return only an error.
func WithinErr(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	_, err := Within(ctx, timeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
