// Package guard bounds operations with a deadline.
package guard

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned when an operation does not settle in time.
var ErrTimeout = errors.New("guard: timeout exceeded")

type outcome[T any] struct {
	val T
	err error
}

// Race runs op and returns whichever comes first: op settling, timeout
// elapsing, or ctx ending. When the timeout wins the context passed to op
// is cancelled so the operation can release what it holds; its late result
// is discarded. A non-positive timeout disables the deadline.
func Race[T any](ctx context.Context, timeout time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan outcome[T], 1)
	go func() {
		v, err := op(opCtx)
		results <- outcome[T]{val: v, err: err}
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	var zero T
	select {
	case r := <-results:
		return r.val, r.err
	case <-expired:
		return zero, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Do is Race for operations without a result value.
func Do(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	_, err := Race(ctx, timeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
