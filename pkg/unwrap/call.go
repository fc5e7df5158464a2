package unwrap

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrPanicked is returned by Call when the Unwrapper panics.
var ErrPanicked = errors.New("unwrapper panicked")

type outcome struct {
	res *Result
	err error
}

// Call invokes u under an optional timeout and checks the result with CheckResult.
// A panic inside u is returned as ErrPanicked.
//
// Call returns as soon as ctx is done or the timeout expires, even when u ignores
// cancellation. The abandoned invocation keeps running in its own goroutine and
// its result is discarded.
func Call(ctx context.Context, u Unwrapper, req *Request, timeout time.Duration) (*Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("%w: %v", ErrPanicked, r)}
			}
		}()
		res, err := u.Unwrap(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, abandoned(ctx)
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		if ctx.Err() != nil {
			return nil, abandoned(ctx)
		}
		if err := CheckResult(req, o.res); err != nil {
			return nil, err
		}
		return o.res, nil
	}
}

func abandoned(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("unwrap exceeded its deadline: %w", ctx.Err())
	}
	return fmt.Errorf("unwrap abandoned: %w", ctx.Err())
}
