package unwrap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
)

func TestCall(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	req := &Request{Wrapped: raster.New[float64](2, 3), NLooks: 1}
	echo := Func(func(_ context.Context, r *Request) (*Result, error) {
		return &Result{
			Unwrapped: r.Wrapped.Clone(),
			Labels:    raster.New[uint32](r.Wrapped.Rows, r.Wrapped.Cols),
		}, nil
	})

	t.Run("success", func(t *testing.T) {
		res, err := Call(context.Background(), echo, req, time.Second)
		require.NoError(t, err)
		require.True(t, raster.SameShape(req.Wrapped, res.Unwrapped))
	})

	t.Run("error_is_returned", func(t *testing.T) {
		boom := errors.New("boom")
		_, err := Call(context.Background(), Func(func(context.Context, *Request) (*Result, error) {
			return nil, boom
		}), req, 0)
		require.ErrorIs(t, err, boom)
	})

	t.Run("panic_becomes_error", func(t *testing.T) {
		_, err := Call(context.Background(), Func(func(context.Context, *Request) (*Result, error) {
			panic("index out of range")
		}), req, 0)
		require.ErrorIs(t, err, ErrPanicked)
		require.EqualError(t, err, "unwrapper panicked: index out of range")
	})

	t.Run("shape_is_checked", func(t *testing.T) {
		_, err := Call(context.Background(), Func(func(context.Context, *Request) (*Result, error) {
			return &Result{Unwrapped: raster.New[float64](1, 1), Labels: raster.New[uint32](1, 1)}, nil
		}), req, 0)
		require.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("timeout_without_cooperation", func(t *testing.T) {
		release := make(chan struct{})
		finished := make(chan struct{})
		hung := Func(func(context.Context, *Request) (*Result, error) {
			defer close(finished)
			<-release
			return nil, nil
		})

		start := time.Now()
		_, err := Call(context.Background(), hung, req, 10*time.Millisecond)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		require.ErrorContains(t, err, "unwrap exceeded its deadline")
		require.Less(t, time.Since(start), time.Second)

		close(release)
		<-finished
	})

	t.Run("cancelled_context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := Call(ctx, Func(func(ctx context.Context, _ *Request) (*Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}), req, time.Second)
		require.ErrorIs(t, err, context.Canceled)
	})
}
