package dispatch

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"

	"github.com/2lambda123/isce-framework-tophu/internal/mocks"
	"github.com/2lambda123/isce-framework-tophu/internal/tiling"
	tophuerrors "github.com/2lambda123/isce-framework-tophu/pkg/errors"
	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
	"github.com/2lambda123/isce-framework-tophu/pkg/unwrap"
	"github.com/2lambda123/isce-framework-tophu/pkg/unwrap/pathfollow"
)

// marker is planted at a pixel covered only by the centre tile of a 3x3 plan.
const marker = 1.2345

func nineTiles(t *testing.T) (*tiling.Plan, *unwrap.Request) {
	t.Helper()
	plan, err := tiling.NewPlan(10, 10, [2]int{4, 4}, [2]int{1, 1})
	require.NoError(t, err)
	require.Len(t, plan.Tiles, 9)

	wrapped := raster.Fill(10, 10, 0.25)
	wrapped.Set(5, 5, marker)
	return plan, &unwrap.Request{Wrapped: wrapped, NLooks: 1}
}

func hasMarker(req *unwrap.Request) bool {
	for _, v := range req.Wrapped.Data {
		if v == marker {
			return true
		}
	}
	return false
}

func failCentre(ctx context.Context, req *unwrap.Request) (*unwrap.Result, error) {
	if hasMarker(req) {
		return nil, errors.New("solver diverged")
	}
	return pathfollow.New().Unwrap(ctx, req)
}

func TestDispatch(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	t.Run("all_tiles_succeed", func(t *testing.T) {
		plan, input := nineTiles(t)
		results, err := New(pathfollow.New(), WithWorkers(3)).Dispatch(context.Background(), plan, input)
		require.NoError(t, err)
		require.Len(t, results, 9)
		for i, res := range results {
			require.Equal(t, i, res.Tile.Index)
			require.Equal(t, tiling.StatusOK, res.Status)
			require.Equal(t, 1, res.Attempts)
			require.True(t, raster.SameShape(res.Wrapped, res.Unwrapped))
			require.True(t, res.Valid(0, 0))
		}
	})

	t.Run("input_is_not_mutated", func(t *testing.T) {
		plan, input := nineTiles(t)
		before := input.Wrapped.Clone()
		_, err := New(unwrap.Func(func(ctx context.Context, req *unwrap.Request) (*unwrap.Result, error) {
			for i := range req.Wrapped.Data {
				req.Wrapped.Data[i] = 0
			}
			return pathfollow.New().Unwrap(ctx, req)
		})).Dispatch(context.Background(), plan, input)
		require.NoError(t, err)
		require.Equal(t, before.Data, input.Wrapped.Data)
	})

	t.Run("auxiliary_inputs_are_windowed", func(t *testing.T) {
		plan, input := nineTiles(t)
		input.Power = raster.New[float64](10, 10)
		input.Estimate = raster.New[float64](10, 10)
		for i := range input.Power.Data {
			input.Power.Data[i] = float64(i)
			input.Estimate.Data[i] = -float64(i)
		}

		var mu sync.Mutex
		seen := make(map[float64]*unwrap.Request)
		_, err := New(unwrap.Func(func(ctx context.Context, req *unwrap.Request) (*unwrap.Result, error) {
			mu.Lock()
			seen[req.Power.Data[0]] = req
			mu.Unlock()
			return pathfollow.New().Unwrap(ctx, req)
		}), WithWorkers(3)).Dispatch(context.Background(), plan, input)
		require.NoError(t, err)

		require.Len(t, seen, len(plan.Tiles))
		for _, tile := range plan.Tiles {
			rect := tile.Rect()
			req := seen[float64(rect.Rows.Start*10+rect.Cols.Start)]
			require.NotNil(t, req, "tile %d", tile.Index)
			require.Equal(t, input.Power.Window(rect).Data, req.Power.Data)
			require.Equal(t, input.Estimate.Window(rect).Data, req.Estimate.Data)
		}
	})

	t.Run("tiles_without_valid_data_are_not_dispatched", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		plan, err := tiling.NewPlan(4, 8, [2]int{4, 5}, [2]int{1, 2})
		require.NoError(t, err)
		require.Len(t, plan.Tiles, 2)

		wrapped := raster.Fill(4, 8, 0.1)
		for r := 0; r < 4; r++ {
			for c := 5; c < 8; c++ {
				wrapped.Set(r, c, math.NaN())
			}
		}
		coherence := raster.Fill(4, 8, 0.7)
		for r := 0; r < 4; r++ {
			for c := 3; c < 5; c++ {
				coherence.Set(r, c, 0)
			}
		}

		mock := mocks.NewMockUnwrapper(ctrl)
		mock.EXPECT().Unwrap(gomock.Any(), gomock.Any()).Times(1).DoAndReturn(
			func(ctx context.Context, req *unwrap.Request) (*unwrap.Result, error) {
				require.Equal(t, 5, req.Wrapped.Cols)
				require.EqualValues(t, 0, req.Mask.At(0, 3))
				require.EqualValues(t, 1, req.Mask.At(0, 2))
				return pathfollow.New().Unwrap(ctx, req)
			},
		)

		results, err := New(mock).Dispatch(context.Background(), plan, &unwrap.Request{
			Wrapped:   wrapped,
			Coherence: coherence,
			NLooks:    1,
		})
		require.NoError(t, err)
		require.Equal(t, tiling.StatusOK, results[0].Status)
		require.Equal(t, tiling.StatusNoData, results[1].Status)
		require.InDelta(t, 0.7, results[0].Weights.At(0, 0), 1e-12)
		require.Zero(t, results[0].Weights.At(0, 3))
		require.False(t, results[0].Valid(0, 3))
	})

	t.Run("failure_within_threshold_is_recorded", func(t *testing.T) {
		plan, input := nineTiles(t)
		results, err := New(unwrap.Func(failCentre), WithMaxFailedTileFraction(1.0/9)).
			Dispatch(context.Background(), plan, input)
		require.NoError(t, err)
		for i, res := range results {
			if i == 4 {
				require.Equal(t, tiling.StatusFailed, res.Status)
				require.ErrorIs(t, res.Err, tophuerrors.ErrTileUnwrap)
				require.ErrorContains(t, res.Err, "solver diverged")
				var tileErr *tophuerrors.TileUnwrapError
				require.ErrorAs(t, res.Err, &tileErr)
				require.Equal(t, 4, tileErr.Tile)
				require.False(t, res.Usable())
				continue
			}
			require.Equal(t, tiling.StatusOK, res.Status)
		}
	})

	t.Run("failure_above_threshold_aborts", func(t *testing.T) {
		plan, input := nineTiles(t)
		results, err := New(unwrap.Func(failCentre), WithMaxFailedTileFraction(0.1)).
			Dispatch(context.Background(), plan, input)
		require.Nil(t, results)
		require.ErrorIs(t, err, tophuerrors.ErrInsufficientValidData)

		var abort *tophuerrors.InsufficientValidDataError
		require.ErrorAs(t, err, &abort)
		require.Equal(t, []int{4}, abort.FailedTiles)
	})

	t.Run("shape_violation_is_not_retried", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		defer ctrl.Finish()

		plan, err := tiling.NewPlan(3, 3, [2]int{4, 4}, [2]int{1, 1})
		require.NoError(t, err)

		mock := mocks.NewMockUnwrapper(ctrl)
		mock.EXPECT().Unwrap(gomock.Any(), gomock.Any()).Times(1).Return(&unwrap.Result{
			Unwrapped: raster.New[float64](2, 3),
			Labels:    raster.New[uint32](3, 3),
		}, nil)

		results, err := New(mock, WithMaxRetries(3), WithRetryInterval(time.Millisecond), WithMaxFailedTileFraction(1)).
			Dispatch(context.Background(), plan, &unwrap.Request{Wrapped: raster.Fill(3, 3, 0.5), NLooks: 1})
		require.NoError(t, err)
		require.Equal(t, tiling.StatusFailed, results[0].Status)
		require.ErrorIs(t, results[0].Err, unwrap.ErrShapeMismatch)
		require.ErrorIs(t, results[0].Err, tophuerrors.ErrTileUnwrap)
		require.Equal(t, 1, results[0].Attempts)
	})

	t.Run("transient_failure_is_retried", func(t *testing.T) {
		plan, err := tiling.NewPlan(3, 3, [2]int{4, 4}, [2]int{1, 1})
		require.NoError(t, err)

		var calls atomic.Int32
		flaky := unwrap.Func(func(ctx context.Context, req *unwrap.Request) (*unwrap.Result, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("transient")
			}
			return pathfollow.New().Unwrap(ctx, req)
		})

		results, err := New(flaky, WithMaxRetries(2), WithRetryInterval(time.Millisecond)).
			Dispatch(context.Background(), plan, &unwrap.Request{Wrapped: raster.Fill(3, 3, 0.5), NLooks: 1})
		require.NoError(t, err)
		require.Equal(t, tiling.StatusOK, results[0].Status)
		require.Equal(t, 2, results[0].Attempts)
	})

	t.Run("panic_becomes_tile_failure", func(t *testing.T) {
		plan, input := nineTiles(t)
		panicky := unwrap.Func(func(ctx context.Context, req *unwrap.Request) (*unwrap.Result, error) {
			if hasMarker(req) {
				panic("index out of range")
			}
			return pathfollow.New().Unwrap(ctx, req)
		})

		results, err := New(panicky, WithMaxFailedTileFraction(0.5)).Dispatch(context.Background(), plan, input)
		require.NoError(t, err)
		require.Equal(t, tiling.StatusFailed, results[4].Status)
		require.ErrorContains(t, results[4].Err, "unwrapper panicked: index out of range")
	})

	t.Run("tile_timeout", func(t *testing.T) {
		plan, err := tiling.NewPlan(3, 3, [2]int{4, 4}, [2]int{1, 1})
		require.NoError(t, err)

		slow := unwrap.Func(func(ctx context.Context, req *unwrap.Request) (*unwrap.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

		results, err := New(slow, WithTileTimeout(10*time.Millisecond), WithMaxFailedTileFraction(1)).
			Dispatch(context.Background(), plan, &unwrap.Request{Wrapped: raster.Fill(3, 3, 0.5), NLooks: 1})
		require.NoError(t, err)
		require.Equal(t, tiling.StatusFailed, results[0].Status)
		require.ErrorIs(t, results[0].Err, context.DeadlineExceeded)
	})

	t.Run("tile_timeout_with_unwrapper_ignoring_context", func(t *testing.T) {
		plan, err := tiling.NewPlan(3, 3, [2]int{4, 4}, [2]int{1, 1})
		require.NoError(t, err)

		release := make(chan struct{})
		finished := make(chan struct{})
		hung := unwrap.Func(func(context.Context, *unwrap.Request) (*unwrap.Result, error) {
			defer close(finished)
			<-release
			return nil, errors.New("released")
		})

		start := time.Now()
		results, err := New(hung, WithTileTimeout(10*time.Millisecond), WithMaxFailedTileFraction(1)).
			Dispatch(context.Background(), plan, &unwrap.Request{Wrapped: raster.Fill(3, 3, 0.5), NLooks: 1})
		require.NoError(t, err)
		require.Less(t, time.Since(start), time.Second)
		require.Equal(t, tiling.StatusFailed, results[0].Status)
		require.ErrorIs(t, results[0].Err, context.DeadlineExceeded)

		close(release)
		<-finished
	})

	t.Run("cancelled_context", func(t *testing.T) {
		plan, input := nineTiles(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		results, err := New(pathfollow.New(), WithMaxFailedTileFraction(1)).Dispatch(ctx, plan, input)
		require.Nil(t, results)
		require.ErrorIs(t, err, context.Canceled)
	})
}
