package pathfollow

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
	"github.com/2lambda123/isce-framework-tophu/pkg/unwrap"
)

func TestWrap(t *testing.T) {
	for _, tc := range []struct {
		in, expected float64
	}{
		{in: 0, expected: 0},
		{in: math.Pi, expected: -math.Pi},
		{in: 3 * math.Pi / 2, expected: -math.Pi / 2},
		{in: -5 * math.Pi / 2, expected: -math.Pi / 2},
		{in: 7, expected: 7 - 2*math.Pi},
	} {
		require.InDelta(t, tc.expected, Wrap(tc.in), 1e-12)
	}
}

func TestUnwrapRamp(t *testing.T) {
	const rows, cols = 20, 30
	truth := raster.New[float64](rows, cols)
	wrapped := raster.New[float64](rows, cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			v := 0.4*float64(r) + 0.7*float64(c)
			truth.Set(r, c, v)
			wrapped.Set(r, c, Wrap(v))
		}
	}

	res, err := New().Unwrap(context.Background(), &unwrap.Request{Wrapped: wrapped, NLooks: 1})
	require.NoError(t, err)
	require.NoError(t, unwrap.CheckResult(&unwrap.Request{Wrapped: wrapped}, res))

	offset := truth.Data[0] - res.Unwrapped.Data[0]
	for i := range truth.Data {
		require.InDelta(t, truth.Data[i], res.Unwrapped.Data[i]+offset, 1e-9)
		require.Equal(t, uint32(1), res.Labels.Data[i])
	}
}

func TestUnwrapLabelsSeparatedRegions(t *testing.T) {
	wrapped := raster.New[float64](3, 5)
	coherence := raster.FromRows([][]float64{
		{1, 1, 0, 1, 1},
		{1, 1, 0, 1, 1},
		{1, 1, 0, 0, 1},
	})

	u := &Unwrapper{MinComponentSize: 6}
	res, err := u.Unwrap(context.Background(), &unwrap.Request{Wrapped: wrapped, Coherence: coherence, NLooks: 1})
	require.NoError(t, err)

	require.Equal(t, []uint32{
		1, 1, 0, 0, 0,
		1, 1, 0, 0, 0,
		1, 1, 0, 0, 0,
	}, res.Labels.Data)
}

func TestUnwrapCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New().Unwrap(ctx, &unwrap.Request{Wrapped: raster.New[float64](2, 2), NLooks: 1})
	require.ErrorIs(t, err, context.Canceled)
}
