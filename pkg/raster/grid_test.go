package raster

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWindowCopiesSamples(t *testing.T) {
	g := FromRows([][]float64{
		{0, 1, 2, 3},
		{4, 5, 6, 7},
		{8, 9, 10, 11},
	})

	w := g.Window(Rect{Rows: Span{1, 3}, Cols: Span{1, 3}})
	require.Equal(t, 2, w.Rows)
	require.Equal(t, 2, w.Cols)
	require.Equal(t, []float64{5, 6, 9, 10}, w.Data)

	w.Set(0, 0, 100)
	require.InDelta(t, 5.0, g.At(1, 1), 0)
}

func TestSpanIntersect(t *testing.T) {
	for _, tc := range []struct {
		name     string
		a, b     Span
		expected Span
		empty    bool
	}{
		{name: "overlapping", a: Span{0, 5}, b: Span{3, 9}, expected: Span{3, 5}},
		{name: "touching", a: Span{0, 5}, b: Span{5, 9}, expected: Span{5, 5}, empty: true},
		{name: "contained", a: Span{0, 10}, b: Span{2, 4}, expected: Span{2, 4}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got := tc.a.Intersect(tc.b)
			require.Equal(t, tc.expected, got)
			require.Equal(t, tc.empty, got.Empty())
		})
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, New[uint8](2, 3).Validate())
	require.Error(t, (&Grid[float64]{Rows: 2, Cols: 2, Data: make([]float64, 3)}).Validate())

	var nilGrid *Grid[float64]
	require.Error(t, nilGrid.Validate())
}

func TestGeoTransformOffset(t *testing.T) {
	gt := GeoTransform{100, 2, 0, 50, 0, -3}
	require.Equal(t, GeoTransform{110, 2, 0, 44, 0, -3}, gt.Offset(2, 5))
	require.Equal(t, GeoTransform{100, 8, 0, 50, 0, -12}, gt.Scale(4, 4))
}

func TestMetadataNoData(t *testing.T) {
	meta := Metadata{NoData: -9999, HasNoData: true}
	require.True(t, meta.IsNoData(-9999))
	require.True(t, meta.IsNoData(math.NaN()))
	require.False(t, meta.IsNoData(0))

	require.True(t, math.IsNaN(Metadata{}.NoDataValue()))
}

func TestQualitySeverity(t *testing.T) {
	require.Equal(t, QualityFailedTile, QualityOK.Worse(QualityFailedTile))
	require.Equal(t, QualityUnresolvedSeam, QualityUnresolvedSeam.Worse(QualityLowConfidence))
	require.Equal(t, "low-confidence-offset", QualityLowConfidence.String())
}
