package raster

import (
	"context"
	"math"
)

// GeoTransform maps pixel coordinates to georeferenced coordinates using the
// usual six-coefficient affine form:
//
//	x = gt[0] + col*gt[1] + row*gt[2]
//	y = gt[3] + col*gt[4] + row*gt[5]
type GeoTransform [6]float64

// IdentityGeoTransform maps pixel centres onto themselves.
var IdentityGeoTransform = GeoTransform{0, 1, 0, 0, 0, 1}

// Offset returns the transform of a window whose upper-left pixel is (row, col).
func (gt GeoTransform) Offset(row, col int) GeoTransform {
	out := gt
	out[0] = gt[0] + float64(col)*gt[1] + float64(row)*gt[2]
	out[3] = gt[3] + float64(col)*gt[4] + float64(row)*gt[5]
	return out
}

// Scale returns the transform of the same extent sampled with pixels factor times larger.
func (gt GeoTransform) Scale(rowFactor, colFactor int) GeoTransform {
	out := gt
	out[1] *= float64(colFactor)
	out[4] *= float64(colFactor)
	out[2] *= float64(rowFactor)
	out[5] *= float64(rowFactor)
	return out
}

// Metadata accompanies every raster that crosses the Access boundary.
type Metadata struct {
	GeoTransform GeoTransform
	// NoData is the sample value that marks missing data. It is only meaningful
	// when HasNoData is true.
	NoData    float64
	HasNoData bool
}

// NoDataValue returns the configured no-data value, or NaN when none is set.
func (m Metadata) NoDataValue() float64 {
	if m.HasNoData {
		return m.NoData
	}
	return math.NaN()
}

// IsNoData reports whether v should be treated as missing.
func (m Metadata) IsNoData(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	return m.HasNoData && v == m.NoData
}

// Access reads and writes named rasters. Implementations decide how names map
// to storage; the unwrapping core never depends on a specific format.
type Access interface {
	ReadFloat64(ctx context.Context, name string) (*Grid[float64], Metadata, error)
	WriteFloat64(ctx context.Context, name string, g *Grid[float64], meta Metadata) error
	WriteUint32(ctx context.Context, name string, g *Grid[uint32], meta Metadata) error
	WriteUint8(ctx context.Context, name string, g *Grid[uint8], meta Metadata) error
}
