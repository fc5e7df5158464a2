package tiling

import (
	"time"

	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
)

// Status is the processing outcome of a tile.
type Status uint8

const (
	StatusPending Status = iota
	StatusOK
	// StatusFailed tiles occupy their grid slot but are excluded from stitching.
	StatusFailed
	// StatusNoData tiles had no valid input pixel and were never dispatched.
	StatusNoData
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusNoData:
		return "nodata"
	default:
		return "pending"
	}
}

// Result is a tile after the unwrap stage. Grids are tile-local copies; the
// Unwrapped, Labels and Weights grids are only set for StatusOK tiles.
type Result struct {
	Tile   Tile
	Status Status
	Err    error

	Wrapped   *raster.Grid[float64]
	Unwrapped *raster.Grid[float64]
	Labels    *raster.Grid[uint32]
	// Weights holds the per-pixel confidence used by the stitcher, normally the
	// coherence, zero on invalid pixels.
	Weights *raster.Grid[float64]

	Attempts int
	Duration time.Duration
}

// Usable reports whether the tile takes part in stitching.
func (r *Result) Usable() bool {
	return r.Status == StatusOK
}

// Valid reports whether the tile-local pixel (row, col) carries a trusted value.
func (r *Result) Valid(row, col int) bool {
	if !r.Usable() {
		return false
	}
	i := row*r.Unwrapped.Cols + col
	return r.Labels.Data[i] != 0 && r.Weights.Data[i] > 0 && raster.IsFinite(r.Unwrapped.Data[i])
}

// Local converts raster coordinates into tile-local coordinates.
func (r *Result) Local(row, col int) (int, int) {
	return row - r.Tile.Rows.Start, col - r.Tile.Cols.Start
}
