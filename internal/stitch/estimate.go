package stitch

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/2lambda123/isce-framework-tophu/internal/reference"
	"github.com/2lambda123/isce-framework-tophu/internal/tiling"
	tophuerrors "github.com/2lambda123/isce-framework-tophu/pkg/errors"
	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
)

// Estimator selects the central statistic of the cycle-difference samples.
type Estimator string

const (
	EstimatorMean   Estimator = "mean"
	EstimatorMedian Estimator = "median"
)

// Edge is the cycle-offset estimate between two overlapping tiles. All statistics
// are in cycles (units of 2π) of (φA − φB).
type Edge struct {
	A       int
	B       int
	Overlap raster.Rect

	// Candidates is the number of overlap pixels with valid input. Samples is how
	// many of them were valid in both unwrapped tiles.
	Candidates    int
	Samples       int
	ValidFraction float64
	Mean          float64
	StdDev        float64

	// Offset is the rounded estimate: offset[B] − offset[A] should equal it.
	Offset     int
	Confidence float64
	Valid      bool
}

// Ref returns the identifier used in reports and errors.
func (e Edge) Ref() tophuerrors.EdgeRef {
	return tophuerrors.EdgeRef{A: e.A, B: e.B}
}

// Empty reports whether the overlap held no valid input at all. Such edges carry
// no information and are neither ambiguous nor checked for seams.
func (e Edge) Empty() bool {
	return e.Candidates == 0
}

// Anchor ties a tile to the coarse reference. All statistics are in cycles of
// (ref − φ).
type Anchor struct {
	Tile          int
	Candidates    int
	Samples       int
	ValidFraction float64
	Mean          float64
	StdDev        float64
	Offset        int
	Confidence    float64
	Valid         bool
}

// sampleSet accumulates weighted samples in cycles.
type sampleSet struct {
	x []float64
	w []float64
}

func (s *sampleSet) add(x, w float64) {
	s.x = append(s.x, x)
	s.w = append(s.w, w)
}

// summarize returns the central value and the weighted population standard
// deviation of the samples.
func (s *sampleSet) summarize(estimator Estimator) (float64, float64) {
	mean, std := stat.PopMeanStdDev(s.x, s.w)
	if estimator != EstimatorMedian {
		return mean, std
	}
	x := slices.Clone(s.x)
	w := slices.Clone(s.w)
	stat.SortWeighted(x, w)
	return stat.Quantile(0.5, stat.Empirical, x, w), std
}

// estimateEdge collects (φA − φB)/2π over the overlap pixels where both tiles
// carry a trusted value.
func estimateEdge(pair tiling.Pair, a, b *tiling.Result, estimator Estimator) Edge {
	edge := Edge{A: pair.A, B: pair.B, Overlap: pair.Overlap}
	var samples sampleSet
	for r := pair.Overlap.Rows.Start; r < pair.Overlap.Rows.End; r++ {
		for c := pair.Overlap.Cols.Start; c < pair.Overlap.Cols.End; c++ {
			ar, ac := a.Local(r, c)
			if a.Weights.At(ar, ac) <= 0 {
				continue
			}
			edge.Candidates++
			br, bc := b.Local(r, c)
			if !a.Valid(ar, ac) || !b.Valid(br, bc) {
				continue
			}
			samples.add((a.Unwrapped.At(ar, ac)-b.Unwrapped.At(br, bc))/(2*math.Pi), a.Weights.At(ar, ac))
		}
	}
	edge.Samples = len(samples.x)
	if edge.Candidates > 0 {
		edge.ValidFraction = float64(edge.Samples) / float64(edge.Candidates)
	}
	if edge.Samples > 0 {
		edge.Mean, edge.StdDev = samples.summarize(estimator)
	}
	return edge
}

// estimateAnchor collects (ref − φ)/2π over the tile pixels where both the tile and
// the resampled reference are valid.
func estimateAnchor(res *tiling.Result, ref *reference.Solution, estimator Estimator) Anchor {
	anchor := Anchor{Tile: res.Tile.Index}
	var samples sampleSet
	for r := res.Tile.Rows.Start; r < res.Tile.Rows.End; r++ {
		for c := res.Tile.Cols.Start; c < res.Tile.Cols.End; c++ {
			lr, lc := res.Local(r, c)
			w := res.Weights.At(lr, lc)
			if w <= 0 {
				continue
			}
			anchor.Candidates++
			if !res.Valid(lr, lc) {
				continue
			}
			v := ref.At(r, c)
			if !raster.IsFinite(v) {
				continue
			}
			samples.add((v-res.Unwrapped.At(lr, lc))/(2*math.Pi), w)
		}
	}
	anchor.Samples = len(samples.x)
	if anchor.Candidates > 0 {
		anchor.ValidFraction = float64(anchor.Samples) / float64(anchor.Candidates)
	}
	if anchor.Samples > 0 {
		anchor.Mean, anchor.StdDev = samples.summarize(estimator)
	}
	return anchor
}

// judge applies the validity thresholds and returns the confidence of a
// statistic, which is zero when it is not trusted.
func judge(samples int, validFraction, std, minValidFraction, maxDispersion float64) (bool, float64) {
	if samples == 0 || validFraction < minValidFraction || std > maxDispersion {
		return false, 0
	}
	return true, max(validFraction*(1-std/maxDispersion), 0)
}

// roundCycles rounds x to the nearest integer. A fractional part of exactly one
// half resolves toward hint when one is given, and toward zero otherwise, so the
// result never depends on the order tiles were processed in.
func roundCycles(x float64, hint *int) int {
	lo := math.Floor(x)
	if x-lo != 0.5 {
		return int(math.Round(x))
	}
	down, up := int(lo), int(lo)+1
	if hint != nil {
		if abs(*hint-down) < abs(*hint-up) {
			return down
		}
		return up
	}
	if x > 0 {
		return down
	}
	return up
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
