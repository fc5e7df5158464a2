// Package reference computes the coarse, low-resolution unwrapped solution used to
// anchor tile cycle offsets to a common absolute phase.
package reference

import (
	"context"
	"fmt"
	"math"
	"math/cmplx"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
	"github.com/2lambda123/isce-framework-tophu/pkg/telemetry"
	"github.com/2lambda123/isce-framework-tophu/pkg/unwrap"
)

var tracer = otel.Tracer("internal/reference")

// Solution is the coarse unwrapped phase covering the full raster extent.
// It is created once per job and read-only afterwards.
type Solution struct {
	// Factor is the downsampling factor along (rows, cols).
	Factor [2]int
	// Rows and Cols are the full-resolution dimensions.
	Rows int
	Cols int

	Unwrapped *raster.Grid[float64]
	Labels    *raster.Grid[uint32]
	Weights   *raster.Grid[float64]
}

// Downsampled is the output of Downsample.
type Downsampled struct {
	Phase   *raster.Grid[float64]
	Weights *raster.Grid[float64]
}

// Downsample decimates phase by factor using a weighted complex average so that
// cycle discontinuities do not bias the block phase. Each block collects
// w·exp(iφ) over its valid pixels; the block phase is the argument of the sum and
// the block weight is the phase consistency |Σ w·exp(iφ)| / Σ w. Edge blocks may
// be partial. weights may be nil, meaning unit weight. valid reports whether a
// full-resolution pixel may contribute.
func Downsample(phase, weights *raster.Grid[float64], factor [2]int, valid func(i int) bool) (*Downsampled, error) {
	if factor[0] < 1 || factor[1] < 1 {
		return nil, fmt.Errorf("downsample factor must be >= 1, got (%d, %d)", factor[0], factor[1])
	}
	if weights != nil && !raster.SameShape(phase, weights) {
		return nil, fmt.Errorf("shape mismatch: phase and weights must have the same shape")
	}

	rows := ceilDiv(phase.Rows, factor[0])
	cols := ceilDiv(phase.Cols, factor[1])
	out := &Downsampled{
		Phase:   raster.New[float64](rows, cols),
		Weights: raster.New[float64](rows, cols),
	}

	for br := 0; br < rows; br++ {
		for bc := 0; bc < cols; bc++ {
			var sum complex128
			var wsum float64
			for r := br * factor[0]; r < min((br+1)*factor[0], phase.Rows); r++ {
				for c := bc * factor[1]; c < min((bc+1)*factor[1], phase.Cols); c++ {
					i := r*phase.Cols + c
					if valid != nil && !valid(i) {
						continue
					}
					w := 1.0
					if weights != nil {
						w = weights.Data[i]
					}
					if !(w > 0) {
						continue
					}
					sum += complex(w, 0) * cmplx.Exp(complex(0, phase.Data[i]))
					wsum += w
				}
			}
			if wsum == 0 {
				continue
			}
			out.Phase.Set(br, bc, cmplx.Phase(sum))
			out.Weights.Set(br, bc, cmplx.Abs(sum)/wsum)
		}
	}
	return out, nil
}

// Solve downsamples the full raster described by req and unwraps it once as a
// single tile. The unwrapper sees the block weights as coherence. The call is
// bounded by timeout when it is positive, and a panic in u is returned as an error.
func Solve(ctx context.Context, u unwrap.Unwrapper, req *unwrap.Request, factor [2]int, timeout time.Duration) (*Solution, error) {
	ctx, span := tracer.Start(ctx, "reference.Solve")
	defer span.End()

	ds, err := Downsample(req.Wrapped, req.Coherence, factor, req.Valid)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("coarse_rows", ds.Phase.Rows),
		attribute.Int("coarse_cols", ds.Phase.Cols),
	)

	coarseReq := &unwrap.Request{
		Wrapped:   ds.Phase,
		Coherence: ds.Weights,
		NLooks:    req.NLooks * float64(factor[0]*factor[1]),
	}
	res, err := unwrap.Call(ctx, u, coarseReq, timeout)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, fmt.Errorf("coarse unwrap: %w", err)
	}

	return &Solution{
		Factor:    factor,
		Rows:      req.Wrapped.Rows,
		Cols:      req.Wrapped.Cols,
		Unwrapped: res.Unwrapped,
		Labels:    res.Labels,
		Weights:   ds.Weights,
	}, nil
}

// At resamples the coarse solution at full-resolution pixel (row, col) by bilinear
// interpolation between block centres. Partial edge blocks use their true centre
// and positions outside the outermost centres are clamped. It returns NaN when a
// contributing coarse sample is unlabelled.
func (s *Solution) At(row, col int) float64 {
	r0, r1, fr := locate(float64(row), s.Rows, s.Factor[0], s.Unwrapped.Rows)
	c0, c1, fc := locate(float64(col), s.Cols, s.Factor[1], s.Unwrapped.Cols)

	var v, wsum float64
	for _, p := range [4]struct {
		r, c int
		w    float64
	}{
		{r0, c0, (1 - fr) * (1 - fc)},
		{r0, c1, (1 - fr) * fc},
		{r1, c0, fr * (1 - fc)},
		{r1, c1, fr * fc},
	} {
		if p.w == 0 {
			continue
		}
		if s.Labels.At(p.r, p.c) == 0 {
			return math.NaN()
		}
		v += p.w * s.Unwrapped.At(p.r, p.c)
		wsum += p.w
	}
	if wsum == 0 {
		return math.NaN()
	}
	return v / wsum
}

// Valid reports whether At(row, col) yields a usable value.
func (s *Solution) Valid(row, col int) bool {
	return raster.IsFinite(s.At(row, col))
}

// blockCenter returns the full-resolution coordinate of the centre of block b.
func blockCenter(b, length, factor int) float64 {
	start := b * factor
	end := min(start+factor, length)
	return float64(start+end-1) / 2
}

// locate finds the pair of coarse samples bracketing full-resolution position x
// and the interpolation fraction between them.
func locate(x float64, length, factor, n int) (int, int, float64) {
	if n == 1 {
		return 0, 0, 0
	}
	b := int(math.Floor((x+0.5)/float64(factor) - 0.5))
	if b < 0 {
		return 0, 0, 0
	}
	if b >= n-1 {
		last := blockCenter(n-1, length, factor)
		if x >= last {
			return n - 1, n - 1, 0
		}
		b = n - 2
	}
	lo := blockCenter(b, length, factor)
	hi := blockCenter(b+1, length, factor)
	f := (x - lo) / (hi - lo)
	switch {
	case f < 0:
		f = 0
	case f > 1:
		f = 1
	}
	return b, b + 1, f
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}
