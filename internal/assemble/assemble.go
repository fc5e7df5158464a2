// Package assemble overlays the offset-corrected tiles into the final raster
// together with a per-pixel quality layer and merged connected-component labels.
package assemble

import (
	"context"
	"math"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/2lambda123/isce-framework-tophu/internal/concurrency"
	"github.com/2lambda123/isce-framework-tophu/internal/stitch"
	"github.com/2lambda123/isce-framework-tophu/internal/tiling"
	"github.com/2lambda123/isce-framework-tophu/pkg/logger"
	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
	"github.com/2lambda123/isce-framework-tophu/pkg/telemetry"
)

var tracer = otel.Tracer("internal/assemble")

// BlendPolicy decides the output value where several tiles overlap.
type BlendPolicy string

const (
	// BlendNearest takes the tile whose centre is closest, ties to the lowest index.
	BlendNearest BlendPolicy = "nearest"
	// BlendWeightedAverage averages the tiles weighted by coherence and by a taper
	// that falls off toward each tile's interior borders.
	BlendWeightedAverage BlendPolicy = "weighted-average"
	// BlendPrecedence lets later tiles in schedule order overwrite earlier ones.
	BlendPrecedence BlendPolicy = "precedence"
)

// rowBand is the number of raster rows assembled per task.
const rowBand = 64

type Assembler struct {
	policy  BlendPolicy
	noData  float64
	workers int
	logger  logger.Logger
}

type AssemblerOpt func(*Assembler)

func WithBlendPolicy(p BlendPolicy) AssemblerOpt {
	return func(a *Assembler) {
		a.policy = p
	}
}

// WithNoData sets the value written where no tile contributes. The default is NaN.
func WithNoData(v float64) AssemblerOpt {
	return func(a *Assembler) {
		a.noData = v
	}
}

func WithWorkers(n int) AssemblerOpt {
	return func(a *Assembler) {
		a.workers = n
	}
}

func WithLogger(l logger.Logger) AssemblerOpt {
	return func(a *Assembler) {
		a.logger = l
	}
}

func New(opts ...AssemblerOpt) *Assembler {
	a := &Assembler{
		policy: BlendNearest,
		noData: math.NaN(),
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Output is the assembled raster set.
type Output struct {
	Unwrapped *raster.Grid[float64]
	Quality   *raster.Grid[raster.Quality]
	// Labels holds connected components merged across tiles and numbered 1..N in
	// raster-scan order of first appearance. Zero marks pixels without a component.
	Labels *raster.Grid[uint32]
}

// Assemble builds the output rasters from the tile results and their offsets.
func (a *Assembler) Assemble(ctx context.Context, plan *tiling.Plan, results []*tiling.Result, sol *stitch.Solution) (*Output, error) {
	ctx, span := tracer.Start(ctx, "assemble.Assemble", trace.WithAttributes(
		attribute.String("blend_policy", string(a.policy)),
	))
	defer span.End()

	out := &Output{
		Unwrapped: raster.New[float64](plan.Rows, plan.Cols),
		Quality:   raster.New[raster.Quality](plan.Rows, plan.Cols),
		Labels:    raster.New[uint32](plan.Rows, plan.Cols),
	}
	cover := newCoverage(plan)
	labels := newLabelSet(results)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency.Workers(a.workers))
	for start := 0; start < plan.Rows; start += rowBand {
		end := min(start+rowBand, plan.Rows)
		g.Go(func() error {
			for r := start; r < end; r++ {
				if err := gctx.Err(); err != nil {
					return err
				}
				a.assembleRow(r, plan, cover, results, sol, labels, out)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	labels.merge(plan, results, sol)
	n := labels.compact(out.Labels)
	span.SetAttributes(attribute.Int("components", n))
	a.logger.DebugWithContext(ctx, "assembled raster", zap.Int("components", n))
	return out, nil
}

// assembleRow fills one raster row. Rows are independent so bands may run in
// parallel; label ids are global and resolved after all rows are done.
func (a *Assembler) assembleRow(r int, plan *tiling.Plan, cover *coverage, results []*tiling.Result, sol *stitch.Solution, labels *labelSet, out *Output) {
	contributors := make([]int, 0, 4)
	for c := 0; c < plan.Cols; c++ {
		contributors = contributors[:0]
		failed := false
		for _, t := range cover.tiles(r, c) {
			res := results[t]
			switch res.Status {
			case tiling.StatusFailed:
				failed = true
				continue
			case tiling.StatusOK:
			default:
				continue
			}
			lr, lc := res.Local(r, c)
			if res.Valid(lr, lc) {
				contributors = append(contributors, t)
			}
		}

		i := r*plan.Cols + c
		if len(contributors) == 0 {
			out.Unwrapped.Data[i] = a.noData
			if failed && !cover.usable(r, c, results) {
				out.Quality.Data[i] = raster.QualityFailedTile
			} else {
				out.Quality.Data[i] = raster.QualityNoData
			}
			continue
		}

		out.Unwrapped.Data[i] = a.blend(r, c, plan, contributors, results, sol)
		out.Quality.Data[i] = quality(contributors, sol)

		first := results[contributors[0]]
		lr, lc := first.Local(r, c)
		out.Labels.Data[i] = labels.global(contributors[0], first.Labels.At(lr, lc))
	}
}

func (a *Assembler) blend(r, c int, plan *tiling.Plan, contributors []int, results []*tiling.Result, sol *stitch.Solution) float64 {
	value := func(t int) float64 {
		res := results[t]
		lr, lc := res.Local(r, c)
		return res.Unwrapped.At(lr, lc) + 2*math.Pi*float64(sol.Offsets[t])
	}

	switch a.policy {
	case BlendPrecedence:
		return value(contributors[len(contributors)-1])
	case BlendWeightedAverage:
		var sum, wsum float64
		for _, t := range contributors {
			res := results[t]
			lr, lc := res.Local(r, c)
			w := res.Weights.At(lr, lc) * taper(res.Tile, r, c, plan)
			sum += w * value(t)
			wsum += w
		}
		return sum / wsum
	default:
		best := -1
		bestDist := 0.0
		for _, t := range contributors {
			cr, cc := plan.Tiles[t].Center()
			d := (cr-float64(r))*(cr-float64(r)) + (cc-float64(c))*(cc-float64(c))
			if best < 0 || d < bestDist {
				best, bestDist = t, d
			}
		}
		return value(best)
	}
}

// taper is one plus the distance from (r, c) to the nearest tile border that lies
// inside the raster. Tiles touching the raster edge are not tapered there.
func taper(tile tiling.Tile, r, c int, plan *tiling.Plan) float64 {
	d := math.Inf(1)
	if tile.Rows.Start > 0 {
		d = min(d, float64(r-tile.Rows.Start+1))
	}
	if tile.Rows.End < plan.Rows {
		d = min(d, float64(tile.Rows.End-r))
	}
	if tile.Cols.Start > 0 {
		d = min(d, float64(c-tile.Cols.Start+1))
	}
	if tile.Cols.End < plan.Cols {
		d = min(d, float64(tile.Cols.End-c))
	}
	if math.IsInf(d, 1) {
		return 1
	}
	return d
}

// quality returns the most severe tag among the contributing tiles.
func quality(contributors []int, sol *stitch.Solution) raster.Quality {
	q := raster.QualityOK
	for i, t := range contributors {
		if sol.LowConfidence[t] {
			q = q.Worse(raster.QualityLowConfidence)
		}
		for _, u := range contributors[i+1:] {
			switch {
			case sol.Seam(t, u):
				q = q.Worse(raster.QualityUnresolvedSeam)
			case sol.Ambiguous(t, u):
				q = q.Worse(raster.QualityLowConfidence)
			}
		}
	}
	return q
}

// coverage maps raster rows and columns to the tile grid rows and columns that
// cover them.
type coverage struct {
	shape [2]int
	rows  [][]int
	cols  [][]int
}

func newCoverage(plan *tiling.Plan) *coverage {
	cv := &coverage{
		shape: plan.Shape,
		rows:  make([][]int, plan.Rows),
		cols:  make([][]int, plan.Cols),
	}
	for _, t := range plan.Tiles {
		if t.GridCol == 0 {
			for r := t.Rows.Start; r < t.Rows.End; r++ {
				cv.rows[r] = append(cv.rows[r], t.GridRow)
			}
		}
		if t.GridRow == 0 {
			for c := t.Cols.Start; c < t.Cols.End; c++ {
				cv.cols[c] = append(cv.cols[c], t.GridCol)
			}
		}
	}
	return cv
}

// tiles lists the indices of the tiles covering (r, c) in ascending order.
func (cv *coverage) tiles(r, c int) []int {
	out := make([]int, 0, len(cv.rows[r])*len(cv.cols[c]))
	for _, gr := range cv.rows[r] {
		for _, gc := range cv.cols[c] {
			out = append(out, gr*cv.shape[1]+gc)
		}
	}
	return out
}

// usable reports whether a successfully unwrapped tile covers (r, c).
func (cv *coverage) usable(r, c int, results []*tiling.Result) bool {
	for _, t := range cv.tiles(r, c) {
		if results[t].Usable() {
			return true
		}
	}
	return false
}
