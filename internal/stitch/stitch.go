// Package stitch reconciles independently unwrapped tiles by assigning each tile
// an integer cycle offset, so that neighbouring tiles agree in their overlaps.
//
// Offsets are estimated pairwise over every overlap, optionally tied to a coarse
// reference solution, and then solved globally over the tile graph. Overlaps that
// remain inconsistent after the solve are reported as unresolved seams; they are
// never silently averaged away.
package stitch

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/2lambda123/isce-framework-tophu/internal/build"
	"github.com/2lambda123/isce-framework-tophu/internal/concurrency"
	"github.com/2lambda123/isce-framework-tophu/internal/reference"
	"github.com/2lambda123/isce-framework-tophu/internal/tiling"
	tophuerrors "github.com/2lambda123/isce-framework-tophu/pkg/errors"
	"github.com/2lambda123/isce-framework-tophu/pkg/logger"
	"github.com/2lambda123/isce-framework-tophu/pkg/telemetry"
)

var tracer = otel.Tracer("internal/stitch")

const (
	DefaultMinValidOverlapFraction  = 0.1
	DefaultMaxEdgeDispersion        = 0.3
	DefaultMaxAmbiguousEdgeFraction = 1.0
	DefaultAnchorWeight             = 0.5

	fractionTolerance = 1e-9
)

var (
	ambiguousEdgesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "ambiguous_edges_total",
		Help:      "The total number of tile overlaps whose cycle offset could not be trusted.",
	})

	unresolvedSeamsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "unresolved_seams_total",
		Help:      "The total number of tile overlaps left inconsistent after offsets were assigned.",
	})

	stitchDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "stitch_duration_ms",
		Help:                            "Time spent estimating and solving tile cycle offsets.",
		Buckets:                         []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	})
)

// Stitcher assigns integer cycle offsets to unwrapped tiles.
type Stitcher struct {
	estimator                Estimator
	solver                   Solver
	minValidOverlapFraction  float64
	maxEdgeDispersion        float64
	maxAmbiguousEdgeFraction float64
	anchorWeight             float64
	workers                  int
	logger                   logger.Logger
}

type StitcherOpt func(*Stitcher)

func WithEstimator(e Estimator) StitcherOpt {
	return func(s *Stitcher) {
		s.estimator = e
	}
}

func WithSolver(solver Solver) StitcherOpt {
	return func(s *Stitcher) {
		s.solver = solver
	}
}

// WithMinValidOverlapFraction sets the smallest fraction of an overlap that must
// be valid in both tiles for its estimate to be trusted.
func WithMinValidOverlapFraction(f float64) StitcherOpt {
	return func(s *Stitcher) {
		s.minValidOverlapFraction = f
	}
}

// WithMaxEdgeDispersion sets the largest tolerated standard deviation, in cycles,
// of the per-pixel differences over an overlap.
func WithMaxEdgeDispersion(d float64) StitcherOpt {
	return func(s *Stitcher) {
		s.maxEdgeDispersion = d
	}
}

// WithMaxAmbiguousEdgeFraction aborts stitching when a larger fraction of edges is
// ambiguous. A value of 1 never aborts.
func WithMaxAmbiguousEdgeFraction(f float64) StitcherOpt {
	return func(s *Stitcher) {
		s.maxAmbiguousEdgeFraction = f
	}
}

// WithAnchorWeight scales the confidence of reference anchors relative to edges.
func WithAnchorWeight(w float64) StitcherOpt {
	return func(s *Stitcher) {
		s.anchorWeight = w
	}
}

// WithWorkers bounds the number of edges estimated concurrently.
func WithWorkers(n int) StitcherOpt {
	return func(s *Stitcher) {
		s.workers = n
	}
}

func WithLogger(l logger.Logger) StitcherOpt {
	return func(s *Stitcher) {
		s.logger = l
	}
}

func New(opts ...StitcherOpt) *Stitcher {
	s := &Stitcher{
		estimator:                EstimatorMedian,
		solver:                   SolverSpanningTree,
		minValidOverlapFraction:  DefaultMinValidOverlapFraction,
		maxEdgeDispersion:        DefaultMaxEdgeDispersion,
		maxAmbiguousEdgeFraction: DefaultMaxAmbiguousEdgeFraction,
		anchorWeight:             DefaultAnchorWeight,
		logger:                   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Solution is the outcome of stitching. Slices are indexed by tile index; tiles
// that did not take part keep offset zero.
type Solution struct {
	Offsets       []int
	LowConfidence []bool
	Edges         []Edge
	// Anchors is nil when no reference was supplied.
	Anchors []Anchor
	// Anchored reports whether at least one tile was tied to the reference.
	Anchored       bool
	AmbiguousEdges []tophuerrors.EdgeRef
	Seams          []tophuerrors.EdgeRef
}

// Seam reports whether the edge between tiles a and b was left unresolved.
func (s *Solution) Seam(a, b int) bool {
	return hasEdge(s.Seams, a, b)
}

// Ambiguous reports whether the edge between tiles a and b was excluded from the
// offset solve. Its offset was never established, even when the solved offsets
// happen to agree across it.
func (s *Solution) Ambiguous(a, b int) bool {
	return hasEdge(s.AmbiguousEdges, a, b)
}

func hasEdge(edges []tophuerrors.EdgeRef, a, b int) bool {
	for _, e := range edges {
		if (e.A == a && e.B == b) || (e.A == b && e.B == a) {
			return true
		}
	}
	return false
}

// Stitch assigns an integer offset to every usable tile. ref may be nil.
func (s *Stitcher) Stitch(ctx context.Context, plan *tiling.Plan, results []*tiling.Result, ref *reference.Solution) (*Solution, error) {
	ctx, span := tracer.Start(ctx, "stitch.Stitch")
	defer span.End()
	start := time.Now()
	defer func() {
		stitchDurationHistogram.Observe(float64(time.Since(start).Milliseconds()))
	}()

	sol := &Solution{
		Offsets:       make([]int, len(plan.Tiles)),
		LowConfidence: make([]bool, len(plan.Tiles)),
	}

	var pairs []tiling.Pair
	for _, pair := range plan.Neighbours() {
		if results[pair.A].Usable() && results[pair.B].Usable() {
			pairs = append(pairs, pair)
		}
	}

	var err error
	sol.Edges, sol.Anchors, err = s.estimate(ctx, pairs, results, ref)
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	s.judgeAnchors(sol)
	if err := s.judgeEdges(ctx, sol); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	if err := s.solve(plan, results, sol); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}

	s.checkSeams(ctx, sol)

	span.SetAttributes(
		attribute.Int("edges", len(sol.Edges)),
		attribute.Int("ambiguous_edges", len(sol.AmbiguousEdges)),
		attribute.Int("unresolved_seams", len(sol.Seams)),
		attribute.Bool("anchored", sol.Anchored),
	)
	return sol, nil
}

// estimate computes the edge and anchor statistics concurrently. Every task
// writes to its own slot.
func (s *Stitcher) estimate(ctx context.Context, pairs []tiling.Pair, results []*tiling.Result, ref *reference.Solution) ([]Edge, []Anchor, error) {
	edges := make([]Edge, len(pairs))
	var anchors []Anchor
	if ref != nil {
		anchors = make([]Anchor, len(results))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency.Workers(s.workers))
	for i, pair := range pairs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			edges[i] = estimateEdge(pair, results[pair.A], results[pair.B], s.estimator)
			return nil
		})
	}
	for i, res := range results {
		if ref == nil {
			break
		}
		if !res.Usable() {
			anchors[i] = Anchor{Tile: i}
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			anchors[i] = estimateAnchor(res, ref, s.estimator)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return edges, anchors, nil
}

func (s *Stitcher) judgeAnchors(sol *Solution) {
	for i := range sol.Anchors {
		a := &sol.Anchors[i]
		a.Valid, a.Confidence = judge(a.Samples, a.ValidFraction, a.StdDev, s.minValidOverlapFraction, s.maxEdgeDispersion)
		if a.Valid {
			a.Offset = roundCycles(a.Mean, nil)
			sol.Anchored = true
		}
	}
}

func (s *Stitcher) judgeEdges(ctx context.Context, sol *Solution) error {
	var nonEmpty int
	for i := range sol.Edges {
		e := &sol.Edges[i]
		if e.Empty() {
			continue
		}
		nonEmpty++

		e.Valid, e.Confidence = judge(e.Samples, e.ValidFraction, e.StdDev, s.minValidOverlapFraction, s.maxEdgeDispersion)
		if !e.Valid {
			sol.AmbiguousEdges = append(sol.AmbiguousEdges, e.Ref())
			ambiguousEdgesCounter.Inc()
			s.logger.WarnWithContext(ctx, tophuerrors.ErrAmbiguousEdge.Error(),
				zap.Int("tile_a", e.A),
				zap.Int("tile_b", e.B),
				zap.Float64("valid_fraction", e.ValidFraction),
				zap.Float64("dispersion", e.StdDev),
			)
			continue
		}

		var hint *int
		if sol.Anchors != nil && sol.Anchors[e.A].Valid && sol.Anchors[e.B].Valid {
			h := sol.Anchors[e.B].Offset - sol.Anchors[e.A].Offset
			hint = &h
		}
		e.Offset = roundCycles(e.Mean, hint)
	}

	if nonEmpty > 0 && float64(len(sol.AmbiguousEdges)) > s.maxAmbiguousEdgeFraction*float64(nonEmpty)+fractionTolerance {
		return &tophuerrors.InsufficientValidDataError{
			Reason:         fmt.Sprintf("%d of %d tile overlaps are ambiguous", len(sol.AmbiguousEdges), nonEmpty),
			AmbiguousEdges: sol.AmbiguousEdges,
		}
	}
	return nil
}

// solve builds the tile graph, picks a root per component and assigns offsets.
func (s *Stitcher) solve(plan *tiling.Plan, results []*tiling.Result, sol *Solution) error {
	tg := &tileGraph{ref: -1}
	for _, res := range results {
		if res.Usable() {
			tg.nodes = append(tg.nodes, int64(res.Tile.Index))
		}
	}
	if len(tg.nodes) == 0 {
		return nil
	}

	for _, e := range sol.Edges {
		if e.Valid {
			tg.links = append(tg.links, link{u: int64(e.A), v: int64(e.B), delta: e.Offset, weight: e.Confidence})
		}
	}
	if sol.Anchored {
		tg.ref = int64(len(plan.Tiles))
		for _, a := range sol.Anchors {
			if a.Valid {
				tg.links = append(tg.links, link{u: tg.ref, v: int64(a.Tile), delta: a.Offset, weight: a.Confidence * s.anchorWeight})
			}
		}
	}

	cr, cc := centre(plan)
	components := tg.components()
	roots := make([]int64, 0, len(components))
	primary := -1
	if !sol.Anchored {
		primary = s.primaryComponent(plan, components)
	}
	for i, comp := range components {
		if tg.ref >= 0 && comp[len(comp)-1] == tg.ref {
			roots = append(roots, tg.ref)
			continue
		}
		keep := func(tile int) bool {
			_, ok := slices.BinarySearch(comp, int64(tile))
			return ok
		}
		roots = append(roots, int64(plan.Nearest(cr, cc, keep)))
		if i != primary {
			for _, id := range comp {
				sol.LowConfidence[id] = true
			}
		}
	}

	var offsets map[int64]int
	switch s.solver {
	case SolverLeastSquares:
		var err error
		offsets, err = tg.solveLeastSquares(roots)
		if err != nil {
			return err
		}
	default:
		offsets = tg.solveSpanningTree(roots)
	}

	for _, id := range tg.nodes {
		sol.Offsets[id] = offsets[id]
	}
	return nil
}

// primaryComponent returns the index of the component with the most tiles. Ties
// go to the component holding the tile nearest the raster centre.
func (s *Stitcher) primaryComponent(plan *tiling.Plan, components [][]int64) int {
	largest := 0
	for _, comp := range components {
		largest = max(largest, len(comp))
	}
	owner := make(map[int]int)
	for i, comp := range components {
		if len(comp) != largest {
			continue
		}
		for _, id := range comp {
			owner[int(id)] = i
		}
	}
	cr, cc := centre(plan)
	nearest := plan.Nearest(cr, cc, func(tile int) bool {
		_, ok := owner[tile]
		return ok
	})
	return owner[nearest]
}

// checkSeams flags every non-empty edge whose corrected difference does not round
// to zero cycles.
func (s *Stitcher) checkSeams(ctx context.Context, sol *Solution) {
	for _, e := range sol.Edges {
		if e.Samples == 0 {
			continue
		}
		if roundCycles(e.Mean+float64(sol.Offsets[e.A]-sol.Offsets[e.B]), nil) == 0 {
			continue
		}
		sol.Seams = append(sol.Seams, e.Ref())
		unresolvedSeamsCounter.Inc()
		s.logger.WarnWithContext(ctx, tophuerrors.ErrUnresolvedSeam.Error(),
			zap.Int("tile_a", e.A),
			zap.Int("tile_b", e.B),
			zap.Float64("residual_cycles", e.Mean+float64(sol.Offsets[e.A]-sol.Offsets[e.B])),
		)
	}
}

func centre(plan *tiling.Plan) (float64, float64) {
	return float64(plan.Rows-1) / 2, float64(plan.Cols-1) / 2
}
