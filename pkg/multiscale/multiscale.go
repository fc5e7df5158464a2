// Package multiscale unwraps large interferograms by splitting them into
// overlapping tiles, unwrapping every tile independently and stitching the results
// back into a single raster whose cycle ambiguities agree across tile borders.
//
// A Job drives the full pipeline:
//
//  1. the raster is partitioned into a grid of overlapping tiles,
//  2. every tile is handed to the Unwrapper on a bounded worker pool while, in
//     parallel, a coarse downsampled copy of the whole raster is unwrapped once
//     to serve as a common phase reference,
//  3. integer cycle offsets are estimated over the overlaps and solved for all
//     tiles at once,
//  4. the offset-corrected tiles are blended into the output together with a
//     per-pixel quality layer and merged connected-component labels.
package multiscale

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/2lambda123/isce-framework-tophu/internal/assemble"
	"github.com/2lambda123/isce-framework-tophu/internal/build"
	"github.com/2lambda123/isce-framework-tophu/internal/dispatch"
	"github.com/2lambda123/isce-framework-tophu/internal/reference"
	"github.com/2lambda123/isce-framework-tophu/internal/stitch"
	"github.com/2lambda123/isce-framework-tophu/internal/tiling"
	tophuerrors "github.com/2lambda123/isce-framework-tophu/pkg/errors"
	"github.com/2lambda123/isce-framework-tophu/pkg/id"
	"github.com/2lambda123/isce-framework-tophu/pkg/logger"
	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
	"github.com/2lambda123/isce-framework-tophu/pkg/telemetry"
	"github.com/2lambda123/isce-framework-tophu/pkg/unwrap"
)

var tracer = otel.Tracer("pkg/multiscale")

var (
	jobsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "jobs_total",
		Help:      "The total number of multiscale unwrap jobs by outcome.",
	}, []string{"outcome"})

	jobDurationHistogram = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "job_duration_ms",
		Help:                            "End-to-end duration of a multiscale unwrap job.",
		Buckets:                         []float64{10, 100, 1000, 5000, 30000, 120000, 600000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	})
)

var (
	DefaultNTiles           = [2]int{2, 2}
	DefaultOverlap          = [2]int{32, 32}
	DefaultDownsampleFactor = [2]int{3, 3}
)

// Job holds the settings of a multiscale unwrap. It is immutable after NewJob and
// may run several inputs, concurrently or in sequence.
type Job struct {
	unwrapper unwrap.Unwrapper

	tileSize         [2]int
	ntiles           [2]int
	overlap          [2]int
	downsampleFactor [2]int
	useReference     bool

	maxFailedTileFraction    float64
	minValidOverlapFraction  float64
	maxEdgeDispersion        float64
	maxAmbiguousEdgeFraction float64
	estimator                stitch.Estimator
	solver                   stitch.Solver
	anchorWeight             float64
	blendPolicy              assemble.BlendPolicy

	workers       int
	tileTimeout   time.Duration
	maxRetries    int
	retryInterval time.Duration

	logger logger.Logger
}

type JobOpt func(*Job)

// WithTileSize fixes the tile shape in pixels. It takes precedence over WithNTiles.
func WithTileSize(rows, cols int) JobOpt {
	return func(j *Job) {
		j.tileSize = [2]int{rows, cols}
	}
}

// WithNTiles sets the number of tiles along each axis. The tile shape is derived
// from the raster shape, the overlap and the downsample factor.
func WithNTiles(rows, cols int) JobOpt {
	return func(j *Job) {
		j.ntiles = [2]int{rows, cols}
	}
}

func WithOverlap(rows, cols int) JobOpt {
	return func(j *Job) {
		j.overlap = [2]int{rows, cols}
	}
}

func WithDownsampleFactor(rows, cols int) JobOpt {
	return func(j *Job) {
		j.downsampleFactor = [2]int{rows, cols}
	}
}

// WithReference toggles the coarse reference solve.
func WithReference(enabled bool) JobOpt {
	return func(j *Job) {
		j.useReference = enabled
	}
}

func WithMaxFailedTileFraction(f float64) JobOpt {
	return func(j *Job) {
		j.maxFailedTileFraction = f
	}
}

func WithMinValidOverlapFraction(f float64) JobOpt {
	return func(j *Job) {
		j.minValidOverlapFraction = f
	}
}

func WithMaxEdgeDispersion(d float64) JobOpt {
	return func(j *Job) {
		j.maxEdgeDispersion = d
	}
}

func WithMaxAmbiguousEdgeFraction(f float64) JobOpt {
	return func(j *Job) {
		j.maxAmbiguousEdgeFraction = f
	}
}

func WithEdgeEstimator(e stitch.Estimator) JobOpt {
	return func(j *Job) {
		j.estimator = e
	}
}

func WithSolver(s stitch.Solver) JobOpt {
	return func(j *Job) {
		j.solver = s
	}
}

func WithAnchorWeight(w float64) JobOpt {
	return func(j *Job) {
		j.anchorWeight = w
	}
}

func WithBlendPolicy(p assemble.BlendPolicy) JobOpt {
	return func(j *Job) {
		j.blendPolicy = p
	}
}

// WithWorkers bounds the concurrency of every stage. Zero or less means one
// worker per CPU.
func WithWorkers(n int) JobOpt {
	return func(j *Job) {
		j.workers = n
	}
}

func WithTileTimeout(d time.Duration) JobOpt {
	return func(j *Job) {
		j.tileTimeout = d
	}
}

func WithMaxRetries(n int) JobOpt {
	return func(j *Job) {
		j.maxRetries = n
	}
}

func WithRetryInterval(d time.Duration) JobOpt {
	return func(j *Job) {
		j.retryInterval = d
	}
}

func WithLogger(l logger.Logger) JobOpt {
	return func(j *Job) {
		j.logger = l
	}
}

// NewJob validates the settings that do not depend on the input raster.
func NewJob(u unwrap.Unwrapper, opts ...JobOpt) (*Job, error) {
	j := &Job{
		unwrapper:                u,
		ntiles:                   DefaultNTiles,
		overlap:                  DefaultOverlap,
		downsampleFactor:         DefaultDownsampleFactor,
		useReference:             true,
		minValidOverlapFraction:  stitch.DefaultMinValidOverlapFraction,
		maxEdgeDispersion:        stitch.DefaultMaxEdgeDispersion,
		maxAmbiguousEdgeFraction: stitch.DefaultMaxAmbiguousEdgeFraction,
		estimator:                stitch.EstimatorMedian,
		solver:                   stitch.SolverSpanningTree,
		anchorWeight:             stitch.DefaultAnchorWeight,
		blendPolicy:              assemble.BlendNearest,
		retryInterval:            100 * time.Millisecond,
		logger:                   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(j)
	}
	if err := j.verify(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Job) verify() error {
	if j.unwrapper == nil {
		return tophuerrors.Configurationf("unwrapper", "an unwrapper is required")
	}

	var errs []error
	if j.tileSize == [2]int{} {
		if j.ntiles[0] < 1 || j.ntiles[1] < 1 {
			errs = append(errs, tophuerrors.Configurationf("ntiles", "number of tiles must be >= 1"))
		}
	} else if j.tileSize[0] < 1 || j.tileSize[1] < 1 {
		errs = append(errs, tophuerrors.Configurationf("tile_size", "tile size must be >= 1, got %v", j.tileSize))
	}
	if j.overlap[0] < 0 || j.overlap[1] < 0 {
		errs = append(errs, tophuerrors.Configurationf("overlap_size", "overlap must be >= 0, got %v", j.overlap))
	}
	if j.downsampleFactor[0] < 1 || j.downsampleFactor[1] < 1 {
		errs = append(errs, tophuerrors.Configurationf("downsample_factor", "downsample factor must be >= 1"))
	}
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"max_failed_tile_fraction", j.maxFailedTileFraction},
		{"min_valid_overlap_fraction", j.minValidOverlapFraction},
		{"max_ambiguous_edge_fraction", j.maxAmbiguousEdgeFraction},
	} {
		if !(f.value >= 0 && f.value <= 1) {
			errs = append(errs, tophuerrors.Configurationf(f.name, "must be between 0 and 1, got %v", f.value))
		}
	}
	if !(j.maxEdgeDispersion > 0) {
		errs = append(errs, tophuerrors.Configurationf("max_edge_dispersion", "must be > 0, got %v", j.maxEdgeDispersion))
	}
	if !(j.anchorWeight >= 0) {
		errs = append(errs, tophuerrors.Configurationf("anchor_weight", "must be >= 0, got %v", j.anchorWeight))
	}
	switch j.estimator {
	case stitch.EstimatorMean, stitch.EstimatorMedian:
	default:
		errs = append(errs, tophuerrors.Configurationf("edge_estimator", "unknown estimator %q", j.estimator))
	}
	switch j.solver {
	case stitch.SolverSpanningTree, stitch.SolverLeastSquares:
	default:
		errs = append(errs, tophuerrors.Configurationf("solver", "unknown solver %q", j.solver))
	}
	switch j.blendPolicy {
	case assemble.BlendNearest, assemble.BlendWeightedAverage, assemble.BlendPrecedence:
	default:
		errs = append(errs, tophuerrors.Configurationf("overlap_blend_policy", "unknown blend policy %q", j.blendPolicy))
	}
	if j.tileTimeout < 0 {
		errs = append(errs, tophuerrors.Configurationf("tile_timeout", "must be >= 0, got %s", j.tileTimeout))
	}
	if j.maxRetries < 0 {
		errs = append(errs, tophuerrors.Configurationf("max_retries", "must be >= 0, got %d", j.maxRetries))
	}
	return errors.Join(errs...)
}

// Input is the raster set to unwrap. Coherence and Mask are optional.
type Input struct {
	Wrapped   *raster.Grid[float64]
	Coherence *raster.Grid[float64]
	// Mask marks valid pixels with a non-zero value.
	Mask *raster.Grid[uint8]
	// Power and Estimate are optional auxiliary inputs handed to the unwrapper
	// tile by tile.
	Power    *raster.Grid[float64]
	Estimate *raster.Grid[float64]
	Metadata raster.Metadata
	NLooks   float64
}

// Output is the result of a successful Run.
type Output struct {
	Unwrapped *raster.Grid[float64]
	Quality   *raster.Grid[raster.Quality]
	Labels    *raster.Grid[uint32]
	// Metadata carries the input georeferencing; NoData is the value written to
	// pixels without a trustworthy unwrapped phase.
	Metadata raster.Metadata
	Report   *Report
}

// Report summarizes a run for operators.
type Report struct {
	JobID           string                `json:"jobID"`
	Rows            int                   `json:"rows"`
	Cols            int                   `json:"cols"`
	TileSize        [2]int                `json:"tileSize"`
	Overlap         [2]int                `json:"overlap"`
	TileGrid        [2]int                `json:"tileGrid"`
	Tiles           int                   `json:"tiles"`
	DispatchedTiles int                   `json:"dispatchedTiles"`
	FailedTiles     []int                 `json:"failedTiles,omitempty"`
	NoDataTiles     []int                 `json:"noDataTiles,omitempty"`
	LowConfidence   []int                 `json:"lowConfidenceTiles,omitempty"`
	AmbiguousEdges  []tophuerrors.EdgeRef `json:"ambiguousEdges,omitempty"`
	UnresolvedSeams []tophuerrors.EdgeRef `json:"unresolvedSeams,omitempty"`
	// Offsets are the integer cycle offsets applied to each tile.
	Offsets       []int   `json:"offsets"`
	ReferenceUsed bool    `json:"referenceUsed"`
	Anchored      bool    `json:"anchored"`
	Seconds       float64 `json:"seconds"`
}

// Run unwraps input. Configuration and insufficient-data errors abort the run;
// failed tiles below the threshold, ambiguous edges and unresolved seams are
// recorded in the report and in the quality layer.
func (j *Job) Run(ctx context.Context, input Input) (out *Output, err error) {
	start := time.Now()
	jobID, err := id.New()
	if err != nil {
		return nil, fmt.Errorf("generating job id: %w", err)
	}
	log := j.logger.With(zap.String("job_id", jobID))

	ctx, span := tracer.Start(ctx, "multiscale.Run")
	span.SetAttributes(attribute.String("job_id", jobID))
	defer func() {
		outcome := "success"
		if err != nil {
			outcome = "failure"
			telemetry.TraceError(span, err)
		}
		jobsCounter.WithLabelValues(outcome).Inc()
		jobDurationHistogram.Observe(float64(time.Since(start).Milliseconds()))
		span.End()
	}()

	req, err := j.request(input)
	if err != nil {
		return nil, err
	}
	plan, err := j.plan(req.Wrapped.Rows, req.Wrapped.Cols)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("rows", plan.Rows),
		attribute.Int("cols", plan.Cols),
		attribute.Int("tiles", len(plan.Tiles)),
	)
	log.InfoWithContext(ctx, "starting multiscale unwrap",
		zap.Ints("shape", []int{plan.Rows, plan.Cols}),
		zap.Ints("tile_grid", plan.Shape[:]),
		zap.Ints("tile_size", plan.Size[:]),
		zap.Ints("overlap", plan.Overlap[:]),
	)

	results, ref, err := j.unwrapTiles(ctx, plan, req, log)
	if err != nil {
		return nil, err
	}

	report := &Report{
		JobID:         jobID,
		Rows:          plan.Rows,
		Cols:          plan.Cols,
		TileSize:      plan.Size,
		Overlap:       plan.Overlap,
		TileGrid:      plan.Shape,
		Tiles:         len(plan.Tiles),
		ReferenceUsed: ref != nil,
	}
	usable := 0
	for _, res := range results {
		switch res.Status {
		case tiling.StatusOK:
			usable++
		case tiling.StatusFailed:
			report.FailedTiles = append(report.FailedTiles, res.Tile.Index)
		case tiling.StatusNoData:
			report.NoDataTiles = append(report.NoDataTiles, res.Tile.Index)
		}
	}
	report.DispatchedTiles = len(plan.Tiles) - len(report.NoDataTiles)
	if usable == 0 {
		return nil, &tophuerrors.InsufficientValidDataError{
			Reason:      "no tile produced a usable unwrapped phase",
			FailedTiles: report.FailedTiles,
		}
	}

	var sol *stitch.Solution
	if plan.Single() {
		sol = &stitch.Solution{Offsets: []int{0}, LowConfidence: []bool{false}}
	} else {
		sol, err = stitch.New(
			stitch.WithEstimator(j.estimator),
			stitch.WithSolver(j.solver),
			stitch.WithMinValidOverlapFraction(j.minValidOverlapFraction),
			stitch.WithMaxEdgeDispersion(j.maxEdgeDispersion),
			stitch.WithMaxAmbiguousEdgeFraction(j.maxAmbiguousEdgeFraction),
			stitch.WithAnchorWeight(j.anchorWeight),
			stitch.WithWorkers(j.workers),
			stitch.WithLogger(log),
		).Stitch(ctx, plan, results, ref)
		if err != nil {
			return nil, err
		}
	}
	report.Offsets = sol.Offsets
	report.Anchored = sol.Anchored
	report.AmbiguousEdges = sol.AmbiguousEdges
	report.UnresolvedSeams = sol.Seams
	for t, low := range sol.LowConfidence {
		if low {
			report.LowConfidence = append(report.LowConfidence, t)
		}
	}

	meta := input.Metadata
	if !meta.HasNoData {
		meta.NoData, meta.HasNoData = meta.NoDataValue(), true
	}
	assembled, err := assemble.New(
		assemble.WithBlendPolicy(j.blendPolicy),
		assemble.WithNoData(meta.NoData),
		assemble.WithWorkers(j.workers),
		assemble.WithLogger(log),
	).Assemble(ctx, plan, results, sol)
	if err != nil {
		return nil, err
	}

	report.Seconds = time.Since(start).Seconds()
	log.InfoWithContext(ctx, "multiscale unwrap finished",
		zap.Int("failed_tiles", len(report.FailedTiles)),
		zap.Int("nodata_tiles", len(report.NoDataTiles)),
		zap.Int("ambiguous_edges", len(report.AmbiguousEdges)),
		zap.Int("unresolved_seams", len(report.UnresolvedSeams)),
		zap.Bool("reference_used", report.ReferenceUsed),
		zap.Duration("duration", time.Since(start)),
	)

	return &Output{
		Unwrapped: assembled.Unwrapped,
		Quality:   assembled.Quality,
		Labels:    assembled.Labels,
		Metadata:  meta,
		Report:    report,
	}, nil
}

// unwrapTiles dispatches the tiles and, concurrently, solves the coarse reference.
// A failed reference solve is logged and the job continues without anchors.
func (j *Job) unwrapTiles(ctx context.Context, plan *tiling.Plan, req *unwrap.Request, log logger.Logger) ([]*tiling.Result, *reference.Solution, error) {
	var (
		results []*tiling.Result
		ref     *reference.Solution
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		results, err = dispatch.New(j.unwrapper,
			dispatch.WithWorkers(j.workers),
			dispatch.WithTileTimeout(j.tileTimeout),
			dispatch.WithMaxRetries(j.maxRetries),
			dispatch.WithRetryInterval(j.retryInterval),
			dispatch.WithMaxFailedTileFraction(j.maxFailedTileFraction),
			dispatch.WithLogger(log),
		).Dispatch(gctx, plan, req)
		return err
	})
	if j.useReference && !plan.Single() {
		g.Go(func() error {
			sol, err := reference.Solve(gctx, j.unwrapper, req, j.downsampleFactor, j.tileTimeout)
			if err != nil {
				if gctx.Err() == nil {
					log.WarnWithContext(ctx, "coarse reference solve failed, continuing without anchors", zap.Error(err))
				}
				return nil
			}
			ref = sol
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return results, ref, nil
}

// request validates the input and folds the mask and the no-data value into a
// single validity mask.
func (j *Job) request(input Input) (*unwrap.Request, error) {
	if input.Wrapped == nil {
		return nil, tophuerrors.Configurationf("igram", "input array must be 2-dimensional")
	}
	if err := input.Wrapped.Validate(); err != nil {
		return nil, tophuerrors.Configurationf("igram", "%v", err)
	}
	if input.Wrapped.Rows < 1 || input.Wrapped.Cols < 1 {
		return nil, tophuerrors.Configurationf("igram", "array axis lengths must be >= 1")
	}
	if input.Coherence != nil && !raster.SameShape(input.Wrapped, input.Coherence) {
		return nil, tophuerrors.Configurationf("coherence", "shape mismatch: igram and coherence must have the same shape")
	}
	if input.Mask != nil && !raster.SameShape(input.Wrapped, input.Mask) {
		return nil, tophuerrors.Configurationf("mask", "shape mismatch: igram and mask must have the same shape")
	}
	if input.Power != nil && !raster.SameShape(input.Wrapped, input.Power) {
		return nil, tophuerrors.Configurationf("power", "shape mismatch: igram and power must have the same shape")
	}
	if input.Estimate != nil && !raster.SameShape(input.Wrapped, input.Estimate) {
		return nil, tophuerrors.Configurationf("estimate", "shape mismatch: igram and unwrapped estimate must have the same shape")
	}
	if !(input.NLooks >= 1) {
		return nil, tophuerrors.Configurationf("nlooks", "effective number of looks must be >= 1")
	}

	req := &unwrap.Request{
		Wrapped:   input.Wrapped,
		Coherence: input.Coherence,
		Mask:      input.Mask,
		NLooks:    input.NLooks,
		Power:     input.Power,
		Estimate:  input.Estimate,
	}
	if input.Metadata.HasNoData {
		mask := raster.New[uint8](input.Wrapped.Rows, input.Wrapped.Cols)
		for i, v := range input.Wrapped.Data {
			if input.Metadata.IsNoData(v) || (input.Mask != nil && input.Mask.Data[i] == 0) {
				continue
			}
			mask.Data[i] = 1
		}
		req.Mask = mask
	}
	return req, nil
}

// plan builds the tiling. With a tile count, each axis gets the smallest tile
// length that covers the axis with that many overlapping tiles, rounded up to a
// multiple of the downsample factor.
func (j *Job) plan(rows, cols int) (*tiling.Plan, error) {
	size := j.tileSize
	if size == [2]int{} {
		grown := [2]int{
			rows + (j.ntiles[0]-1)*j.overlap[0],
			cols + (j.ntiles[1]-1)*j.overlap[1],
		}
		var err error
		size, err = tiling.TileDims(grown, j.ntiles, j.downsampleFactor)
		if err != nil {
			return nil, err
		}
		// A raster too small for the requested overlap ends up with fewer tiles.
		for i := range size {
			size[i] = max(size[i], j.overlap[i]+1)
		}
	}
	return tiling.NewPlan(rows, cols, size, j.overlap)
}
