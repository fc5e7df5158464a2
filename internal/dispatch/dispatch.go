// Package dispatch runs the tile unwrap invocations on a bounded worker pool.
//
// Every tile is unwrapped on its own copy of the input windows and its result is
// stored at the tile's index, so workers share no mutable state. A failed tile is
// recorded as a value; only when the fraction of failed tiles exceeds the configured
// maximum does the pool cancel outstanding work and abort the job.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/2lambda123/isce-framework-tophu/internal/build"
	"github.com/2lambda123/isce-framework-tophu/internal/concurrency"
	"github.com/2lambda123/isce-framework-tophu/internal/tiling"
	tophuerrors "github.com/2lambda123/isce-framework-tophu/pkg/errors"
	"github.com/2lambda123/isce-framework-tophu/pkg/logger"
	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
	"github.com/2lambda123/isce-framework-tophu/pkg/telemetry"
	"github.com/2lambda123/isce-framework-tophu/pkg/unwrap"
)

var tracer = otel.Tracer("internal/dispatch")

const (
	defaultMaxFailedTileFraction = 0.0
	defaultRetryInterval         = 100 * time.Millisecond

	// fractionTolerance absorbs rounding in thresholds such as 1/9.
	fractionTolerance = 1e-9
)

var (
	tilesDispatchedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "tiles_dispatched_total",
		Help:      "The total number of tiles handed to the unwrapper.",
	})

	tileFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "tile_failures_total",
		Help:      "The total number of tiles whose unwrap failed after all retries.",
	})

	tileUnwrapDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "tile_unwrap_duration_ms",
		Help:                            "Time spent unwrapping a single tile, including retries.",
		Buckets:                         []float64{1, 10, 50, 100, 500, 1000, 5000, 30000, 120000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"status"})
)

// Dispatcher unwraps the tiles of a plan in parallel.
type Dispatcher struct {
	unwrapper             unwrap.Unwrapper
	workers               int
	tileTimeout           time.Duration
	maxRetries            int
	retryInterval         time.Duration
	maxFailedTileFraction float64
	logger                logger.Logger
}

type DispatcherOpt func(*Dispatcher)

// WithWorkers bounds the number of concurrent unwrap invocations. Values below one
// mean one worker per CPU.
func WithWorkers(n int) DispatcherOpt {
	return func(d *Dispatcher) {
		d.workers = n
	}
}

// WithTileTimeout limits every unwrap attempt. Zero disables the limit.
func WithTileTimeout(timeout time.Duration) DispatcherOpt {
	return func(d *Dispatcher) {
		d.tileTimeout = timeout
	}
}

// WithMaxRetries sets how many times a failed attempt is retried with exponential
// backoff. Shape violations and cancellation are never retried.
func WithMaxRetries(n int) DispatcherOpt {
	return func(d *Dispatcher) {
		d.maxRetries = n
	}
}

// WithRetryInterval sets the initial backoff interval between attempts.
func WithRetryInterval(interval time.Duration) DispatcherOpt {
	return func(d *Dispatcher) {
		d.retryInterval = interval
	}
}

// WithMaxFailedTileFraction sets the largest tolerated fraction of failed tiles.
func WithMaxFailedTileFraction(fraction float64) DispatcherOpt {
	return func(d *Dispatcher) {
		d.maxFailedTileFraction = fraction
	}
}

func WithLogger(l logger.Logger) DispatcherOpt {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// New returns a Dispatcher that unwraps tiles with u.
func New(u unwrap.Unwrapper, opts ...DispatcherOpt) *Dispatcher {
	d := &Dispatcher{
		unwrapper:             u,
		retryInterval:         defaultRetryInterval,
		maxFailedTileFraction: defaultMaxFailedTileFraction,
		logger:                logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch unwraps every tile of plan over the full-resolution input and returns
// the results indexed by tile index. Tiles without valid input are marked no-data
// and never reach the unwrapper. When too many tiles fail, outstanding calls are
// cancelled, completed results are discarded and an InsufficientValidDataError is
// returned. Dispatch returns only after every started call has finished.
func (d *Dispatcher) Dispatch(ctx context.Context, plan *tiling.Plan, input *unwrap.Request) ([]*tiling.Result, error) {
	ctx, span := tracer.Start(ctx, "dispatch.Dispatch")
	defer span.End()

	results := make([]*tiling.Result, len(plan.Tiles))
	var dispatched []tiling.Tile
	for _, tile := range plan.Tiles {
		res := prepare(tile, input)
		results[tile.Index] = res
		if res.Status == tiling.StatusNoData {
			d.logger.DebugWithContext(ctx, "tile has no valid data", zap.Int("tile", tile.Index))
			continue
		}
		dispatched = append(dispatched, tile)
	}
	span.SetAttributes(
		attribute.Int("tiles", len(plan.Tiles)),
		attribute.Int("dispatched", len(dispatched)),
	)

	var failed atomic.Int64
	limit := d.maxFailedTileFraction*float64(len(dispatched)) + fractionTolerance

	pool := concurrency.NewPool(ctx, d.workers)
	for _, tile := range dispatched {
		res := results[tile.Index]
		pool.Go(func(ctx context.Context) error {
			if ctx.Err() != nil {
				return nil
			}
			d.unwrapTile(ctx, input, res)
			if res.Status != tiling.StatusFailed {
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if float64(failed.Add(1)) > limit {
				return errTooManyFailures
			}
			return nil
		})
	}
	err := pool.Wait()

	if errors.Is(err, errTooManyFailures) {
		abort := &tophuerrors.InsufficientValidDataError{
			Reason: fmt.Sprintf("more than %.4g of %d tiles failed to unwrap", d.maxFailedTileFraction, len(dispatched)),
		}
		for _, res := range results {
			if res.Status == tiling.StatusFailed && !errors.Is(res.Err, context.Canceled) {
				abort.FailedTiles = append(abort.FailedTiles, res.Tile.Index)
			}
		}
		telemetry.TraceError(span, abort)
		d.logger.ErrorWithContext(ctx, "aborting unwrap", zap.Error(abort), zap.Ints("failed_tiles", abort.FailedTiles))
		return nil, abort
	}
	if err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		telemetry.TraceError(span, err)
		return nil, err
	}
	return results, nil
}

var errTooManyFailures = errors.New("too many failed tiles")

// prepare copies the tile windows out of the full raster and derives the pixel
// weights. Invalid pixels get zero weight.
func prepare(tile tiling.Tile, input *unwrap.Request) *tiling.Result {
	rect := tile.Rect()
	res := &tiling.Result{
		Tile:    tile,
		Status:  tiling.StatusPending,
		Wrapped: input.Wrapped.Window(rect),
		Weights: raster.New[float64](rect.Rows.Len(), rect.Cols.Len()),
	}

	var valid int
	for r := 0; r < res.Weights.Rows; r++ {
		for c := 0; c < res.Weights.Cols; c++ {
			i := (rect.Rows.Start+r)*input.Wrapped.Cols + rect.Cols.Start + c
			if !input.Valid(i) {
				continue
			}
			w := 1.0
			if input.Coherence != nil {
				w = input.Coherence.Data[i]
			}
			res.Weights.Set(r, c, w)
			valid++
		}
	}
	if valid == 0 {
		res.Status = tiling.StatusNoData
	}
	return res
}

func (d *Dispatcher) unwrapTile(ctx context.Context, input *unwrap.Request, res *tiling.Result) {
	ctx, span := tracer.Start(ctx, "dispatch.unwrapTile", trace.WithAttributes(
		attribute.Int("tile", res.Tile.Index),
		attribute.Int("grid_row", res.Tile.GridRow),
		attribute.Int("grid_col", res.Tile.GridCol),
	))
	defer span.End()

	tilesDispatchedCounter.Inc()
	start := time.Now()

	req := d.request(res, input)

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.retryInterval
	policy.MaxElapsedTime = 0

	var out *unwrap.Result
	err := backoff.Retry(func() error {
		res.Attempts++
		var err error
		out, err = unwrap.Call(ctx, d.unwrapper, req, d.tileTimeout)
		if err == nil {
			return nil
		}
		if errors.Is(err, unwrap.ErrShapeMismatch) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		d.logger.WarnWithContext(ctx, "tile unwrap attempt failed",
			zap.Int("tile", res.Tile.Index),
			zap.Int("attempt", res.Attempts),
			zap.Error(err),
		)
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(max(d.maxRetries, 0))), ctx))

	res.Duration = time.Since(start)
	if err != nil {
		res.Status = tiling.StatusFailed
		res.Err = &tophuerrors.TileUnwrapError{Tile: res.Tile.Index, Err: err}
		tileFailuresCounter.Inc()
		tileUnwrapDurationHistogram.WithLabelValues(res.Status.String()).Observe(float64(res.Duration.Milliseconds()))
		telemetry.TraceError(span, res.Err)
		d.logger.ErrorWithContext(ctx, "tile unwrap failed", zap.Int("tile", res.Tile.Index), zap.Error(res.Err))
		return
	}

	res.Status = tiling.StatusOK
	res.Unwrapped = out.Unwrapped
	res.Labels = out.Labels
	tileUnwrapDurationHistogram.WithLabelValues(res.Status.String()).Observe(float64(res.Duration.Milliseconds()))
	span.SetAttributes(attribute.Int("attempts", res.Attempts))
}

// request builds the unwrapper input from the tile copies. The mask is always
// set so that the unwrapper sees exactly the pixels the stitcher will trust.
func (d *Dispatcher) request(res *tiling.Result, input *unwrap.Request) *unwrap.Request {
	rows, cols := res.Wrapped.Shape()
	mask := raster.New[uint8](rows, cols)
	coherence := raster.New[float64](rows, cols)
	for i, w := range res.Weights.Data {
		if w > 0 {
			mask.Data[i] = 1
			coherence.Data[i] = w
		}
	}
	req := &unwrap.Request{
		Wrapped:   res.Wrapped.Clone(),
		Coherence: coherence,
		Mask:      mask,
		NLooks:    input.NLooks,
	}
	if input.Power != nil {
		req.Power = input.Power.Window(res.Tile.Rect())
	}
	if input.Estimate != nil {
		req.Estimate = input.Estimate.Window(res.Tile.Rect())
	}
	return req
}
