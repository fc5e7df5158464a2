// Package unwrap contains the command that unwraps a raster stored on disk.
package unwrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/2lambda123/isce-framework-tophu/internal/assemble"
	"github.com/2lambda123/isce-framework-tophu/internal/config"
	"github.com/2lambda123/isce-framework-tophu/internal/stitch"
	"github.com/2lambda123/isce-framework-tophu/pkg/logger"
	"github.com/2lambda123/isce-framework-tophu/pkg/multiscale"
	"github.com/2lambda123/isce-framework-tophu/pkg/raster"
	"github.com/2lambda123/isce-framework-tophu/pkg/raster/rawfile"
	"github.com/2lambda123/isce-framework-tophu/pkg/telemetry"
	"github.com/2lambda123/isce-framework-tophu/pkg/unwrap"
	"github.com/2lambda123/isce-framework-tophu/pkg/unwrap/pathfollow"
	"github.com/2lambda123/isce-framework-tophu/pkg/unwrap/snaphu"
)

const (
	UnwrappedLayer = "unwrapped"
	QualityLayer   = "quality"
	ConnCompLayer  = "conncomp"
	ReportFile     = "report.yaml"
)

// Options names the rasters a single unwrap run reads and where it writes.
type Options struct {
	InputDir  string
	Phase     string
	Coherence string
	Mask      string
	Power     string
	Estimate  string
	OutputDir string
}

func NewUnwrapCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unwrap",
		Short: "Unwrap an interferogram with the multiscale tiled method",
		Long: `Unwrap an interferogram with the multiscale tiled method.

The wrapped phase (and optionally coherence and a validity mask) are read from raw
rasters in --input-dir. The unwrapped phase, the per-pixel quality flags and the
connected component labels are written to --output-dir together with a run report.`,
		Args: cobra.NoArgs,
		RunE: run,
	}

	bindUnwrapFlags(cmd)

	return cmd
}

// ReadConfig returns the tophu configuration based on the values provided in the 'config.yaml' file,
// the TOPHU_ environment variables and the command flags.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load tophu config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tophu config: %w", err)
	}

	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := ReadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Verify(); err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	flags := cmd.Flags()
	var opts Options
	for name, dst := range map[string]*string{
		inputDirFlag:  &opts.InputDir,
		phaseFlag:     &opts.Phase,
		coherenceFlag: &opts.Coherence,
		maskFlag:      &opts.Mask,
		powerFlag:     &opts.Power,
		estimateFlag:  &opts.Estimate,
		outputDirFlag: &opts.OutputDir,
	} {
		if *dst, err = flags.GetString(name); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp := telemetryConfig(cfg, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Close(shutdownCtx); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	if cfg.Metrics.Enabled {
		metricsServer := serveMetrics(cfg.Metrics.Addr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := metricsServer.Shutdown(shutdownCtx); err != nil {
				log.Info("failed to shutdown the prometheus metrics server", zap.Error(err))
			}
		}()
	}

	report, err := Execute(ctx, cfg, opts, log)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(cmd.OutOrStdout(), "job %s unwrapped %dx%d pixels in %d tiles (%d failed) in %.1fs\n",
		report.JobID, report.Rows, report.Cols, report.Tiles, len(report.FailedTiles), report.Seconds)
	return err
}

func telemetryConfig(cfg *config.Config, log logger.Logger) telemetry.TracerProvider {
	if !cfg.Trace.Enabled {
		return telemetry.Noop()
	}

	log.Info(fmt.Sprintf("🕵 tracing enabled: sampling ratio is %v and sending traces to '%s'",
		cfg.Trace.SampleRatio, cfg.Trace.OTLP.Endpoint))

	return telemetry.MustNewTracerProvider(
		telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
		telemetry.WithServiceName(cfg.Trace.ServiceName),
		telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
		telemetry.WithAttributes(attribute.String("unwrapper", cfg.Unwrapper.Name)),
	)
}

func serveMetrics(addr string, log logger.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info(fmt.Sprintf("📈 starting prometheus metrics server on '%s'", addr))
		if err := metricsServer.ListenAndServe(); err != nil {
			if !errors.Is(err, http.ErrServerClosed) {
				log.Error("failed to start prometheus metrics server", zap.Error(err))
				return
			}
		}
		log.Info("metrics server shut down.")
	}()

	return metricsServer
}

// Execute reads the input rasters, runs a multiscale job and writes the output
// layers and the run report.
func Execute(ctx context.Context, cfg *config.Config, opts Options, log logger.Logger) (*multiscale.Report, error) {
	input, err := readInput(ctx, rawfile.New(opts.InputDir), opts, cfg.Job.NLooks)
	if err != nil {
		return nil, err
	}

	u, err := newUnwrapper(cfg.Unwrapper, log)
	if err != nil {
		return nil, err
	}

	job, err := multiscale.NewJob(u, jobOptions(cfg.Job, log)...)
	if err != nil {
		return nil, err
	}

	out, err := job.Run(ctx, *input)
	if err != nil {
		return nil, err
	}

	if err := writeOutput(ctx, rawfile.New(opts.OutputDir), out); err != nil {
		return nil, err
	}

	b, err := yaml.Marshal(out.Report)
	if err != nil {
		return nil, fmt.Errorf("encoding run report: %w", err)
	}
	if err := os.WriteFile(filepath.Join(opts.OutputDir, ReportFile), b, 0o644); err != nil {
		return nil, fmt.Errorf("writing run report: %w", err)
	}

	log.Info("wrote unwrapped rasters",
		zap.String("job_id", out.Report.JobID),
		zap.String("output_dir", opts.OutputDir),
	)

	return out.Report, nil
}

func readInput(ctx context.Context, store raster.Access, opts Options, nlooks float64) (*multiscale.Input, error) {
	wrapped, meta, err := store.ReadFloat64(ctx, opts.Phase)
	if err != nil {
		return nil, err
	}
	input := &multiscale.Input{Wrapped: wrapped, Metadata: meta, NLooks: nlooks}

	if opts.Coherence != "" {
		if input.Coherence, _, err = store.ReadFloat64(ctx, opts.Coherence); err != nil {
			return nil, err
		}
	}

	for name, dst := range map[string]**raster.Grid[float64]{
		opts.Power:    &input.Power,
		opts.Estimate: &input.Estimate,
	} {
		if name == "" {
			continue
		}
		if *dst, _, err = store.ReadFloat64(ctx, name); err != nil {
			return nil, err
		}
	}

	if opts.Mask != "" {
		m, maskMeta, err := store.ReadFloat64(ctx, opts.Mask)
		if err != nil {
			return nil, err
		}
		input.Mask = raster.New[uint8](m.Rows, m.Cols)
		for i, v := range m.Data {
			if v != 0 && !maskMeta.IsNoData(v) {
				input.Mask.Data[i] = 1
			}
		}
	}

	return input, nil
}

func writeOutput(ctx context.Context, store raster.Access, out *multiscale.Output) error {
	if err := store.WriteFloat64(ctx, UnwrappedLayer, out.Unwrapped, out.Metadata); err != nil {
		return err
	}

	// Quality flags and component labels have no missing value of their own.
	meta := raster.Metadata{GeoTransform: out.Metadata.GeoTransform}

	quality := raster.New[uint8](out.Quality.Rows, out.Quality.Cols)
	for i, q := range out.Quality.Data {
		quality.Data[i] = uint8(q)
	}
	if err := store.WriteUint8(ctx, QualityLayer, quality, meta); err != nil {
		return err
	}

	return store.WriteUint32(ctx, ConnCompLayer, out.Labels, meta)
}

func newUnwrapper(cfg config.UnwrapperConfig, log logger.Logger) (unwrap.Unwrapper, error) {
	switch cfg.Name {
	case "snaphu":
		u, err := snaphu.New(
			snaphu.WithExecutable(cfg.SNAPHU.Executable),
			snaphu.WithCostMode(snaphu.CostMode(cfg.SNAPHU.CostMode)),
			snaphu.WithCostParams(cfg.SNAPHU.CostParams),
			snaphu.WithInitMethod(snaphu.InitMethod(cfg.SNAPHU.InitMethod)),
			snaphu.WithScratchDir(cfg.SNAPHU.ScratchDir),
			snaphu.WithLogger(log),
		)
		if err != nil {
			return nil, err
		}
		return u, nil
	case "pathfollow":
		return pathfollow.New(), nil
	default:
		return nil, fmt.Errorf("unknown unwrapper %q", cfg.Name)
	}
}

func jobOptions(cfg config.JobConfig, log logger.Logger) []multiscale.JobOpt {
	opts := []multiscale.JobOpt{
		multiscale.WithOverlap(cfg.OverlapSize[0], cfg.OverlapSize[1]),
		multiscale.WithDownsampleFactor(cfg.DownsampleFactor[0], cfg.DownsampleFactor[1]),
		multiscale.WithReference(cfg.UseReference),
		multiscale.WithMaxFailedTileFraction(cfg.MaxFailedTileFraction),
		multiscale.WithMinValidOverlapFraction(cfg.MinValidOverlapFraction),
		multiscale.WithMaxEdgeDispersion(cfg.MaxEdgeDispersion),
		multiscale.WithMaxAmbiguousEdgeFraction(cfg.MaxAmbiguousEdgeFraction),
		multiscale.WithEdgeEstimator(stitch.Estimator(cfg.EdgeEstimator)),
		multiscale.WithSolver(stitch.Solver(cfg.Solver)),
		multiscale.WithAnchorWeight(cfg.AnchorWeight),
		multiscale.WithBlendPolicy(assemble.BlendPolicy(cfg.OverlapBlendPolicy)),
		multiscale.WithWorkers(cfg.Workers),
		multiscale.WithTileTimeout(cfg.TileTimeout),
		multiscale.WithMaxRetries(cfg.MaxRetries),
		multiscale.WithRetryInterval(cfg.RetryInterval),
		multiscale.WithLogger(log),
	}
	if cfg.TileSize != [2]int{} {
		opts = append(opts, multiscale.WithTileSize(cfg.TileSize[0], cfg.TileSize[1]))
	} else {
		opts = append(opts, multiscale.WithNTiles(cfg.NTiles[0], cfg.NTiles[1]))
	}
	return opts
}
