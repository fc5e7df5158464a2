package unwrap

import (
	"github.com/spf13/cobra"

	"github.com/2lambda123/isce-framework-tophu/cmd/util"
	"github.com/2lambda123/isce-framework-tophu/internal/config"
)

const (
	inputDirFlag  = "input-dir"
	phaseFlag     = "phase"
	coherenceFlag = "coherence"
	maskFlag      = "mask"
	powerFlag     = "power"
	estimateFlag  = "estimate"
	outputDirFlag = "output-dir"
)

// bindUnwrapFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindUnwrapFlags(command *cobra.Command) {
	defaultConfig := config.DefaultConfig()
	flags := command.Flags()

	flags.String(inputDirFlag, "", "the directory holding the input rasters")
	flags.String(phaseFlag, "", "the name of the wrapped phase raster in the input directory")
	flags.String(coherenceFlag, "", "the name of the optional coherence raster in the input directory")
	flags.String(maskFlag, "", "the name of the optional validity mask raster in the input directory")
	flags.String(powerFlag, "", "the name of the optional signal power raster in the input directory")
	flags.String(estimateFlag, "", "the name of the optional initial unwrapped phase estimate in the input directory")
	flags.String(outputDirFlag, "", "the directory the unwrapped, quality and conncomp rasters are written to")
	for _, name := range []string{inputDirFlag, phaseFlag, outputDirFlag} {
		if err := command.MarkFlagRequired(name); err != nil {
			panic("failed to mark flag as required: " + err.Error())
		}
	}

	flags.IntSlice("tile-size", defaultConfig.Job.TileSize[:], "the tile shape in pixels as rows,cols; 0,0 derives it from --ntiles")
	util.MustBindPFlag("job.tileSize", flags.Lookup("tile-size"))
	util.MustBindEnv("job.tileSize", "TOPHU_JOB_TILE_SIZE", "TOPHU_JOB_TILESIZE")

	flags.IntSlice("ntiles", defaultConfig.Job.NTiles[:], "the number of tiles along rows,cols")
	util.MustBindPFlag("job.ntiles", flags.Lookup("ntiles"))
	util.MustBindEnv("job.ntiles", "TOPHU_JOB_NTILES")

	flags.IntSlice("overlap-size", defaultConfig.Job.OverlapSize[:], "the number of pixels shared by neighbouring tiles along rows,cols")
	util.MustBindPFlag("job.overlapSize", flags.Lookup("overlap-size"))
	util.MustBindEnv("job.overlapSize", "TOPHU_JOB_OVERLAP_SIZE", "TOPHU_JOB_OVERLAPSIZE")

	flags.IntSlice("downsample-factor", defaultConfig.Job.DownsampleFactor[:], "the decimation of the coarse reference solve along rows,cols")
	util.MustBindPFlag("job.downsampleFactor", flags.Lookup("downsample-factor"))
	util.MustBindEnv("job.downsampleFactor", "TOPHU_JOB_DOWNSAMPLE_FACTOR", "TOPHU_JOB_DOWNSAMPLEFACTOR")

	flags.Bool("use-reference", defaultConfig.Job.UseReference, "enable/disable the coarse reference solve")
	util.MustBindPFlag("job.useReference", flags.Lookup("use-reference"))
	util.MustBindEnv("job.useReference", "TOPHU_JOB_USE_REFERENCE", "TOPHU_JOB_USEREFERENCE")

	flags.Float64("max-failed-tile-fraction", defaultConfig.Job.MaxFailedTileFraction, "the largest fraction of tiles allowed to fail before the job aborts")
	util.MustBindPFlag("job.maxFailedTileFraction", flags.Lookup("max-failed-tile-fraction"))
	util.MustBindEnv("job.maxFailedTileFraction", "TOPHU_JOB_MAX_FAILED_TILE_FRACTION", "TOPHU_JOB_MAXFAILEDTILEFRACTION")

	flags.Float64("min-valid-overlap-fraction", defaultConfig.Job.MinValidOverlapFraction, "the smallest valid fraction of an overlap for its offset to be trusted")
	util.MustBindPFlag("job.minValidOverlapFraction", flags.Lookup("min-valid-overlap-fraction"))
	util.MustBindEnv("job.minValidOverlapFraction", "TOPHU_JOB_MIN_VALID_OVERLAP_FRACTION", "TOPHU_JOB_MINVALIDOVERLAPFRACTION")

	flags.Float64("max-edge-dispersion", defaultConfig.Job.MaxEdgeDispersion, "the largest standard deviation, in cycles, of a trusted overlap")
	util.MustBindPFlag("job.maxEdgeDispersion", flags.Lookup("max-edge-dispersion"))
	util.MustBindEnv("job.maxEdgeDispersion", "TOPHU_JOB_MAX_EDGE_DISPERSION", "TOPHU_JOB_MAXEDGEDISPERSION")

	flags.Float64("max-ambiguous-edge-fraction", defaultConfig.Job.MaxAmbiguousEdgeFraction, "the largest fraction of ambiguous overlaps before the job aborts")
	util.MustBindPFlag("job.maxAmbiguousEdgeFraction", flags.Lookup("max-ambiguous-edge-fraction"))
	util.MustBindEnv("job.maxAmbiguousEdgeFraction", "TOPHU_JOB_MAX_AMBIGUOUS_EDGE_FRACTION", "TOPHU_JOB_MAXAMBIGUOUSEDGEFRACTION")

	flags.String("edge-estimator", defaultConfig.Job.EdgeEstimator, "the overlap statistic: 'mean' or 'median'")
	util.MustBindPFlag("job.edgeEstimator", flags.Lookup("edge-estimator"))
	util.MustBindEnv("job.edgeEstimator", "TOPHU_JOB_EDGE_ESTIMATOR", "TOPHU_JOB_EDGEESTIMATOR")

	flags.String("overlap-blend-policy", defaultConfig.Job.OverlapBlendPolicy, "how overlapping tiles are combined: 'nearest', 'weighted-average' or 'precedence'")
	util.MustBindPFlag("job.overlapBlendPolicy", flags.Lookup("overlap-blend-policy"))
	util.MustBindEnv("job.overlapBlendPolicy", "TOPHU_JOB_OVERLAP_BLEND_POLICY", "TOPHU_JOB_OVERLAPBLENDPOLICY")

	flags.String("solver", defaultConfig.Job.Solver, "the offset solver: 'spanning-tree' or 'least-squares'")
	util.MustBindPFlag("job.solver", flags.Lookup("solver"))
	util.MustBindEnv("job.solver", "TOPHU_JOB_SOLVER")

	flags.Float64("anchor-weight", defaultConfig.Job.AnchorWeight, "the weight of coarse reference anchors relative to overlaps")
	util.MustBindPFlag("job.anchorWeight", flags.Lookup("anchor-weight"))
	util.MustBindEnv("job.anchorWeight", "TOPHU_JOB_ANCHOR_WEIGHT", "TOPHU_JOB_ANCHORWEIGHT")

	flags.Int("workers", defaultConfig.Job.Workers, "the maximum number of concurrent workers; 0 uses one per CPU")
	util.MustBindPFlag("job.workers", flags.Lookup("workers"))
	util.MustBindEnv("job.workers", "TOPHU_JOB_WORKERS")

	flags.Duration("tile-timeout", defaultConfig.Job.TileTimeout, "the time limit of a single tile unwrap attempt; 0 disables it")
	util.MustBindPFlag("job.tileTimeout", flags.Lookup("tile-timeout"))
	util.MustBindEnv("job.tileTimeout", "TOPHU_JOB_TILE_TIMEOUT", "TOPHU_JOB_TILETIMEOUT")

	flags.Int("max-retries", defaultConfig.Job.MaxRetries, "the number of times a failed tile unwrap is retried")
	util.MustBindPFlag("job.maxRetries", flags.Lookup("max-retries"))
	util.MustBindEnv("job.maxRetries", "TOPHU_JOB_MAX_RETRIES", "TOPHU_JOB_MAXRETRIES")

	flags.Duration("retry-interval", defaultConfig.Job.RetryInterval, "the initial backoff between tile unwrap retries")
	util.MustBindPFlag("job.retryInterval", flags.Lookup("retry-interval"))
	util.MustBindEnv("job.retryInterval", "TOPHU_JOB_RETRY_INTERVAL", "TOPHU_JOB_RETRYINTERVAL")

	flags.Float64("nlooks", defaultConfig.Job.NLooks, "the effective number of looks used to form the coherence")
	util.MustBindPFlag("job.nlooks", flags.Lookup("nlooks"))
	util.MustBindEnv("job.nlooks", "TOPHU_JOB_NLOOKS")

	flags.String("unwrapper", defaultConfig.Unwrapper.Name, "the tile unwrapper: 'pathfollow' or 'snaphu'")
	util.MustBindPFlag("unwrapper.name", flags.Lookup("unwrapper"))
	util.MustBindEnv("unwrapper.name", "TOPHU_UNWRAPPER_NAME")

	flags.String("snaphu-executable", defaultConfig.Unwrapper.SNAPHU.Executable, "the path of the snaphu binary")
	util.MustBindPFlag("unwrapper.snaphu.executable", flags.Lookup("snaphu-executable"))
	util.MustBindEnv("unwrapper.snaphu.executable", "TOPHU_UNWRAPPER_SNAPHU_EXECUTABLE")

	flags.String("snaphu-cost-mode", defaultConfig.Unwrapper.SNAPHU.CostMode, "the snaphu statistical cost mode: 'topo', 'defo', 'smooth' or 'p-norm'")
	util.MustBindPFlag("unwrapper.snaphu.costMode", flags.Lookup("snaphu-cost-mode"))
	util.MustBindEnv("unwrapper.snaphu.costMode", "TOPHU_UNWRAPPER_SNAPHU_COST_MODE", "TOPHU_UNWRAPPER_SNAPHU_COSTMODE")

	flags.String("snaphu-init-method", defaultConfig.Unwrapper.SNAPHU.InitMethod, "the snaphu initialization: 'mst' or 'mcf'")
	util.MustBindPFlag("unwrapper.snaphu.initMethod", flags.Lookup("snaphu-init-method"))
	util.MustBindEnv("unwrapper.snaphu.initMethod", "TOPHU_UNWRAPPER_SNAPHU_INIT_METHOD", "TOPHU_UNWRAPPER_SNAPHU_INITMETHOD")

	flags.String("snaphu-scratch-dir", defaultConfig.Unwrapper.SNAPHU.ScratchDir, "the directory for snaphu intermediate files; empty uses the system temp dir")
	util.MustBindPFlag("unwrapper.snaphu.scratchDir", flags.Lookup("snaphu-scratch-dir"))
	util.MustBindEnv("unwrapper.snaphu.scratchDir", "TOPHU_UNWRAPPER_SNAPHU_SCRATCH_DIR", "TOPHU_UNWRAPPER_SNAPHU_SCRATCHDIR")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "TOPHU_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "TOPHU_LOG_LEVEL")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "TOPHU_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlp.endpoint", "TOPHU_TRACE_OTLP_ENDPOINT")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "TOPHU_TRACE_SAMPLE_RATIO")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")
	util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	util.MustBindEnv("trace.serviceName", "TOPHU_TRACE_SERVICE_NAME")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics while the job runs")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "TOPHU_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "TOPHU_METRICS_ADDR")
}
