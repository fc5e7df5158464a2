// Package config contains all the tophu settings and their defaults.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

const (
	DefaultDownsampleFactor         = 3
	DefaultNTiles                   = 2
	DefaultOverlap                  = 32
	DefaultMaxFailedTileFraction    = 0.0
	DefaultMinValidOverlapFraction  = 0.1
	DefaultMaxEdgeDispersion        = 0.3
	DefaultMaxAmbiguousEdgeFraction = 1.0
	DefaultAnchorWeight             = 0.5
	DefaultTileTimeout              = 0 * time.Second
	DefaultMaxRetries               = 0
	DefaultRetryInterval            = 100 * time.Millisecond
	DefaultNLooks                   = 1.0
)

// JobConfig defines how a raster is tiled, unwrapped and stitched back together.
type JobConfig struct {
	// TileSize is the tile shape in pixels (rows, cols). When zero the shape is
	// derived from NTiles.
	TileSize [2]int `mapstructure:"tileSize"`
	// NTiles is the number of tiles along (rows, cols).
	NTiles [2]int `mapstructure:"ntiles"`
	// OverlapSize is the number of pixels shared by neighbouring tiles. It must be at
	// least one along every axis that is split.
	OverlapSize [2]int `mapstructure:"overlapSize"`
	// DownsampleFactor is the decimation of the coarse reference solve.
	DownsampleFactor [2]int `mapstructure:"downsampleFactor"`
	UseReference     bool   `mapstructure:"useReference"`

	MaxFailedTileFraction    float64 `mapstructure:"maxFailedTileFraction"`
	MinValidOverlapFraction  float64 `mapstructure:"minValidOverlapFraction"`
	MaxEdgeDispersion        float64 `mapstructure:"maxEdgeDispersion"`
	MaxAmbiguousEdgeFraction float64 `mapstructure:"maxAmbiguousEdgeFraction"`

	// EdgeEstimator is 'mean' or 'median'.
	EdgeEstimator string `mapstructure:"edgeEstimator"`
	// OverlapBlendPolicy is 'nearest', 'weighted-average' or 'precedence'.
	OverlapBlendPolicy string `mapstructure:"overlapBlendPolicy"`
	// Solver is 'spanning-tree' or 'least-squares'.
	Solver       string  `mapstructure:"solver"`
	AnchorWeight float64 `mapstructure:"anchorWeight"`

	// Workers bounds concurrency; zero means one worker per CPU.
	Workers       int           `mapstructure:"workers"`
	TileTimeout   time.Duration `mapstructure:"tileTimeout"`
	MaxRetries    int           `mapstructure:"maxRetries"`
	RetryInterval time.Duration `mapstructure:"retryInterval"`

	NLooks float64 `mapstructure:"nlooks"`
}

// UnwrapperConfig selects the algorithm used on every tile.
type UnwrapperConfig struct {
	// Name is 'pathfollow' or 'snaphu'.
	Name   string
	SNAPHU SNAPHUConfig `mapstructure:"snaphu"`
}

type SNAPHUConfig struct {
	Executable string
	CostMode   string `mapstructure:"costMode"`
	// CostParams holds extra cost model parameters keyed by SNAPHU config keyword.
	CostParams map[string]float64 `mapstructure:"costParams"`
	InitMethod string             `mapstructure:"initMethod"`
	ScratchDir string             `mapstructure:"scratchDir"`
}

// LogConfig defines the log output. For production runs we recommend the 'json' format.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string
}

// OTLPTraceConfig is the OTLP gRPC collector spans are exported to.
type OTLPTraceConfig struct {
	Endpoint string
}

// MetricConfig defines where the Prometheus metrics are served while a job runs.
type MetricConfig struct {
	Enabled bool
	Addr    string
}

type Config struct {
	Job       JobConfig
	Unwrapper UnwrapperConfig
	Log       LogConfig
	Trace     TraceConfig
	Metrics   MetricConfig
}

// Verify rejects settings that can never produce a valid job, whatever the input.
func (cfg *Config) Verify() error {
	var errs []error

	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		errs = append(errs, errors.New("config 'log.format' must be one of ['text', 'json']"))
	}
	if !slices.Contains([]string{"none", "debug", "info", "warn", "error", "panic", "fatal"}, cfg.Log.Level) {
		errs = append(errs, errors.New(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		))
	}

	job := cfg.Job
	if job.TileSize == [2]int{} {
		if job.NTiles[0] < 1 || job.NTiles[1] < 1 {
			errs = append(errs, fmt.Errorf("config 'job.ntiles' must be >= 1, got %v", job.NTiles))
		}
	} else if job.TileSize[0] < 1 || job.TileSize[1] < 1 {
		errs = append(errs, fmt.Errorf("config 'job.tileSize' must be >= 1, got %v", job.TileSize))
	}
	if job.OverlapSize[0] < 0 || job.OverlapSize[1] < 0 {
		errs = append(errs, fmt.Errorf("config 'job.overlapSize' must be >= 0, got %v", job.OverlapSize))
	}
	if job.DownsampleFactor[0] < 1 || job.DownsampleFactor[1] < 1 {
		errs = append(errs, fmt.Errorf("config 'job.downsampleFactor' must be >= 1, got %v", job.DownsampleFactor))
	}
	if job.NLooks < 1 {
		errs = append(errs, fmt.Errorf("config 'job.nlooks' must be >= 1, got %v", job.NLooks))
	}
	if !slices.Contains([]string{"mean", "median"}, job.EdgeEstimator) {
		errs = append(errs, errors.New("config 'job.edgeEstimator' must be one of ['mean', 'median']"))
	}
	if !slices.Contains([]string{"nearest", "weighted-average", "precedence"}, job.OverlapBlendPolicy) {
		errs = append(errs, errors.New("config 'job.overlapBlendPolicy' must be one of ['nearest', 'weighted-average', 'precedence']"))
	}
	if !slices.Contains([]string{"spanning-tree", "least-squares"}, job.Solver) {
		errs = append(errs, errors.New("config 'job.solver' must be one of ['spanning-tree', 'least-squares']"))
	}

	switch cfg.Unwrapper.Name {
	case "pathfollow":
	case "snaphu":
		if cfg.Unwrapper.SNAPHU.Executable == "" {
			errs = append(errs, errors.New("config 'unwrapper.snaphu.executable' must be set"))
		}
	default:
		errs = append(errs, errors.New("config 'unwrapper.name' must be one of ['pathfollow', 'snaphu']"))
	}

	if cfg.Trace.Enabled && (cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1) {
		errs = append(errs, errors.New("config 'trace.sampleRatio' must be between 0 and 1"))
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, errors.New("config 'metrics.addr' must be set when metrics are enabled"))
	}

	return errors.Join(errs...)
}

// DefaultConfig is the tophu default configuration.
func DefaultConfig() *Config {
	return &Config{
		Job: JobConfig{
			NTiles:                   [2]int{DefaultNTiles, DefaultNTiles},
			OverlapSize:              [2]int{DefaultOverlap, DefaultOverlap},
			DownsampleFactor:         [2]int{DefaultDownsampleFactor, DefaultDownsampleFactor},
			UseReference:             true,
			MaxFailedTileFraction:    DefaultMaxFailedTileFraction,
			MinValidOverlapFraction:  DefaultMinValidOverlapFraction,
			MaxEdgeDispersion:        DefaultMaxEdgeDispersion,
			MaxAmbiguousEdgeFraction: DefaultMaxAmbiguousEdgeFraction,
			EdgeEstimator:            "median",
			OverlapBlendPolicy:       "nearest",
			Solver:                   "spanning-tree",
			AnchorWeight:             DefaultAnchorWeight,
			TileTimeout:              DefaultTileTimeout,
			MaxRetries:               DefaultMaxRetries,
			RetryInterval:            DefaultRetryInterval,
			NLooks:                   DefaultNLooks,
		},
		Unwrapper: UnwrapperConfig{
			Name: "pathfollow",
			SNAPHU: SNAPHUConfig{
				Executable: "snaphu",
				CostMode:   "smooth",
				InitMethod: "mcf",
			},
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: "0.0.0.0:4317",
			},
			SampleRatio: 0.2,
			ServiceName: "tophu",
		},
		Metrics: MetricConfig{
			Enabled: false,
			Addr:    "0.0.0.0:2112",
		},
	}
}
