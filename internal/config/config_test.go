package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Verify())
}

func TestVerifyConfig(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		msg    string
	}{
		{
			name:   "log_format",
			modify: func(c *Config) { c.Log.Format = "xml" },
			msg:    "config 'log.format' must be one of ['text', 'json']",
		},
		{
			name:   "log_level",
			modify: func(c *Config) { c.Log.Level = "verbose" },
			msg:    "config 'log.level' must be one of",
		},
		{
			name:   "ntiles",
			modify: func(c *Config) { c.Job.NTiles = [2]int{0, 2} },
			msg:    "config 'job.ntiles' must be >= 1, got [0 2]",
		},
		{
			name:   "tile_size",
			modify: func(c *Config) { c.Job.TileSize = [2]int{256, -1} },
			msg:    "config 'job.tileSize' must be >= 1",
		},
		{
			name:   "overlap",
			modify: func(c *Config) { c.Job.OverlapSize = [2]int{-2, 4} },
			msg:    "config 'job.overlapSize' must be >= 0",
		},
		{
			name:   "downsample_factor",
			modify: func(c *Config) { c.Job.DownsampleFactor = [2]int{0, 0} },
			msg:    "config 'job.downsampleFactor' must be >= 1",
		},
		{
			name:   "nlooks",
			modify: func(c *Config) { c.Job.NLooks = 0 },
			msg:    "config 'job.nlooks' must be >= 1",
		},
		{
			name:   "estimator",
			modify: func(c *Config) { c.Job.EdgeEstimator = "mode" },
			msg:    "config 'job.edgeEstimator'",
		},
		{
			name:   "blend_policy",
			modify: func(c *Config) { c.Job.OverlapBlendPolicy = "feather" },
			msg:    "config 'job.overlapBlendPolicy'",
		},
		{
			name:   "solver",
			modify: func(c *Config) { c.Job.Solver = "annealing" },
			msg:    "config 'job.solver'",
		},
		{
			name:   "unwrapper",
			modify: func(c *Config) { c.Unwrapper.Name = "icu" },
			msg:    "config 'unwrapper.name' must be one of ['pathfollow', 'snaphu']",
		},
		{
			name: "snaphu_executable",
			modify: func(c *Config) {
				c.Unwrapper.Name = "snaphu"
				c.Unwrapper.SNAPHU.Executable = ""
			},
			msg: "config 'unwrapper.snaphu.executable' must be set",
		},
		{
			name: "sample_ratio",
			modify: func(c *Config) {
				c.Trace.Enabled = true
				c.Trace.SampleRatio = 2
			},
			msg: "config 'trace.sampleRatio' must be between 0 and 1",
		},
		{
			name: "metrics_addr",
			modify: func(c *Config) {
				c.Metrics.Enabled = true
				c.Metrics.Addr = ""
			},
			msg: "config 'metrics.addr' must be set",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(cfg)
			require.ErrorContains(t, cfg.Verify(), tc.msg)
		})
	}

	t.Run("tile_size_overrides_ntiles", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Job.NTiles = [2]int{}
		cfg.Job.TileSize = [2]int{512, 512}
		require.NoError(t, cfg.Verify())
	})

	t.Run("collects_every_problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Log.Format = "xml"
		cfg.Job.Solver = "annealing"
		err := cfg.Verify()
		require.ErrorContains(t, err, "log.format")
		require.ErrorContains(t, err, "job.solver")
	})
}
