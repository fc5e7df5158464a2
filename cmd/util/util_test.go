package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestMustBindPFlag(t *testing.T) {
	t.Cleanup(viper.Reset)

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("tile-rows", 7, "")
	MustBindPFlag("job.tileRows", flags.Lookup("tile-rows"))
	require.Equal(t, 7, viper.GetInt("job.tileRows"))

	require.NoError(t, flags.Parse([]string{"--tile-rows=9"}))
	require.Equal(t, 9, viper.GetInt("job.tileRows"))

	require.Panics(t, func() {
		MustBindPFlag("job.missing", nil)
	})
}

func TestMustBindEnv(t *testing.T) {
	t.Cleanup(viper.Reset)

	t.Setenv("TOPHU_LOG_LEVEL", "debug")
	MustBindEnv("log.level", "TOPHU_LOG_LEVEL")
	require.Equal(t, "debug", viper.GetString("log.level"))
}

func TestPrepareTempConfigFile(t *testing.T) {
	PrepareTempConfigFile(t, "log:\n  level: warn\n")

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(home, ".tophu", "config.yaml"))
	require.NoError(t, err)
	require.Equal(t, "log:\n  level: warn\n", string(b))
}
