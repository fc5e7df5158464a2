// Package util provides common utilities for spf13/cobra CLI utilities
// that can be used for various commands within this project.
package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

// MustBindPFlag attempts to bind a specific key to a pflag (as used by cobra) and panics
// if the binding fails with a non-nil error.
func MustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic("failed to bind pflag: " + err.Error())
	}
}

func MustBindEnv(input ...string) {
	if err := viper.BindEnv(input...); err != nil {
		panic("failed to bind env key: " + err.Error())
	}
}

// PrepareTempConfigDir points HOME at a fresh directory and returns the tophu
// config directory inside it, so that tests never pick up a real config.yaml.
func PrepareTempConfigDir(t *testing.T) string {
	_, err := os.Stat("/etc/tophu/config.yaml")
	require.ErrorIs(t, err, os.ErrNotExist, "Config file at /etc/tophu/config.yaml would disturb test result.")

	homedir := t.TempDir()
	t.Setenv("HOME", homedir)

	confdir := filepath.Join(homedir, ".tophu")
	require.NoError(t, os.Mkdir(confdir, 0o750))

	return confdir
}

func PrepareTempConfigFile(t *testing.T, config string) {
	confdir := PrepareTempConfigDir(t)
	require.NoError(t, os.WriteFile(filepath.Join(confdir, "config.yaml"), []byte(config), 0o600))
}
