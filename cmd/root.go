// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/2lambda123/isce-framework-tophu/internal/build"
)

// NewRootCommand enables all children commands to read flags from CLI flags, environment variables prefixed with TOPHU, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("TOPHU")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/tophu", "$HOME/.tophu", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	return &cobra.Command{
		Use:   build.ProjectName,
		Short: "Multiscale tiled two-dimensional phase unwrapping",
		Long: `Multiscale tiled two-dimensional phase unwrapping.

tophu splits large interferograms into overlapping tiles, unwraps every tile with a
pluggable unwrapper, and stitches the tiles back into a single raster whose integer
cycle ambiguities agree across tile borders, guided by a coarse downsampled solve.`,
		SilenceUsage: true,
	}
}
