package main

import (
	"os"

	"github.com/2lambda123/isce-framework-tophu/cmd"
	"github.com/2lambda123/isce-framework-tophu/cmd/unwrap"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	unwrapCmd := unwrap.NewUnwrapCommand()
	rootCmd.AddCommand(unwrapCmd)

	versionCmd := cmd.NewVersionCommand()
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
