package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/2lambda123/isce-framework-tophu/internal/build"
)

// NewVersionCommand returns the command to get the tophu version
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Return the tophu version",
		Long:  "Return the tophu version.",
		RunE:  version,
		Args:  cobra.NoArgs,
	}

	return cmd
}

// print out the built version
func version(cmd *cobra.Command, _ []string) error {
	_, err := fmt.Fprintf(cmd.OutOrStdout(), "tophu version %s date %s commit id %s\n", build.Version, build.Date, build.Commit)
	return err
}
