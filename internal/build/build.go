// Package build exposes version information stamped in at link time with
// -ldflags "-X github.com/2lambda123/isce-framework-tophu/internal/build.Version=...".
package build

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// ProjectName is used for the tracer service name and the CLI root command.
	ProjectName = "tophu"
)
