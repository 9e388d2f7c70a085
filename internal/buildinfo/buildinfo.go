// Package buildinfo exposes version metadata injected at build time.
package buildinfo

import (
	"fmt"
	"runtime"
)

// Info captures identifying metadata for a build of the load generator.
type Info struct {
	Version   string
	GitCommit string
	BuildDate string
	GoVersion string
}

// These variables are intended to be overridden via -ldflags during release builds.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Current returns the build metadata for logging and --version output.
func Current() Info {
	return Info{
		Version:   Version,
		GitCommit: GitCommit,
		BuildDate: BuildDate,
		GoVersion: runtime.Version(),
	}
}

// String renders the one-line form printed by --version.
func (i Info) String() string {
	return fmt.Sprintf("cpuload %s (commit %s, built %s, %s)", i.Version, i.GitCommit, i.BuildDate, i.GoVersion)
}
