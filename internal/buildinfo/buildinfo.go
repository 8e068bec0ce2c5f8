// Package buildinfo holds version information injected at build time via
// -ldflags, e.g.
//
//	go build -ldflags "-X github.com/terrpan/selfrunner/internal/buildinfo.Version=v1.2.0" ./cmd/selfrunner
package buildinfo

import "fmt"

var (
	// Version is the release version, "dev" for local builds.
	Version = "dev"

	// Commit is the git commit hash.
	Commit = "unknown"

	// BuildTime is the RFC 3339 build timestamp.
	BuildTime = "unknown"
)

// String formats the build info for the version command.
func String() string {
	return fmt.Sprintf("selfrunner %s (commit %s, built %s)", Version, Commit, BuildTime)
}
