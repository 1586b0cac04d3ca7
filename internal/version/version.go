// Package version exposes the build metadata stamped into the takt binary.
package version

import (
	"fmt"
	"runtime"
)

// Stamped at build time, e.g.
// go build -ldflags="-X github.com/yoshihiko555/takt/internal/version.Version=v1.0.0".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// Short returns just the version string.
func Short() string {
	return Version
}

// Info returns a one-line summary with the abbreviated commit.
func Info() string {
	commit := Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	return fmt.Sprintf("takt %s (commit: %s, built: %s, go: %s)",
		Version, commit, BuildDate, runtime.Version())
}

// Full returns the verbose multi-line form used by the version command.
func Full() string {
	return fmt.Sprintf(`takt %s
  Commit:     %s
  Built:      %s
  Go version: %s
  OS/Arch:    %s/%s`,
		Version, Commit, BuildDate, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
