// Package version reports which SubnetGrid build is running. Release builds
// set the variables with -ldflags "-X"; otherwise the VCS stamp Go embeds in
// the binary is used where available.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
)

// Set at link time.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var readBuildInfo = debug.ReadBuildInfo

var stamp = sync.OnceValues(readStamp)

func readStamp() (commit, date string) {
	commit, date = GitCommit, BuildDate
	info, ok := readBuildInfo()
	if !ok {
		return commit, date
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && commit == "unknown":
			commit = s.Value
			if len(commit) > 12 {
				commit = commit[:12]
			}
		case s.Key == "vcs.time" && date == "unknown":
			date = s.Value
		}
	}
	return commit, date
}

// Info is the one-line banner printed by "subnetgrid version".
func Info() string {
	commit, date := stamp()
	return fmt.Sprintf("SubnetGrid %s (commit: %s, built: %s, go: %s, %s/%s)",
		Version, commit, date, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Short is the bare version, e.g. "0.3.1" or "dev".
func Short() string { return Version }

// UserAgent identifies this build on requests to the backend.
func UserAgent() string { return "subnetgrid/" + Version }

// Map is the build description served by the health endpoint.
func Map() map[string]string {
	commit, date := stamp()
	return map[string]string{
		"version":    Version,
		"git_commit": commit,
		"build_date": date,
		"go_version": runtime.Version(),
		"platform":   runtime.GOOS + "/" + runtime.GOARCH,
	}
}
