// Package version carries build metadata stamped in via ldflags:
//
//	go build -ldflags "-X github.com/svarley/fbascout/internal/version.Version=1.0.0 ..."
//
// Unstamped binaries report the dev defaults.
package version

import (
	"fmt"
	"runtime"
)

var (
	// Version is the semantic version of the build.
	Version = "0.0.0-dev"

	// Commit is the git commit SHA the binary was built from.
	Commit = "unknown"

	// Date is the RFC3339 build timestamp.
	Date = "unknown"

	// Dirty is "true" when the tree had uncommitted changes at build time.
	Dirty = "false"
)

// Info is the resolved version record, as printed by the version subcommand
// and the startup banner.
type Info struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	Dirty     bool   `json:"dirty"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Get resolves the stamped variables together with the runtime facts.
func Get() Info {
	return Info{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		Dirty:     Dirty == "true",
		GoVersion: runtime.Version(),
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
}

// String formats the full version line, e.g. "1.0.0 (abc1234) built 2024-01-15".
func (i Info) String() string {
	dirty := ""
	if i.Dirty {
		dirty = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s) built %s", i.Version, i.Commit, dirty, i.Date)
}

// Short is the version alone, with a -dirty suffix when applicable.
func (i Info) Short() string {
	if i.Dirty {
		return i.Version + "-dirty"
	}
	return i.Version
}
