// Package version reports build information for amanidx.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Version is set with -ldflags "-X github.com/Aman-CERP/amanidx/pkg/version.Version=...".
var Version = "dev"

// Commit and Date are set through ldflags too. When they are not, they are
// filled from the VCS stamp the Go toolchain embeds in the binary.
var (
	Commit = "unknown"
	Date   = "unknown"

	GoVersion = runtime.Version()
)

func init() {
	fillFromBuildInfo(debug.ReadBuildInfo())
}

// fillFromBuildInfo copies vcs.revision, vcs.time and vcs.modified into
// Commit and Date when ldflags left them unset.
func fillFromBuildInfo(info *debug.BuildInfo, ok bool) {
	if !ok || info == nil {
		return
	}
	var revision, stamp string
	dirty := false
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			revision = s.Value
		case "vcs.time":
			stamp = s.Value
		case "vcs.modified":
			dirty = s.Value == "true"
		}
	}
	if Commit == "unknown" && revision != "" {
		if len(revision) > 12 {
			revision = revision[:12]
		}
		if dirty {
			revision += "-dirty"
		}
		Commit = revision
	}
	if Date == "unknown" && stamp != "" {
		Date = stamp
	}
}

// BuildInfo is the JSON shape of `amanidx version --json`.
type BuildInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	Date      string `json:"date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// String returns the one-line version banner.
func String() string {
	return fmt.Sprintf("amanidx %s (commit: %s, built: %s, %s %s/%s)",
		Version, Commit, Date, GoVersion, runtime.GOOS, runtime.GOARCH)
}

// Short returns the bare version.
func Short() string {
	return Version
}

// GetInfo returns structured build information.
func GetInfo() BuildInfo {
	return BuildInfo{
		Version:   Version,
		Commit:    Commit,
		Date:      Date,
		GoVersion: GoVersion,
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
}
