// Package buildinfo holds version and build metadata stamped at compile time via ldflags.
package buildinfo

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"time"

	"github.com/samber/lo"
)

// These variables are set at build time via -ldflags. When they are
// left unset, module and VCS data embedded by the Go toolchain fill in.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// startTime records when the process started.
var startTime = time.Now()

// readBuildInfo is swapped in tests.
var readBuildInfo = debug.ReadBuildInfo

// resolved returns version, commit and build time, preferring ldflags.
func resolved() (version, commit, built string) {
	version, commit, built = Version, GitCommit, BuildTime

	bi, ok := readBuildInfo()
	if !ok {
		return
	}
	if version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		version = bi.Main.Version
	}
	setting := func(key string) (string, bool) {
		s, found := lo.Find(bi.Settings, func(s debug.BuildSetting) bool { return s.Key == key })
		return s.Value, found && s.Value != ""
	}
	if commit == "unknown" {
		if rev, ok := setting("vcs.revision"); ok {
			commit = rev
			if len(commit) > 12 {
				commit = commit[:12]
			}
			if dirty, _ := setting("vcs.modified"); dirty == "true" {
				commit += "-dirty"
			}
		}
	}
	if built == "unknown" {
		if t, ok := setting("vcs.time"); ok {
			built = t
		}
	}
	return
}

// Info returns all build and runtime info as a map.
func Info() map[string]string {
	version, commit, built := resolved()
	return map[string]string{
		"version":    version,
		"git_commit": commit,
		"build_time": built,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"uptime":     Uptime().String(),
	}
}

// Uptime returns the duration since process start.
func Uptime() time.Duration {
	return time.Since(startTime).Truncate(time.Second)
}

// String returns a one-line summary for logging.
func String() string {
	version, commit, built := resolved()
	return fmt.Sprintf("mcphost %s (%s) built %s", version, commit, built)
}
