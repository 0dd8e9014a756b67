package buildinfo

import (
	"runtime/debug"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func stubBuildInfo(t *testing.T, bi *debug.BuildInfo) {
	t.Helper()
	orig := readBuildInfo
	readBuildInfo = func() (*debug.BuildInfo, bool) { return bi, bi != nil }
	t.Cleanup(func() { readBuildInfo = orig })
}

func stubVars(t *testing.T, version, commit, built string) {
	t.Helper()
	v, c, b := Version, GitCommit, BuildTime
	Version, GitCommit, BuildTime = version, commit, built
	t.Cleanup(func() { Version, GitCommit, BuildTime = v, c, b })
}

func TestResolved(t *testing.T) {
	vcs := &debug.BuildInfo{
		Main: debug.Module{Version: "v1.2.3"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-01-02T03:04:05Z"},
			{Key: "vcs.modified", Value: "true"},
		},
	}

	tests := []struct {
		name                  string
		version, commit, time string
		bi                    *debug.BuildInfo
		want                  []string
	}{
		{
			name:    "no build info",
			version: "dev", commit: "unknown", time: "unknown",
			want: []string{"dev", "unknown", "unknown"},
		},
		{
			name:    "from embedded vcs data",
			version: "dev", commit: "unknown", time: "unknown",
			bi:   vcs,
			want: []string{"v1.2.3", "0123456789ab-dirty", "2026-01-02T03:04:05Z"},
		},
		{
			name:    "ldflags win",
			version: "v9.0.0", commit: "feedbeef", time: "yesterday",
			bi:   vcs,
			want: []string{"v9.0.0", "feedbeef", "yesterday"},
		},
		{
			name:    "devel main module",
			version: "dev", commit: "unknown", time: "unknown",
			bi:   &debug.BuildInfo{Main: debug.Module{Version: "(devel)"}},
			want: []string{"dev", "unknown", "unknown"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stubVars(t, tt.version, tt.commit, tt.time)
			stubBuildInfo(t, tt.bi)

			v, c, b := resolved()
			if diff := cmp.Diff(tt.want, []string{v, c, b}); diff != "" {
				t.Errorf("resolved() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestInfoKeys(t *testing.T) {
	info := Info()
	for _, key := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if info[key] == "" {
			t.Errorf("Info()[%q] is empty", key)
		}
	}
}

func TestString(t *testing.T) {
	stubVars(t, "v1.0.0", "abc123", "now")
	stubBuildInfo(t, nil)

	if got, want := String(), "mcphost v1.0.0 (abc123) built now"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
