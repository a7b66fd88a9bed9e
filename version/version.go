// Package version reports build/version information for the daemon
// binary, surfaced over the "version" GENERIC_COMMAND subcommand and
// logged once at startup.
package version

import (
	"reflect"
	"runtime/debug"
)

var (
	// These are set via -ldflags during build.
	GitRepo   string
	GitBranch string
	GitCommit string
	BuildTime string
)

// Info holds all version information for one running daemon.
type Info struct {
	GitRepo   string           `json:"gitRepo,omitempty"`
	GitBranch string           `json:"gitBranch,omitempty"`
	GitCommit string           `json:"gitCommit,omitempty"`
	BuildTime string           `json:"buildTime,omitempty"`
	BuildInfo *debug.BuildInfo `json:"buildInfo,omitempty"`
}

// Get returns the version information for the running binary.
func Get() Info {
	buildInfo, ok := debug.ReadBuildInfo()
	ret := Info{
		GitRepo:   GitRepo,
		GitBranch: GitBranch,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
	}
	if ok {
		ret.BuildInfo = buildInfo
	}
	return ret
}

// Equal reports whether two version infos represent the same build: the
// same git commit, and (when both carry build info) the same module
// path, dependency set, and Go toolchain version; if only one of them
// carries build info they are not equal. BuildTime is
// deliberately excluded -- a reproducible rebuild of the same commit can
// have a different timestamp and is still "the same version".
func (v Info) Equal(other Info) bool {
	if v.BuildInfo != nil || other.BuildInfo != nil {
		if v.BuildInfo == nil || other.BuildInfo == nil {
			return false
		}
		if v.BuildInfo.Main.Path != other.BuildInfo.Main.Path ||
			!reflect.DeepEqual(v.BuildInfo.Deps, other.BuildInfo.Deps) ||
			v.BuildInfo.GoVersion != other.BuildInfo.GoVersion {
			return false
		}
	}
	return v.GitCommit == other.GitCommit
}
