// Package version reports the ebd build.
package version

import (
	"runtime"
	"runtime/debug"
)

var (
	// Version is the release, set via ldflags during build.
	Version = "dev"
	// GitCommit is set via ldflags; falls back to the VCS stamp of the binary.
	GitCommit = ""
)

// Info contains version and build metadata.
type Info struct {
	Version   string `toml:"version"`
	GitCommit string `toml:"git_commit,omitempty"`
	Modified  bool   `toml:"modified,omitempty"`
	GoVersion string `toml:"go_version"`
	Platform  string `toml:"platform"`
}

// Get returns version and build information.
func Get() Info {
	info := Info{
		Version:   Version,
		GitCommit: GitCommit,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if info.GitCommit == "" {
					info.GitCommit = s.Value
				}
			case "vcs.modified":
				info.Modified = s.Value == "true"
			}
		}
		if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			info.Version = bi.Main.Version
		}
	}
	return info
}
