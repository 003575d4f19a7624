package version

import (
	"runtime"
	"testing"
)

func TestGet(t *testing.T) {
	old := GitCommit
	GitCommit = "abc123"
	defer func() { GitCommit = old }()

	info := Get()
	if info.GitCommit != "abc123" {
		t.Errorf("GitCommit = %q, ldflags value should win", info.GitCommit)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q", info.GoVersion)
	}
	if info.Platform != runtime.GOOS+"/"+runtime.GOARCH {
		t.Errorf("Platform = %q", info.Platform)
	}
	if info.Version == "" {
		t.Error("empty Version")
	}
}
