// Package version provides build-time version information for tvdecode.
//
// Version, Commit, Date, Branch and TreeState are injected at build time via ldflags:
//
//	go build -ldflags "-X github.com/jmylchreest/tvdecode/internal/version.Version=x.y.z \
//	                   -X github.com/jmylchreest/tvdecode/internal/version.Commit=$(git rev-parse HEAD)"
package version

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"

	"github.com/jmylchreest/tvdecode/pkg/codec"
)

// Build-time variables injected via ldflags.
var (
	// Version is the semantic version. Prereleases look like "1.2.3-SNAPSHOT.abc1234".
	Version = "dev"
	Commit  = "unknown"
	// Date is the build timestamp in RFC3339 format.
	Date      = "unknown"
	Branch    = "unknown"
	TreeState = "unknown" // clean or dirty
)

// ApplicationName is the canonical name of this application.
const ApplicationName = "tvdecode"

// Info contains structured version information.
type Info struct {
	Version   string   `json:"version"`
	Commit    string   `json:"commit"`
	CommitSHA string   `json:"commit_sha"`
	Date      string   `json:"date"`
	Branch    string   `json:"branch"`
	TreeState string   `json:"tree_state"`
	GoVersion string   `json:"go_version"`
	OS        string   `json:"os"`
	Arch      string   `json:"arch"`
	Codecs    []string `json:"codecs"`
}

// GetInfo returns all version information as a structured type. Without
// ldflags the module version recorded by the Go toolchain is used.
func GetInfo() Info {
	v := Version
	if v == "dev" {
		if bi, ok := debug.ReadBuildInfo(); ok && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
			v = strings.TrimPrefix(bi.Main.Version, "v")
		}
	}
	return Info{
		Version:   v,
		Commit:    Commit,
		CommitSHA: shortSHA(),
		Date:      Date,
		Branch:    Branch,
		TreeState: TreeState,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Codecs:    codec.Names(),
	}
}

// shortSHA returns the first 8 characters of Commit, or "" when unknown.
func shortSHA() string {
	if Commit == "unknown" || len(Commit) < 8 {
		return ""
	}
	return Commit[:8]
}

func dirtyMark() string {
	if TreeState == "dirty" {
		return "*"
	}
	return ""
}

// String returns a human-readable version string.
func String() string {
	info := GetInfo()
	platform := info.OS + "/" + info.Arch
	if info.CommitSHA == "" {
		return fmt.Sprintf("%s version %s (%s, %s)", ApplicationName, info.Version, info.GoVersion, platform)
	}
	s := fmt.Sprintf("%s version %s (commit: %s%s, built: %s", ApplicationName, info.Version, info.CommitSHA, dirtyMark(), info.Date)
	if Branch != "unknown" {
		s += ", branch: " + Branch
	}
	return s + fmt.Sprintf(", %s, %s)", info.GoVersion, platform)
}

// Short returns the version for cobra's --version output, which prefixes
// the application name itself.
func Short() string {
	if sha := shortSHA(); sha != "" {
		return fmt.Sprintf("%s (%s%s)", Version, sha, dirtyMark())
	}
	return Version
}

// JSON returns the version information as indented JSON.
func JSON() string {
	b, err := json.MarshalIndent(GetInfo(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(b)
}

// UserAgent returns a User-Agent string for HTTP requests.
func UserAgent() string {
	return fmt.Sprintf("%s/%s", ApplicationName, Version)
}

// IsSnapshot returns true if this is a snapshot/prerelease build.
func IsSnapshot() bool {
	return Version == "dev" || strings.Contains(Version, "-SNAPSHOT")
}

// IsRelease returns true if this is a tagged release build.
func IsRelease() bool {
	return !IsSnapshot()
}
