// Package buildinfo carries the version stamped into berth binaries.
package buildinfo

import (
	"fmt"
	"strings"
)

// These values are overridden at build time via -ldflags, e.g.
//
//	-X github.com/berth-dev/berth/internal/buildinfo.Version=v0.3.0
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func String() string {
	return fmt.Sprintf("version=%s commit=%s date=%s", Version, Commit, Date)
}

// Short returns the version with an abbreviated commit, as printed by --version.
func Short() string {
	commit := Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}
	if commit == "" || commit == "none" {
		return Version
	}
	return Version + " (" + commit + ")"
}

// UserAgent identifies berth HTTP clients, including the rule prober.
func UserAgent() string {
	return "berth/" + strings.TrimPrefix(Version, "v")
}
