package buildinfo

import (
	"fmt"
	"strings"
)

// Set with -ldflags "-X github.com/hostlane/hostlane/internal/buildinfo.Version=...".
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// String is the line printed by `hostlaned -version` and `hostlane version`.
func String() string {
	return fmt.Sprintf("hostlane %s (commit %s, built %s)", Version, shortCommit(), Date)
}

// UserAgent identifies hostlane to provider APIs.
func UserAgent() string {
	return "hostlane/" + Version
}

func shortCommit() string {
	c := strings.TrimSpace(Commit)
	if len(c) > 12 {
		return c[:12]
	}
	return c
}
