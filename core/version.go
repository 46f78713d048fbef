package core

import "fmt"

// Build metadata, injected with ldflags:
//
//	go build -ldflags "-X sdstage/core.Version=v0.3.0 -X sdstage/core.GitCommit=$(git rev-parse --short HEAD)" ./cmd/sdstage
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// GetVersionInfo returns a formatted version information string, e.g.
// "v0.3.0 (built 2026-01-15T10:30:00Z, commit abc1234, engine stub)".
func GetVersionInfo(engine string) string {
	return fmt.Sprintf("%s (built %s, commit %s, engine %s)", Version, BuildTime, GitCommit, engine)
}
