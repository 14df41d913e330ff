// Package version holds build-time version metadata, overridable via
// -ldflags at build time.
package version

// Version is the supervisor's build version, "dev" unless overridden at
// link time with -X github.com/cloudforet-io/supervisor/pkg/version.Version=...
var Version = "dev"

// GitCommit is the commit the binary was built from, set the same way.
var GitCommit = "unknown"
