// Package version holds build-time identifiers set via -ldflags.
package version

// Version and Commit are overridden at build time with
// -ldflags "-X github.com/oroboros/controlplane/internal/version.Version=... -X .../Commit=...".
var (
	Version = "dev"
	Commit  = "unknown"
)
