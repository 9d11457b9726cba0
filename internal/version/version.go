package version

// Overridden at build time via -ldflags "-X .../internal/version.Version=...".
var (
	Version   = "dev"
	Commit    = "none"
	BuildTime = "unknown"
)
