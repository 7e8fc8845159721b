package version

// Set with -ldflags "-X github.com/throw-if-null/prime/internal/version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)
