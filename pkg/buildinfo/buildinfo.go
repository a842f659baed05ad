package buildinfo

// Version holds the application's version string.
// It's a `var` so it can be set at compile time using ldflags.
// Example: go build -ldflags="-X github.com/paulschiretz/pgl-backitup/pkg/buildinfo.Version=1.0.0"
var Version = "dev"

// Name is the canonical name of the application. It prefixes every
// notification message and identifies lock owners.
var Name = "PGL-Backitup"

// ArtifactSuffix marks every archive produced by a backup run.
const ArtifactSuffix = "backupiobroker"
