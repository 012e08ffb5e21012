package version

import (
	_ "embed"
)

//go:embed VERSION
var Version string

// Get returns the version baked into the binary at build time.
func Get() string {
	return Version
}
