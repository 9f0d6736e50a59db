// Package version exposes the esctl build version.
package version

// version is overridden at build time via
// -ldflags "-X github.com/rshade/esctl/pkg/version.version=v1.2.3".
var version = "dev" //nolint:gochecknoglobals // set by the linker

// GetVersion returns the version string baked into the binary.
func GetVersion() string {
	return version
}
