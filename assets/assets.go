// Package assets holds the build-time identity of the binary.
package assets

const (
	ServiceName = "saiyoumail"
	Version     = "1.0.0"
)
