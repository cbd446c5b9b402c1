// Package version holds the build version, set at link time with
//
//	-ldflags "-X EnigmaNetz/Enigma-Capture-Bridge/internal/version.Version=1.2.3"
package version

// Version is the bridge version.
var Version = "dev"
