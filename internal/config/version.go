package config

import "fmt"

// CurrentVersion is the configuration file format this build understands.
// A file without a version is treated as current.
const CurrentVersion = 1

// VersionError describes a configuration version this build cannot read.
type VersionError struct {
	Version int
	Current int
}

func (e *VersionError) Error() string {
	if e.Version > e.Current {
		return fmt.Sprintf("config version %d is newer than this build (current: %d); upgrade presenced", e.Version, e.Current)
	}
	return fmt.Sprintf("config version %d is invalid (current: %d)", e.Version, e.Current)
}

// ValidateVersion ensures the provided config version is supported.
func ValidateVersion(version int) error {
	if version < 1 || version > CurrentVersion {
		return &VersionError{Version: version, Current: CurrentVersion}
	}
	return nil
}
