package types

import (
	"fmt"
	"time"
)

// Component versions are date-stamped strings such as "2026-01-21-v11".
// Compatibility is decided on the leading ISO date alone; the trailing
// revision tag is informational.
const versionDateLayout = "2006-01-02"

// ParseVersionDate extracts the date component of a version string
func ParseVersionDate(version string) (time.Time, error) {
	if len(version) < len(versionDateLayout) {
		return time.Time{}, fmt.Errorf("version %q too short for date prefix", version)
	}
	t, err := time.Parse(versionDateLayout, version[:len(versionDateLayout)])
	if err != nil {
		return time.Time{}, fmt.Errorf("version %q has no parseable date: %w", version, err)
	}
	return t, nil
}

// VersionCompatible reports whether a sender's version is at least the
// hub's minimum. Unparseable versions are incompatible.
func VersionCompatible(version, minimum string) bool {
	v, err := ParseVersionDate(version)
	if err != nil {
		return false
	}
	min, err := ParseVersionDate(minimum)
	if err != nil {
		// A hub misconfigured with an unparseable minimum admits everyone
		// that parses, rather than bricking the cluster.
		return true
	}
	return !v.Before(min)
}
