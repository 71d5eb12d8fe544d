// Package semver checks client versions against the range a router accepts.
package semver

import (
	"fmt"
	"regexp"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const logPrefix = "semver:version"

var majorOnlyRegex = regexp.MustCompile(`^\d+$`)

// IsMajorOnly reports whether a range names a bare major, e.g. "3".
func IsMajorOnly(rangeStr string) bool {
	return majorOnlyRegex.MatchString(rangeStr)
}

// ExtractMajorFromRange returns the major of a major-only range, or -1.
func ExtractMajorFromRange(rangeStr string) int {
	if !IsMajorOnly(rangeStr) {
		return -1
	}
	var major int
	fmt.Sscanf(rangeStr, "%d", &major)
	return major
}

// ParseVersion parses a client-reported version. A leading "v" is accepted.
func ParseVersion(version string) (*masterminds.Version, error) {
	v, err := masterminds.NewVersion(strings.TrimSpace(version))
	if err != nil {
		return nil, fmt.Errorf("%s - invalid version %q: %w", logPrefix, version, err)
	}
	return v, nil
}
