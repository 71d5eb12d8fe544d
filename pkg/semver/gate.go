package semver

import (
	"errors"
	"fmt"
	"strings"

	masterminds "github.com/Masterminds/semver/v3"
)

const gateLogPrefix = "semver:gate"

var (
	// ErrMissingVersion is returned by a strict gate when the client sent no version.
	ErrMissingVersion = errors.New("client version is required")
	// ErrInvalidVersion is returned when the client version does not parse.
	ErrInvalidVersion = errors.New("client version is not a semantic version")
	// ErrIncompatible is returned when the client version is outside the range.
	ErrIncompatible = errors.New("client version is not supported")
)

// Gate admits clients whose version satisfies a range. The zero Gate and a
// nil *Gate admit everyone.
type Gate struct {
	raw        string
	major      int
	constraint *masterminds.Constraints
	strict     bool
}

// NewGate parses rangeStr (e.g. "^1.2.0", "2", ">=1.0.0 <3.0.0"). An empty range
// returns an open gate. When strict, clients that send no version are refused.
func NewGate(rangeStr string, strict bool) (*Gate, error) {
	raw := strings.TrimSpace(rangeStr)
	g := &Gate{raw: raw, major: -1, strict: strict}
	if raw == "" {
		return g, nil
	}
	if IsMajorOnly(raw) {
		g.major = ExtractMajorFromRange(raw)
		return g, nil
	}
	c, err := masterminds.NewConstraint(raw)
	if err != nil {
		return nil, fmt.Errorf("%s - invalid client version range %q: %w", gateLogPrefix, raw, err)
	}
	g.constraint = c
	return g, nil
}

// Range returns the configured range, or "" for an open gate.
func (g *Gate) Range() string {
	if g == nil {
		return ""
	}
	return g.raw
}

// Check returns nil when version may connect.
func (g *Gate) Check(version string) error {
	if g == nil {
		return nil
	}
	version = strings.TrimSpace(version)
	if version == "" {
		if g.strict && g.raw != "" {
			return ErrMissingVersion
		}
		return nil
	}
	if g.raw == "" {
		return nil
	}

	sv, err := ParseVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidVersion, version)
	}
	if g.major >= 0 {
		if int(sv.Major()) != g.major {
			return fmt.Errorf("%w: %s does not match major %d", ErrIncompatible, sv, g.major)
		}
		return nil
	}
	if ok, errs := g.constraint.Validate(sv); !ok {
		reason := g.raw
		if len(errs) > 0 {
			reason = errs[0].Error()
		}
		return fmt.Errorf("%w: %s", ErrIncompatible, reason)
	}
	return nil
}
