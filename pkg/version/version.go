// Package version provides the comparable artifact version used by the
// installation manager.
//
// Versions have the shape MAJOR.MINOR.PATCH with an optional pre-release
// suffix (3.1.0-RC1, 4.0.0-SNAPSHOT). Pre-releases sort before the release
// with the same core. Build metadata and leading zeros are rejected.
package version

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ErrMalformedVersion is returned when text does not have the MAJOR.MINOR.PATCH shape.
var ErrMalformedVersion = errors.New("malformed version")

// Version is an immutable artifact version. The zero value is 0.0.0.
type Version struct {
	major      uint64
	minor      uint64
	patch      uint64
	prerelease string
}

// New creates a release version from its three components.
func New(major, minor, patch uint64) Version {
	return Version{major: major, minor: minor, patch: patch}
}

// Parse parses text as a version.
func Parse(text string) (Version, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Version{}, fmt.Errorf("%w: empty string", ErrMalformedVersion)
	}

	sv, err := semver.StrictNewVersion(trimmed)
	if err != nil {
		return Version{}, fmt.Errorf("%w: %q: %v", ErrMalformedVersion, text, err)
	}
	if sv.Metadata() != "" {
		return Version{}, fmt.Errorf("%w: %q: build metadata is not supported", ErrMalformedVersion, text)
	}

	return Version{
		major:      sv.Major(),
		minor:      sv.Minor(),
		patch:      sv.Patch(),
		prerelease: sv.Prerelease(),
	}, nil
}

// MustParse is like Parse but panics on malformed input. Intended for constants.
func MustParse(text string) Version {
	v, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return v
}

// Major returns the major component.
func (v Version) Major() uint64 { return v.major }

// Minor returns the minor component.
func (v Version) Minor() uint64 { return v.minor }

// Patch returns the patch component.
func (v Version) Patch() uint64 { return v.patch }

// Prerelease returns the pre-release suffix without the leading dash.
func (v Version) Prerelease() string { return v.prerelease }

// IsPrerelease reports whether the version carries a pre-release suffix.
func (v Version) IsPrerelease() bool { return v.prerelease != "" }

// Compare returns -1, 0 or 1 when v is less than, equal to, or greater than other.
func (v Version) Compare(other Version) int {
	return v.semver().Compare(other.semver())
}

// Less reports whether v sorts before other.
func (v Version) Less(other Version) bool {
	return v.Compare(other) < 0
}

// Equal reports whether v and other are the same version.
func (v Version) Equal(other Version) bool {
	return v == other
}

// String formats the version as MAJOR.MINOR.PATCH[-PRERELEASE].
func (v Version) String() string {
	return v.semver().String()
}

// MarshalText implements encoding.TextMarshaler.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Version) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

func (v Version) semver() *semver.Version {
	return semver.New(v.major, v.minor, v.patch, v.prerelease, "")
}
