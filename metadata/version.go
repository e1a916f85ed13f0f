package metadata

import (
	"fmt"
	"strconv"
	"strings"
)

// A Version is the major/minor version of a message type.
type Version struct {
	Major int `json:"Major"`
	Minor int `json:"Minor"`
}

// V1 is the version of a message type that has never changed shape.
//
//nolint:gochecknoglobals // constant-like value
var V1 = Version{Major: 1}

// String returns the version as "major.minor".
func (v Version) String() string {
	return strconv.Itoa(v.Major) + "." + strconv.Itoa(v.Minor)
}

// IsZero reports whether v is the zero version.
func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0
}

// ParseVersion parses a "major.minor" or "major" string.
func ParseVersion(s string) (Version, error) {
	majorPart, minorPart, hasMinor := strings.Cut(strings.TrimSpace(s), ".")

	major, err := strconv.Atoi(majorPart)
	if err != nil || major < 0 {
		return Version{}, fmt.Errorf("invalid major version in %q", s)
	}

	if !hasMinor {
		return Version{Major: major}, nil
	}

	minor, err := strconv.Atoi(minorPart)
	if err != nil || minor < 0 {
		return Version{}, fmt.Errorf("invalid minor version in %q", s)
	}

	return Version{Major: major, Minor: minor}, nil
}
