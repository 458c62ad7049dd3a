// version.go: Semantic versions with strict parsing and precedence ordering
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginresolver

import (
	"encoding/json"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Version is an immutable semantic version.
//
// Parsing is strict: "1.2.3", "1.0.0-rc1" and "1.0.0+build.7" are accepted,
// "1.2", "v1.2.3" and "01.2.3" are not. Ordering follows semantic versioning
// precedence: pre-releases sort before their release and build metadata is
// ignored.
//
// The zero Version is not a valid version; IsZero reports it.
type Version struct {
	v *semver.Version
}

// ParseVersion parses a strict semantic version string.
func ParseVersion(raw string) (Version, error) {
	trimmed := strings.TrimSpace(raw)
	v, err := semver.StrictNewVersion(trimmed)
	if err != nil {
		return Version{}, NewMalformedVersionError(raw, err)
	}
	return Version{v: v}, nil
}

// MustParseVersion is like ParseVersion but panics on error. Intended for
// tests and static tables.
func MustParseVersion(raw string) Version {
	v, err := ParseVersion(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// IsZero reports whether v is the zero (unset) Version.
func (v Version) IsZero() bool { return v.v == nil }

func (v Version) Major() uint64 {
	if v.v == nil {
		return 0
	}
	return v.v.Major()
}

func (v Version) Minor() uint64 {
	if v.v == nil {
		return 0
	}
	return v.v.Minor()
}

func (v Version) Patch() uint64 {
	if v.v == nil {
		return 0
	}
	return v.v.Patch()
}

// Prerelease returns the pre-release identifiers without the leading '-'.
func (v Version) Prerelease() string {
	if v.v == nil {
		return ""
	}
	return v.v.Prerelease()
}

// Metadata returns the build metadata without the leading '+'.
func (v Version) Metadata() string {
	if v.v == nil {
		return ""
	}
	return v.v.Metadata()
}

// Compare returns -1, 0 or 1 following semver precedence. The zero Version
// sorts before every valid version.
func (v Version) Compare(other Version) int {
	switch {
	case v.v == nil && other.v == nil:
		return 0
	case v.v == nil:
		return -1
	case other.v == nil:
		return 1
	}
	return v.v.Compare(other.v)
}

// Equal reports precedence equality; build metadata is ignored.
func (v Version) Equal(other Version) bool { return v.Compare(other) == 0 }

func (v Version) LessThan(other Version) bool { return v.Compare(other) < 0 }

func (v Version) String() string {
	if v.v == nil {
		return ""
	}
	return v.v.String()
}

// MarshalJSON encodes the version as its string form; the zero Version
// encodes as null.
func (v Version) MarshalJSON() ([]byte, error) {
	if v.v == nil {
		return []byte("null"), nil
	}
	return json.Marshal(v.String())
}

func (v *Version) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = Version{}
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return NewMalformedVersionError(string(data), err)
	}
	parsed, err := ParseVersion(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
