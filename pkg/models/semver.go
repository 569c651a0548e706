package models

import (
	"strings"

	"golang.org/x/mod/semver"
)

// CompareVersions compares two version strings in major.minor.patch form
// with optional pre-release/build suffixes. Returns -1, 0 or +1. Versions
// that do not parse sort before any valid version.
func CompareVersions(a, b string) int {
	return semver.Compare(canonicalVersion(a), canonicalVersion(b))
}

// ValidVersion reports whether v parses as a semantic version.
func ValidVersion(v string) bool {
	return semver.IsValid(canonicalVersion(v))
}

func canonicalVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
