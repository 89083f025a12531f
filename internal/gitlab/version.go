package gitlab

import (
	"fmt"
	"strconv"
	"strings"
)

// Release is a (major, minor, patch) version tuple.
type Release [3]int

// Less returns true if r is an older release than other.
func (r Release) Less(other Release) bool {
	for i := range r {
		if r[i] != other[i] {
			return r[i] < other[i]
		}
	}

	return false
}

func (r Release) String() string {
	return fmt.Sprintf("%d.%d.%d", r[0], r[1], r[2])
}

// Version is the version of a GitLab server.
type Version struct {
	Release Release
	// Edition is the suffix of the version string, e.g. "ee".
	Edition string
}

// ParseVersion parses version strings like "15.4.2-ee".
func ParseVersion(s string) (Version, error) {
	var result Version

	releaseStr, edition, _ := strings.Cut(strings.TrimSpace(s), "-")
	if edition == "" {
		edition = "ce"
	}
	result.Edition = edition

	parts := strings.Split(releaseStr, ".")
	if len(parts) != 3 {
		return Version{}, fmt.Errorf("version %q: expected format <major>.<minor>.<patch>[-<edition>]", s)
	}

	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return Version{}, fmt.Errorf("version %q: invalid release component %q", s, p)
		}
		result.Release[i] = n
	}

	return result, nil
}

// IsEE returns true for GitLab Enterprise Edition servers.
func (v Version) IsEE() bool {
	return v.Edition == "ee"
}

// AtLeast returns true if the server release is r or newer.
func (v Version) AtLeast(r Release) bool {
	return !v.Release.Less(r)
}

func (v Version) String() string {
	return v.Release.String() + "-" + v.Edition
}
