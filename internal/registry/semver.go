package registry

import (
	"sort"
	"strconv"
	"strings"
)

// SemVer is a parsed semantic version tag.
type SemVer struct {
	Major int
	Minor int
	Patch int
	Pre   string // pre-release suffix (e.g. "rc1", "beta2")
	Raw   string // original tag string
}

// ParseSemVer parses "x.y.z" or "x.y" tags with an optional "v" prefix.
// Pre-release suffixes like "-rc1" are captured in Pre.
func ParseSemVer(tag string) (SemVer, bool) {
	raw := tag
	tag = strings.TrimPrefix(tag, "v")
	tag = strings.TrimPrefix(tag, "V")
	if tag == "" {
		return SemVer{}, false
	}

	var pre string
	if idx := strings.Index(tag, "-"); idx >= 0 {
		pre = tag[idx+1:]
		tag = tag[:idx]
	}

	parts := strings.Split(tag, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return SemVer{}, false
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return SemVer{}, false
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return SemVer{}, false
	}
	var patch int
	if len(parts) == 3 {
		if patch, err = strconv.Atoi(parts[2]); err != nil {
			return SemVer{}, false
		}
	}

	return SemVer{Major: major, Minor: minor, Patch: patch, Pre: pre, Raw: raw}, true
}

// LessThan reports whether v is strictly less than other. A pre-release
// version sorts before its release counterpart.
func (v SemVer) LessThan(other SemVer) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	if v.Patch != other.Patch {
		return v.Patch < other.Patch
	}
	if v.Pre != other.Pre {
		if v.Pre == "" {
			return false
		}
		if other.Pre == "" {
			return true
		}
		return v.Pre < other.Pre
	}
	return false
}

// sortedSemVers filters tags down to parseable semvers, newest first.
// Calendar-versioning tags (major >= 1900) are excluded when the current
// version is plain semver, since comparing across schemes is nonsense.
func sortedSemVers(tags []string, current SemVer) []SemVer {
	currentCalver := current.Major >= 1900
	var out []SemVer
	for _, tag := range tags {
		sv, ok := ParseSemVer(tag)
		if !ok {
			continue
		}
		if (sv.Major >= 1900) != currentCalver {
			continue
		}
		out = append(out, sv)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[j].LessThan(out[i])
	})
	return out
}
