package registry

import (
	"fmt"

	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/store"
)

// FloatingTag computes the tag a container should track under a floating-tag
// mode, given the currently pinned tag and the registry's full tag list.
//
//	exact  -> the current tag, unchanged
//	minor  -> newest tag with the same major version
//	major  -> newest semver tag overall
//	latest -> the literal "latest" tag
func FloatingTag(currentTag, mode string, tags []string) (string, error) {
	switch mode {
	case store.TagExact, "":
		return currentTag, nil
	case store.TagLatest:
		return "latest", nil
	case store.TagMinor, store.TagMajor:
	default:
		return "", derr.Validationf("unknown floating tag mode %q", mode)
	}

	current, ok := ParseSemVer(currentTag)
	if !ok {
		return "", derr.Validationf("tag %q is not semver, cannot float %s", currentTag, mode)
	}

	candidates := sortedSemVers(tags, current)
	best := current
	for _, sv := range candidates {
		if sv.Pre != "" && current.Pre == "" {
			// Never float a release tag onto a pre-release.
			continue
		}
		if mode == store.TagMinor && sv.Major != current.Major {
			continue
		}
		if best.LessThan(sv) {
			best = sv
		}
	}

	return best.Raw, nil
}

// FloatingTarget resolves the full image reference a container should update
// to under its floating-tag mode.
func FloatingTarget(ref Reference, mode string, tags []string) (Reference, error) {
	tag, err := FloatingTag(ref.Tag, mode, tags)
	if err != nil {
		return Reference{}, fmt.Errorf("compute floating tag for %s: %w", ref.String(), err)
	}
	return ref.WithTag(tag), nil
}
