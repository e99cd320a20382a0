package docker

import (
	"reflect"
	"testing"

	"github.com/moby/moby/api/types/container"
)

func TestUserLabelsDropsStaleImageLabels(t *testing.T) {
	containerLabels := map[string]string{
		"maintainer":       "old-team",   // inherited from old image, gone in new
		"org.example.keep": "from-image", // inherited, still in new image
		"user.custom":      "mine",       // user-set, not in either image
	}
	oldImage := map[string]string{
		"maintainer":       "old-team",
		"org.example.keep": "from-image",
	}
	newImage := map[string]string{
		"maintainer":       "new-team",
		"org.example.keep": "from-image",
	}

	got := UserLabels(containerLabels, oldImage, newImage)

	// maintainer came unchanged from the old image but the new image still
	// defines it, so the container's (old) value is kept and the engine
	// merges the new image's value underneath on create.
	want := map[string]string{
		"maintainer":       "old-team",
		"org.example.keep": "from-image",
		"user.custom":      "mine",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("UserLabels = %v, want %v", got, want)
	}
}

func TestUserLabelsRemovedKeyDropped(t *testing.T) {
	containerLabels := map[string]string{"legacy.label": "v1"}
	oldImage := map[string]string{"legacy.label": "v1"}
	newImage := map[string]string{}

	got := UserLabels(containerLabels, oldImage, newImage)
	if _, ok := got["legacy.label"]; ok {
		t.Error("label inherited from old image and absent from new image should be dropped")
	}
}

func TestUserLabelsOverriddenValueSurvivesRemoval(t *testing.T) {
	// The user changed the value, so the label is theirs even though the
	// key originated in the old image.
	containerLabels := map[string]string{"app.mode": "custom"}
	oldImage := map[string]string{"app.mode": "default"}
	newImage := map[string]string{}

	got := UserLabels(containerLabels, oldImage, newImage)
	if got["app.mode"] != "custom" {
		t.Errorf("overridden label lost: %v", got)
	}
}

func TestApplyPodmanFixes(t *testing.T) {
	swappiness := int64(0)
	cfg := &container.HostConfig{}
	cfg.NanoCPUs = 2_000_000_000
	cfg.MemorySwappiness = &swappiness

	ApplyPodmanFixes(cfg)

	if cfg.NanoCPUs != 0 {
		t.Errorf("NanoCPUs = %d, want 0", cfg.NanoCPUs)
	}
	if cfg.CPUPeriod != 100000 {
		t.Errorf("CPUPeriod = %d, want 100000", cfg.CPUPeriod)
	}
	if cfg.CPUQuota != 200000 {
		t.Errorf("CPUQuota = %d, want 200000", cfg.CPUQuota)
	}
	if cfg.MemorySwappiness != nil {
		t.Error("MemorySwappiness should be cleared")
	}
}

func TestApplyPodmanFixesKeepsExplicitPeriod(t *testing.T) {
	cfg := &container.HostConfig{}
	cfg.NanoCPUs = 1_000_000_000
	cfg.CPUPeriod = 50000

	ApplyPodmanFixes(cfg)

	if cfg.NanoCPUs != 1_000_000_000 || cfg.CPUPeriod != 50000 {
		t.Errorf("explicit CPUPeriod must not be rewritten: %+v", cfg)
	}
}

func TestIsLocalImage(t *testing.T) {
	cases := []struct {
		ref  string
		want bool
	}{
		{"nginx:1.24", false},
		{"ghcr.io/org/app:v2", false},
		{"sha256:abcdef0123", true},
		{"localhost/built:dev", true},
		{"localhost:5000/app", true},
		{"", true},
	}
	for _, tc := range cases {
		if got := IsLocalImage(tc.ref); got != tc.want {
			t.Errorf("IsLocalImage(%q) = %v, want %v", tc.ref, got, tc.want)
		}
	}
}
