package docker

import (
	"strings"

	"github.com/moby/moby/api/types/container"
)

// UserLabels separates the labels a user set on a container from the labels
// inherited from its image, so a recreate against a new image does not carry
// stale image labels forward.
//
// A container label is kept when its value differs from the old image's value
// for the same key, or when the new image still defines the key. Labels that
// came unchanged from the old image and are absent from the new one are
// dropped.
func UserLabels(containerLabels, oldImageLabels, newImageLabels map[string]string) map[string]string {
	out := make(map[string]string, len(containerLabels))
	for k, v := range containerLabels {
		oldVal, fromOldImage := oldImageLabels[k]
		if fromOldImage && oldVal == v {
			if _, inNew := newImageLabels[k]; !inNew {
				continue
			}
		}
		out[k] = v
	}
	return out
}

// ApplyPodmanFixes mutates a host config in place to work around Podman API
// incompatibilities before a create call.
//
// Podman rejects NanoCpus, so an equivalent CpuPeriod/CpuQuota pair is
// substituted. It also rejects MemorySwappiness=0, which Docker emits as the
// unset default.
func ApplyPodmanFixes(hostCfg *container.HostConfig) {
	if hostCfg == nil {
		return
	}
	if hostCfg.NanoCPUs > 0 && hostCfg.CPUPeriod == 0 {
		hostCfg.CPUPeriod = 100000
		hostCfg.CPUQuota = hostCfg.NanoCPUs / 10000
		hostCfg.NanoCPUs = 0
	}
	hostCfg.MemorySwappiness = nil
}

// IsLocalImage reports whether an image reference looks locally built rather
// than pulled from a registry. Such images have no registry to check for
// updates.
func IsLocalImage(imageRef string) bool {
	if imageRef == "" {
		return true
	}
	if strings.HasPrefix(imageRef, "sha256:") {
		return true
	}
	if strings.HasPrefix(imageRef, "localhost/") || strings.HasPrefix(imageRef, "localhost:") {
		return true
	}
	return false
}
