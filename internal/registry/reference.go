// Package registry resolves image references against OCI/Docker v2
// registries: manifest digests, tag listings, floating-tag targets and
// credential matching.
package registry

import "strings"

// Reference is a parsed image reference.
type Reference struct {
	Host   string // canonical registry host, e.g. "docker.io", "ghcr.io"
	Repo   string // registry-relative repository path, e.g. "library/nginx"
	Tag    string // tag, defaulting to "latest" when absent
	Digest string // pinned digest when the reference carries @sha256:...
}

// Parse splits an image reference into host, repository path, tag and digest.
//
//	"nginx:1.24"               -> docker.io library/nginx 1.24
//	"gitea/gitea"              -> docker.io gitea/gitea latest
//	"ghcr.io/user/repo:tag"    -> ghcr.io user/repo tag
//	"reg.local:5000/app@sha.." -> reg.local:5000 app latest + digest
func Parse(imageRef string) Reference {
	ref := imageRef

	var digest string
	if i := strings.Index(ref, "@"); i >= 0 {
		digest = ref[i+1:]
		ref = ref[:i]
	}

	tag := "latest"
	if i := strings.LastIndex(ref, ":"); i >= 0 {
		// Only a tag separator when the colon follows the last slash,
		// otherwise it is part of a hostname:port.
		if slash := strings.LastIndex(ref, "/"); i > slash {
			tag = ref[i+1:]
			ref = ref[:i]
		}
	}

	host := "docker.io"
	if slash := strings.Index(ref, "/"); slash >= 0 {
		firstSegment := ref[:slash]
		// A first segment with a dot or colon is a registry hostname.
		if strings.ContainsAny(firstSegment, ".:") {
			host = NormalizeHost(firstSegment)
			ref = ref[slash+1:]
		}
	}

	// Official images have no slash; Docker Hub stores them under library/.
	if host == "docker.io" && !strings.Contains(ref, "/") {
		ref = "library/" + ref
	}

	return Reference{Host: host, Repo: ref, Tag: tag, Digest: digest}
}

// String reassembles the reference without any digest.
func (r Reference) String() string {
	name := r.Repo
	if r.Host != "docker.io" {
		name = r.Host + "/" + name
	} else {
		name = strings.TrimPrefix(name, "library/")
	}
	return name + ":" + r.Tag
}

// WithTag returns a copy of the reference pointing at another tag.
func (r Reference) WithTag(tag string) Reference {
	r.Tag = tag
	r.Digest = ""
	return r
}

// NormalizeHost maps registry host variants to a canonical form.
// "registry-1.docker.io" and "index.docker.io" both map to "docker.io".
func NormalizeHost(host string) string {
	switch host {
	case "registry-1.docker.io", "index.docker.io", "docker.io":
		return "docker.io"
	}
	return host
}

// endpointHost returns the host to dial for v2 API calls.
func endpointHost(host string) string {
	if host == "docker.io" || host == "" {
		return "registry-1.docker.io"
	}
	return host
}

// ExtractHash returns the sha256:... portion of a digest string. Local
// digests look like "docker.io/library/nginx@sha256:abc...", remote ones
// like "sha256:abc...".
func ExtractHash(digest string) string {
	if i := strings.LastIndex(digest, "sha256:"); i >= 0 {
		return digest[i:]
	}
	return digest
}

// DigestsMatch compares two digests ignoring any repo@ prefix.
func DigestsMatch(a, b string) bool {
	return a != "" && b != "" && ExtractHash(a) == ExtractHash(b)
}
