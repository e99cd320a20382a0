package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/darthnorse/dockmon/internal/derr"
)

// maxTagPages bounds pagination when listing tags. GHCR caps responses at
// 1000 tags per page regardless of the n= parameter.
const maxTagPages = 10

// ManifestDigest performs a HEAD request against the v2 manifests endpoint
// and returns the Docker-Content-Digest header plus the response headers
// (for rate-limit extraction).
func ManifestDigest(ctx context.Context, ref Reference, token string, cred *Credential) (string, http.Header, error) {
	url := "https://" + endpointHost(ref.Host) + "/v2/" + ref.Repo + "/manifests/" + ref.Tag

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("create manifest HEAD request: %w", err)
	}

	// Accept manifest-list and OCI index types so multi-arch images return
	// the index digest, matching what the engine reports.
	req.Header.Set("Accept", strings.Join([]string{
		"application/vnd.docker.distribution.manifest.list.v2+json",
		"application/vnd.oci.image.index.v1+json",
		"application/vnd.docker.distribution.manifest.v2+json",
		"application/vnd.oci.image.manifest.v1+json",
	}, ", "))

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	} else if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("manifest HEAD: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", resp.Header, derr.Enginef("manifest HEAD for %s returned %d", ref.String(), resp.StatusCode)
	}

	digest := resp.Header.Get("Docker-Content-Digest")
	if digest == "" {
		return "", resp.Header, fmt.Errorf("no Docker-Content-Digest header")
	}
	return digest, resp.Header, nil
}

type tagList struct {
	Tags []string `json:"tags"`
}

// ListTags fetches all tags for a repository, paginating with ?last= while
// the registry keeps returning full pages.
func ListTags(ctx context.Context, ref Reference, token string, cred *Credential) ([]string, http.Header, error) {
	baseURL := "https://" + endpointHost(ref.Host) + "/v2/" + ref.Repo + "/tags/list?n=1000"

	var allTags []string
	var lastHeaders http.Header
	pageURL := baseURL

	for page := 0; page < maxTagPages; page++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("create tags request: %w", err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		} else if cred != nil {
			req.SetBasicAuth(cred.Username, cred.Secret)
		}

		resp, err := httpClient.Do(req)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch tags: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, resp.Header, derr.Enginef("tags endpoint returned %d", resp.StatusCode)
		}

		var page tagList
		if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
			resp.Body.Close()
			return nil, nil, fmt.Errorf("decode tags response: %w", err)
		}
		lastHeaders = resp.Header
		resp.Body.Close()

		allTags = append(allTags, page.Tags...)
		if len(page.Tags) < 1000 {
			break
		}
		pageURL = baseURL + "&last=" + page.Tags[len(page.Tags)-1]
	}

	return allTags, lastHeaders, nil
}

// Resolution is the outcome of resolving an image under a floating-tag mode.
type Resolution struct {
	TargetImage  string // full reference of the tag the container should run
	TargetDigest string // manifest digest of that tag
}

// Resolver resolves image references to digests, matching stored credentials
// and recording rate-limit headers as it goes.
type Resolver struct {
	creds   []Credential
	tracker *Tracker
}

// NewResolver creates a Resolver. creds secrets must already be decrypted.
func NewResolver(creds []Credential, tracker *Tracker) *Resolver {
	return &Resolver{creds: creds, tracker: tracker}
}

// Resolve computes the update target for an image reference under a
// floating-tag mode and returns its current registry digest. References
// pinned by digest are returned as-is with no registry traffic.
func (r *Resolver) Resolve(ctx context.Context, imageRef, mode string) (*Resolution, error) {
	ref := Parse(imageRef)
	if ref.Digest != "" {
		return &Resolution{TargetImage: imageRef, TargetDigest: ref.Digest}, nil
	}

	cred := Match(r.creds, imageRef)
	if r.tracker != nil {
		if ok, wait := r.tracker.CanProceed(ref.Host, 2); !ok {
			return nil, derr.Enginef("registry %s rate limited, retry in %s", ref.Host, wait)
		}
	}

	token, err := FetchToken(ctx, ref.Host, ref.Repo, cred)
	if err != nil {
		return nil, fmt.Errorf("auth for %s: %w", ref.String(), err)
	}

	target := ref
	if mode != "" && mode != "exact" {
		tags, headers, err := ListTags(ctx, ref, token, cred)
		if r.tracker != nil && headers != nil {
			r.tracker.Record(ref.Host, headers)
		}
		if err != nil {
			return nil, fmt.Errorf("list tags for %s: %w", ref.String(), err)
		}
		target, err = FloatingTarget(ref, mode, tags)
		if err != nil {
			return nil, err
		}
	}

	digest, headers, err := ManifestDigest(ctx, target, token, cred)
	if r.tracker != nil && headers != nil {
		r.tracker.Record(target.Host, headers)
	}
	if err != nil {
		return nil, err
	}

	return &Resolution{TargetImage: target.String(), TargetDigest: digest}, nil
}
