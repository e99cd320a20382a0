package registry

import "testing"

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Reference
	}{
		{"nginx:1.24", Reference{Host: "docker.io", Repo: "library/nginx", Tag: "1.24"}},
		{"nginx", Reference{Host: "docker.io", Repo: "library/nginx", Tag: "latest"}},
		{"gitea/gitea:1.21", Reference{Host: "docker.io", Repo: "gitea/gitea", Tag: "1.21"}},
		{"ghcr.io/user/repo:tag", Reference{Host: "ghcr.io", Repo: "user/repo", Tag: "tag"}},
		{"lscr.io/linuxserver/sonarr", Reference{Host: "lscr.io", Repo: "linuxserver/sonarr", Tag: "latest"}},
		{"registry-1.docker.io/library/nginx", Reference{Host: "docker.io", Repo: "library/nginx", Tag: "latest"}},
		{"reg.local:5000/app:v2", Reference{Host: "reg.local:5000", Repo: "app", Tag: "v2"}},
		{"nginx@sha256:abc123", Reference{Host: "docker.io", Repo: "library/nginx", Tag: "latest", Digest: "sha256:abc123"}},
	}
	for _, tc := range cases {
		if got := Parse(tc.in); got != tc.want {
			t.Errorf("Parse(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestReferenceString(t *testing.T) {
	cases := []struct {
		ref  Reference
		want string
	}{
		{Reference{Host: "docker.io", Repo: "library/nginx", Tag: "1.24"}, "nginx:1.24"},
		{Reference{Host: "docker.io", Repo: "gitea/gitea", Tag: "1.21"}, "gitea/gitea:1.21"},
		{Reference{Host: "ghcr.io", Repo: "user/repo", Tag: "v3"}, "ghcr.io/user/repo:v3"},
	}
	for _, tc := range cases {
		if got := tc.ref.String(); got != tc.want {
			t.Errorf("String(%+v) = %q, want %q", tc.ref, got, tc.want)
		}
	}
}

func TestDigestsMatch(t *testing.T) {
	local := "docker.io/library/nginx@sha256:abc123"
	remote := "sha256:abc123"
	if !DigestsMatch(local, remote) {
		t.Error("expected digests to match across prefix forms")
	}
	if DigestsMatch(local, "sha256:def456") {
		t.Error("different hashes reported as matching")
	}
	if DigestsMatch("", remote) {
		t.Error("empty digest reported as matching")
	}
}
