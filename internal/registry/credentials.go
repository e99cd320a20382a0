package registry

import "strings"

// Credential holds login material for one registry. Secret is stored
// encrypted by the vault; callers decrypt before use.
type Credential struct {
	ID       string `json:"id"`
	Registry string `json:"registry"` // e.g. "docker.io", "ghcr.io", "reg.local:5000"
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

// Match returns the credential for an image reference. The registry of a
// reference is the prefix before the first "/" when that prefix contains a
// "." or ":"; otherwise the image lives on Docker Hub.
func Match(creds []Credential, imageRef string) *Credential {
	host := "docker.io"
	ref := imageRef
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	if slash := strings.Index(ref, "/"); slash >= 0 {
		if first := ref[:slash]; strings.ContainsAny(first, ".:") {
			host = NormalizeHost(first)
		}
	}

	for i, c := range creds {
		if NormalizeHost(c.Registry) == host {
			return &creds[i]
		}
	}
	return nil
}

// MaskSecrets returns a copy with secrets replaced by a short prefix and
// asterisks, for API responses.
func MaskSecrets(creds []Credential) []Credential {
	masked := make([]Credential, len(creds))
	for i, c := range creds {
		masked[i] = c
		if len(c.Secret) > 4 {
			masked[i].Secret = c.Secret[:4] + "****"
		} else if c.Secret != "" {
			masked[i].Secret = "****"
		}
	}
	return masked
}

// RestoreSecrets replaces masked incoming secrets with the saved value for
// the same credential id, so round-tripping a masked config does not wipe
// stored secrets.
func RestoreSecrets(incoming, saved []Credential) []Credential {
	savedByID := make(map[string]Credential, len(saved))
	for _, c := range saved {
		savedByID[c.ID] = c
	}
	for i, c := range incoming {
		if strings.HasSuffix(c.Secret, "****") {
			if old, ok := savedByID[c.ID]; ok {
				incoming[i].Secret = old.Secret
			}
		}
	}
	return incoming
}
