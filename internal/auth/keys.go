package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
)

const (
	// KeyPrefix marks every API key so leaked keys are greppable.
	KeyPrefix = "dockmon_"

	// StoredPrefixLen is how many leading characters of the full key are
	// kept in clear for lookup. The rest exists only as a hash.
	StoredPrefixLen = 20

	keyBytes = 24
)

// GenerateAPIKey creates a new bearer key. Returns the full key (shown to
// the caller exactly once), the stored lookup prefix, and the SHA-256 hex
// hash of the full key.
func GenerateAPIKey() (key, prefix, hash string, err error) {
	b := make([]byte, keyBytes)
	if _, err = rand.Read(b); err != nil {
		return "", "", "", err
	}
	key = KeyPrefix + base64.RawURLEncoding.EncodeToString(b)
	return key, key[:StoredPrefixLen], HashKey(key), nil
}

// HashKey returns the SHA-256 hex digest of a full API key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// LooksLikeAPIKey reports whether a credential has the API key shape.
func LooksLikeAPIKey(s string) bool {
	return strings.HasPrefix(s, KeyPrefix) && len(s) > StoredPrefixLen
}

// ExtractBearerToken pulls the token out of an Authorization header.
// Returns "" if the header is absent or not a Bearer scheme.
func ExtractBearerToken(header string) string {
	const scheme = "Bearer "
	if len(header) > len(scheme) && strings.EqualFold(header[:len(scheme)], scheme) {
		return strings.TrimSpace(header[len(scheme):])
	}
	return ""
}
