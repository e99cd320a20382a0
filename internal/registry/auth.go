package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// httpClient is the shared HTTP client with a timeout for all registry calls.
var httpClient = &http.Client{Timeout: 10 * time.Second}

type tokenResponse struct {
	Token       string `json:"token"`
	AccessToken string `json:"access_token"`
}

// FetchToken obtains a bearer token for pulling the given repository. Docker
// Hub and GHCR have well-known anonymous token endpoints; authenticated
// requests pass the stored credential as basic auth to the token service.
// Other registries return an empty token and rely on basic auth directly.
func FetchToken(ctx context.Context, host, repo string, cred *Credential) (string, error) {
	var url string
	switch NormalizeHost(host) {
	case "docker.io", "":
		url = "https://auth.docker.io/token?service=registry.docker.io&scope=repository:" + repo + ":pull"
	case "ghcr.io":
		url = "https://ghcr.io/token?service=ghcr.io&scope=repository:" + repo + ":pull"
	default:
		return "", nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create token request: %w", err)
	}
	if cred != nil {
		req.SetBasicAuth(cred.Username, cred.Secret)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %d", resp.StatusCode)
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}
	if tok.Token == "" {
		tok.Token = tok.AccessToken
	}
	if tok.Token == "" {
		return "", fmt.Errorf("empty token in response")
	}
	return tok.Token, nil
}
