package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// agentReleaseRepo is the GitHub repository publishing agent binaries.
const agentReleaseRepo = "darthnorse/dockmon-agent"

// AgentRelease describes the latest published agent binary for a platform.
type AgentRelease struct {
	Version   string `json:"version"`
	Image     string `json:"image"`      // container image for containerized agents
	BinaryURL string `json:"binary_url"` // download URL for native agents
	Checksum  string `json:"checksum,omitempty"`
}

var releaseCache struct {
	sync.Mutex
	entries map[string]releaseCacheEntry
}

type releaseCacheEntry struct {
	release   *AgentRelease
	fetchedAt time.Time
}

func init() {
	releaseCache.entries = make(map[string]releaseCacheEntry)
}

type githubRelease struct {
	TagName string `json:"tag_name"`
	Assets  []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// LatestAgentRelease looks up the newest agent release for an os/arch pair.
// The checksum is read from the release's checksums file when present.
// Results are cached for one hour.
func LatestAgentRelease(ctx context.Context, agentOS, agentArch string) (*AgentRelease, error) {
	key := agentOS + "/" + agentArch
	releaseCache.Lock()
	if entry, ok := releaseCache.entries[key]; ok && time.Since(entry.fetchedAt) < time.Hour {
		releaseCache.Unlock()
		return entry.release, nil
	}
	releaseCache.Unlock()

	url := "https://api.github.com/repos/" + agentReleaseRepo + "/releases/latest"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create release request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch latest release: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("release endpoint returned %d", resp.StatusCode)
	}

	var gh githubRelease
	if err := json.NewDecoder(resp.Body).Decode(&gh); err != nil {
		return nil, fmt.Errorf("decode release: %w", err)
	}
	if gh.TagName == "" {
		return nil, fmt.Errorf("release has no tag")
	}

	release := &AgentRelease{
		Version: gh.TagName,
		Image:   "ghcr.io/" + agentReleaseRepo + ":" + strings.TrimPrefix(gh.TagName, "v"),
	}

	assetName := fmt.Sprintf("dockmon-agent_%s_%s", agentOS, agentArch)
	var checksumsURL string
	for _, asset := range gh.Assets {
		switch {
		case strings.HasPrefix(asset.Name, assetName):
			release.BinaryURL = asset.BrowserDownloadURL
		case strings.Contains(asset.Name, "checksums"):
			checksumsURL = asset.BrowserDownloadURL
		}
	}

	if release.BinaryURL != "" && checksumsURL != "" {
		if sum, err := fetchChecksum(ctx, checksumsURL, assetName); err == nil {
			release.Checksum = sum
		}
	}

	releaseCache.Lock()
	releaseCache.entries[key] = releaseCacheEntry{release: release, fetchedAt: time.Now()}
	releaseCache.Unlock()

	return release, nil
}

// fetchChecksum downloads a sha256sums file and returns the digest for the
// entry whose filename starts with assetName.
func fetchChecksum(ctx context.Context, url, assetName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("checksums endpoint returned %d", resp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && strings.HasPrefix(fields[1], assetName) {
			return fields[0], nil
		}
	}
	return "", fmt.Errorf("no checksum entry for %s", assetName)
}
