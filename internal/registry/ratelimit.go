package registry

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/cache"
)

// hostState holds the current rate-limit state for a single registry.
type hostState struct {
	Limit     int       `json:"limit"` // -1 = unknown
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	HasLimits bool      `json:"has_limits"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tracker tracks per-registry rate limits, persisting observations to the
// blob cache so restarts do not forget an exhausted window.
type Tracker struct {
	mu    sync.RWMutex
	hosts map[string]*hostState
	cache *cache.Cache
}

// NewTracker creates a tracker. cache may be nil for tests.
func NewTracker(c *cache.Cache) *Tracker {
	return &Tracker{hosts: make(map[string]*hostState), cache: c}
}

// Record captures rate-limit headers from a registry response. Both the
// Docker Hub format (RateLimit-Limit: "100;w=21600") and the GitHub format
// (X-RateLimit-*) are understood.
func (t *Tracker) Record(host string, headers http.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()
	host = NormalizeHost(host)

	s, ok := t.hosts[host]
	if !ok {
		s = &hostState{Limit: -1}
		t.hosts[host] = s
	}
	s.UpdatedAt = time.Now()

	switch {
	case headers.Get("RateLimit-Limit") != "":
		limit := headers.Get("RateLimit-Limit")
		s.HasLimits = true
		s.Limit = parseLimitValue(limit)
		if rem := headers.Get("RateLimit-Remaining"); rem != "" {
			s.Remaining = parseLimitValue(rem)
		}
		if window := parseLimitWindow(limit); window > 0 {
			s.ResetAt = time.Now().Add(time.Duration(window) * time.Second)
		}
	case headers.Get("X-RateLimit-Limit") != "":
		s.HasLimits = true
		s.Limit, _ = strconv.Atoi(headers.Get("X-RateLimit-Limit"))
		if rem := headers.Get("X-RateLimit-Remaining"); rem != "" {
			s.Remaining, _ = strconv.Atoi(rem)
		}
		if reset := headers.Get("X-RateLimit-Reset"); reset != "" {
			if epoch, err := strconv.ParseInt(reset, 10, 64); err == nil {
				s.ResetAt = time.Unix(epoch, 0)
			}
		}
	}

	if t.cache != nil && s.HasLimits {
		t.cache.PutRateLimit(host, cache.RateLimitState{ //nolint:errcheck
			Limit:      s.Limit,
			Remaining:  s.Remaining,
			ObservedAt: s.UpdatedAt,
		})
	}
}

// CanProceed reports whether another request to a registry should be made.
// reserve is the minimum remaining pulls to keep as headroom. When blocked,
// the second return value is the time until the window resets.
func (t *Tracker) CanProceed(host string, reserve int) (bool, time.Duration) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	host = NormalizeHost(host)

	s, ok := t.hosts[host]
	if !ok || !s.HasLimits {
		return true, 0
	}
	if s.Remaining > reserve {
		return true, 0
	}
	wait := time.Until(s.ResetAt)
	if wait < 0 {
		// Window has reset since the last observation.
		return true, 0
	}
	return false, wait
}

// Status is one registry's rate-limit snapshot for the API.
type Status struct {
	Registry  string    `json:"registry"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	HasLimits bool      `json:"has_limits"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Statuses returns a snapshot of all tracked registries.
func (t *Tracker) Statuses() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.hosts))
	for host, s := range t.hosts {
		out = append(out, Status{
			Registry:  host,
			Limit:     s.Limit,
			Remaining: s.Remaining,
			ResetAt:   s.ResetAt,
			HasLimits: s.HasLimits,
			UpdatedAt: s.UpdatedAt,
		})
	}
	return out
}

// parseLimitValue extracts the count from a Docker Hub header value like
// "100;w=21600".
func parseLimitValue(val string) int {
	parts := strings.SplitN(val, ";", 2)
	n, _ := strconv.Atoi(strings.TrimSpace(parts[0]))
	return n
}

// parseLimitWindow extracts the window seconds from "100;w=21600".
func parseLimitWindow(val string) int {
	parts := strings.SplitN(val, ";", 2)
	if len(parts) < 2 {
		return 0
	}
	if kv := strings.TrimSpace(parts[1]); strings.HasPrefix(kv, "w=") {
		n, _ := strconv.Atoi(kv[2:])
		return n
	}
	return 0
}
