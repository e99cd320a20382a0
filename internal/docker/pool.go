package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

// HostReader is the slice of the store the pool needs.
type HostReader interface {
	GetHost(ctx context.Context, id string) (*store.Host, error)
}

// Pool maintains one engine client per host, created lazily from the
// stored connection details and reused until evicted.
type Pool struct {
	hosts HostReader
	log   *logging.Logger

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates an engine pool backed by the host table.
func NewPool(hosts HostReader, log *logging.Logger) *Pool {
	return &Pool{
		hosts:   hosts,
		log:     log.With("component", "engines"),
		clients: make(map[string]*Client),
	}
}

// Engine returns a connected client for the host, dialing on first use.
// Agent-connected hosts have no direct engine; callers route those through
// the coordinator.
func (p *Pool) Engine(ctx context.Context, hostID string) (API, error) {
	p.mu.Lock()
	if c, ok := p.clients[hostID]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	h, err := p.hosts.GetHost(ctx, hostID)
	if err != nil {
		return nil, err
	}
	if h.ConnectionType == store.ConnAgent {
		return nil, fmt.Errorf("host %s has no direct engine: %w", hostID, derr.ErrAgentUnavailable)
	}

	c, err := p.dial(h)
	if err != nil {
		return nil, derr.Enginef("connect host %s: %v", hostID, err)
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, derr.Enginef("ping host %s: %v", hostID, err)
	}

	p.mu.Lock()
	// Another caller may have dialed concurrently; keep the first.
	if existing, ok := p.clients[hostID]; ok {
		p.mu.Unlock()
		c.Close()
		return existing, nil
	}
	p.clients[hostID] = c
	p.mu.Unlock()

	p.log.Info("engine connected", "host_id", hostID, "url", h.URL)
	return c, nil
}

func (p *Pool) dial(h *store.Host) (*Client, error) {
	var tlsCfg *TLSConfig
	if len(h.TLSMaterial) > 0 {
		tlsCfg = &TLSConfig{}
		if err := json.Unmarshal(h.TLSMaterial, tlsCfg); err != nil {
			return nil, fmt.Errorf("decode tls material: %w", err)
		}
	}
	endpoint := strings.TrimPrefix(h.URL, "unix://")
	return NewClient(endpoint, tlsCfg)
}

// Evict drops a host's cached client. Called when a host is removed or its
// connection details change.
func (p *Pool) Evict(hostID string) {
	p.mu.Lock()
	c, ok := p.clients[hostID]
	delete(p.clients, hostID)
	p.mu.Unlock()
	if ok {
		c.Close()
	}
}

// Close releases every cached client.
func (p *Pool) Close() {
	p.mu.Lock()
	clients := p.clients
	p.clients = make(map[string]*Client)
	p.mu.Unlock()
	for _, c := range clients {
		c.Close()
	}
}
