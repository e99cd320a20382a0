// Package updates drives single-container updates: direct engine
// manipulation for local and remote hosts, command dispatch for
// agent-backed hosts.
package updates

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/agents"
	"github.com/darthnorse/dockmon/internal/cache"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/registry"
	"github.com/darthnorse/dockmon/internal/store"
)

const (
	backupSuffix         = ".dockmon-backup"
	defaultStopTimeout   = 30
	defaultHealthTimeout = time.Minute
	defaultAgentTimeout  = 10 * time.Minute
	agentImageRepo       = "dockmon-agent"
)

// Request describes one container update.
type Request struct {
	HostID        string
	ContainerID   string
	ContainerName string
	NewImage      string
	StopTimeout   int           // seconds, 0 means default
	HealthTimeout time.Duration // 0 means default
}

// Result is the terminal outcome of an update. Failures are carried as a
// message, never as a panic or a bus error.
type Result struct {
	Success        bool
	NewContainerID string
	RolledBack     bool
	Duration       time.Duration
	Error          string
}

// ProgressFunc receives stage, percent (0..100) and a human message.
type ProgressFunc func(stage string, percent float64, message string)

// EngineProvider resolves a connected engine client for a host.
type EngineProvider interface {
	Engine(ctx context.Context, hostID string) (docker.API, error)
}

// EngineProviderFunc adapts a function to EngineProvider.
type EngineProviderFunc func(ctx context.Context, hostID string) (docker.API, error)

func (f EngineProviderFunc) Engine(ctx context.Context, hostID string) (docker.API, error) {
	return f(ctx, hostID)
}

// AgentGateway is the slice of the agent coordinator the executor needs.
type AgentGateway interface {
	AgentForHost(ctx context.Context, hostID string) (*store.Agent, error)
	ExecuteCommand(ctx context.Context, agentID, command string, payload any, timeout time.Duration) (json.RawMessage, error)
	WatchProgress(id string, sink func(agents.ProgressPayload)) func()
	SelfUpdate(ctx context.Context, agentID string, p agents.SelfUpdatePayload) error
}

// PendingUpdate tracks one in-flight agent-driven update awaiting its
// completion event.
type PendingUpdate struct {
	HostID        string
	ContainerID   string
	ContainerName string

	done chan agentOutcome
}

type agentOutcome struct {
	newContainerID string
	err            string
}

// Executor runs updates with at most one in flight per composite container
// id. Updates on distinct containers proceed in parallel.
type Executor struct {
	engines EngineProvider
	gateway AgentGateway
	store   *store.Store
	cache   *cache.Cache
	bus     *events.Bus
	log     *logging.Logger
	clk     clock.Clock

	agentTimeout time.Duration
	releases     func(ctx context.Context, agentOS, agentArch string) (*registry.AgentRelease, error)

	mu      sync.Mutex
	running map[string]bool

	pendingMu sync.Mutex
	pending   map[string]*PendingUpdate // composite id -> waiter
}

// New creates an Executor and subscribes it to update completion events so
// agent-driven updates can resolve their waiters.
func New(engines EngineProvider, gateway AgentGateway, st *store.Store, ca *cache.Cache, bus *events.Bus, log *logging.Logger, clk clock.Clock) *Executor {
	e := &Executor{
		engines:      engines,
		gateway:      gateway,
		store:        st,
		cache:        ca,
		bus:          bus,
		log:          log.With("component", "updates"),
		clk:          clk,
		agentTimeout: defaultAgentTimeout,
		releases:     registry.LatestAgentRelease,
		running:      make(map[string]bool),
		pending:      make(map[string]*PendingUpdate),
	}
	bus.Subscribe(events.TypeUpdateCompleted, e.onAgentUpdateEvent)
	bus.Subscribe(events.TypeUpdateFailed, e.onAgentUpdateEvent)
	return e
}

// CompositeID is the stable store key for a container: host id plus the
// first 12 characters of the engine container id.
func CompositeID(hostID, containerID string) string {
	if len(containerID) > 12 {
		containerID = containerID[:12]
	}
	return hostID + ":" + containerID
}

// Run executes one update to completion. Progress callbacks are invoked with
// strictly non-decreasing percentages; a nil callback is allowed.
func (e *Executor) Run(ctx context.Context, req Request, progress ProgressFunc) Result {
	if progress == nil {
		progress = func(string, float64, string) {}
	}
	progress = monotonic(progress)
	if req.StopTimeout <= 0 {
		req.StopTimeout = defaultStopTimeout
	}
	if req.HealthTimeout <= 0 {
		req.HealthTimeout = defaultHealthTimeout
	}

	composite := CompositeID(req.HostID, req.ContainerID)
	if !e.acquire(composite) {
		return Result{Error: fmt.Sprintf("update already in progress for %s", req.ContainerName)}
	}
	defer e.release(composite)

	start := e.clk.Now()
	var res Result

	host, err := e.store.GetHost(ctx, req.HostID)
	switch {
	case err != nil:
		res = Result{Error: err.Error()}
	case host.ConnectionType == store.ConnAgent && isAgentImage(req.NewImage):
		res = e.runSelfUpdate(ctx, req, progress)
	case host.ConnectionType == store.ConnAgent:
		res = e.runAgent(ctx, req, progress)
	default:
		api, err := e.engines.Engine(ctx, req.HostID)
		if err != nil {
			res = Result{Error: fmt.Sprintf("connect engine for host %s: %v", req.HostID, err)}
		} else {
			res = e.runDirect(ctx, api, req, progress)
		}
	}

	res.Duration = e.clk.Since(start)
	metrics.UpdateDuration.Observe(res.Duration.Seconds())
	switch {
	case res.Success:
		metrics.UpdatesTotal.WithLabelValues("success").Inc()
	case res.RolledBack:
		metrics.UpdatesTotal.WithLabelValues("rolled_back").Inc()
	default:
		metrics.UpdatesTotal.WithLabelValues("failed").Inc()
	}
	return res
}

// Running reports whether an update is in flight for the composite id.
func (e *Executor) Running(composite string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running[composite]
}

func (e *Executor) acquire(composite string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[composite] {
		return false
	}
	e.running[composite] = true
	return true
}

func (e *Executor) release(composite string) {
	e.mu.Lock()
	delete(e.running, composite)
	e.mu.Unlock()
}

func isAgentImage(image string) bool {
	return strings.Contains(image, agentImageRepo)
}

// monotonic clamps progress so percent never goes backwards within one
// update, regardless of how stages interleave.
func monotonic(fn ProgressFunc) ProgressFunc {
	var mu sync.Mutex
	var last float64
	return func(stage string, percent float64, message string) {
		mu.Lock()
		if percent < last {
			percent = last
		}
		last = percent
		mu.Unlock()
		fn(stage, percent, message)
	}
}
