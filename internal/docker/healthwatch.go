package docker

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

// HostLister is the slice of the store the health watcher needs.
type HostLister interface {
	ListHosts(ctx context.Context) ([]*store.Host, error)
}

// engineSource resolves an engine client per host. Satisfied by Pool.
type engineSource interface {
	Engine(ctx context.Context, hostID string) (API, error)
}

// HealthWatchOptions tunes the watcher. Zero values fall back to defaults.
type HealthWatchOptions struct {
	Interval         time.Duration
	FailureThreshold int
	SuccessThreshold int
}

// HealthWatcher polls container healthchecks on directly connected hosts
// and emits container_health_changed events through a per-container
// HealthDebouncer, so one flaky probe never produces an event. Agent hosts
// are skipped; their health observations arrive as agent event frames.
type HealthWatcher struct {
	hosts   HostLister
	engines engineSource
	bus     *events.Bus
	log     *logging.Logger
	clk     clock.Clock
	opts    HealthWatchOptions

	mu    sync.Mutex
	state map[string]*HealthDebouncer // "hostID:containerID"
}

// NewHealthWatcher creates a watcher. Call Run to start polling.
func NewHealthWatcher(hosts HostLister, engines engineSource, bus *events.Bus, log *logging.Logger, clk clock.Clock, opts HealthWatchOptions) *HealthWatcher {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &HealthWatcher{
		hosts:   hosts,
		engines: engines,
		bus:     bus,
		log:     log.With("component", "healthwatch"),
		clk:     clk,
		opts:    opts,
		state:   make(map[string]*HealthDebouncer),
	}
}

// Run polls until the context is cancelled.
func (w *HealthWatcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.clk.After(w.opts.Interval):
			w.Sweep(ctx)
		}
	}
}

// Sweep runs one probe pass over every directly connected host.
func (w *HealthWatcher) Sweep(ctx context.Context) {
	hosts, err := w.hosts.ListHosts(ctx)
	if err != nil {
		w.log.Warn("health sweep host listing failed", "error", err)
		return
	}
	for _, h := range hosts {
		if h.ConnectionType == store.ConnAgent || h.ReplacedByHostID != "" {
			continue
		}
		w.sweepHost(ctx, h)
	}
}

func (w *HealthWatcher) sweepHost(ctx context.Context, host *store.Host) {
	api, err := w.engines.Engine(ctx, host.ID)
	if err != nil {
		w.log.Debug("health sweep skipping unreachable host", "host", host.Name, "error", err)
		return
	}
	summaries, err := api.ListContainers(ctx, false)
	if err != nil {
		w.log.Warn("health sweep container listing failed", "host", host.Name, "error", err)
		return
	}

	seen := make(map[string]bool, len(summaries))
	for _, c := range summaries {
		info, err := api.InspectContainer(ctx, c.ID)
		if err != nil {
			continue
		}
		if info.State == nil || info.State.Health == nil {
			continue
		}
		var healthy bool
		switch string(info.State.Health.Status) {
		case "healthy":
			healthy = true
		case "unhealthy":
			healthy = false
		default:
			// starting: not a probe result yet
			continue
		}

		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		seen[host.ID+":"+c.ID] = true
		w.Observe(ctx, host.ID, host.Name, c.ID, name, c.Labels, healthy)
	}

	// Containers that disappeared take their debounce state with them.
	w.mu.Lock()
	for key := range w.state {
		if strings.HasPrefix(key, host.ID+":") && !seen[key] {
			delete(w.state, key)
		}
	}
	w.mu.Unlock()
}

// Observe feeds one probe result into the container's debouncer and emits
// a container_health_changed event when the debounced state flips.
func (w *HealthWatcher) Observe(ctx context.Context, hostID, hostName, containerID, containerName string, labels map[string]string, healthy bool) {
	key := hostID + ":" + containerID
	w.mu.Lock()
	d, ok := w.state[key]
	if !ok {
		d = NewHealthDebouncer(w.opts.FailureThreshold, w.opts.SuccessThreshold)
		w.state[key] = d
	}
	status, changed := d.Observe(healthy)
	fails, successes := d.ConsecutiveFailures(), d.ConsecutiveSuccesses()
	w.mu.Unlock()

	if !changed {
		return
	}

	severity := "info"
	if status == HealthUnhealthy {
		severity = "warning"
	}
	w.bus.Emit(ctx, events.Event{
		Type: events.TypeContainerHealthChanged,
		Scope: events.Scope{
			HostID:        hostID,
			HostName:      hostName,
			ContainerID:   containerID,
			ContainerName: containerName,
			Labels:        labels,
		},
		Severity: severity,
		Message:  containerName + " is " + status,
		Data: map[string]any{
			"status":                status,
			"consecutive_failures":  fails,
			"consecutive_successes": successes,
		},
	})
}
