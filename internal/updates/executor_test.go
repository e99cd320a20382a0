package updates

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/darthnorse/dockmon/internal/agents"
	"github.com/darthnorse/dockmon/internal/cache"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/registry"
	"github.com/darthnorse/dockmon/internal/store"
)

// fakeEngine implements docker.API with scripted responses and a call log.
type fakeEngine struct {
	mu    sync.Mutex
	calls []string

	inspects    map[string]container.InspectResponse
	imageLabels map[string]map[string]string
	podman      bool
	createID    string

	createdName    string
	createdConfig  *container.Config
	createdHostCfg *container.HostConfig
	createdNetCfg  *network.NetworkingConfig
	connected      []string
	renames        [][2]string
	removed        []string

	pullErr   error
	createErr error
	startErrs map[string]error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		inspects:    make(map[string]container.InspectResponse),
		imageLabels: make(map[string]map[string]string),
		startErrs:   make(map[string]error),
		createID:    "new-container-id-1234567890",
	}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeEngine) ListContainers(context.Context, bool) ([]container.Summary, error) {
	return nil, nil
}

func (f *fakeEngine) InspectContainer(_ context.Context, id string) (container.InspectResponse, error) {
	f.record("inspect " + id)
	info, ok := f.inspects[id]
	if !ok {
		return container.InspectResponse{}, errors.New("no such container " + id)
	}
	return info, nil
}

func (f *fakeEngine) CreateContainer(_ context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	f.record("create " + name)
	if f.createErr != nil {
		return "", f.createErr
	}
	f.createdName = name
	f.createdConfig = cfg
	f.createdHostCfg = hostCfg
	f.createdNetCfg = netCfg
	return f.createID, nil
}

func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	f.record("start " + id)
	return f.startErrs[id]
}

func (f *fakeEngine) StopContainer(_ context.Context, id string, _ int) error {
	f.record("stop " + id)
	return nil
}

func (f *fakeEngine) RestartContainer(context.Context, string) error { return nil }
func (f *fakeEngine) PauseContainer(context.Context, string) error   { return nil }
func (f *fakeEngine) UnpauseContainer(context.Context, string) error { return nil }

func (f *fakeEngine) RenameContainer(_ context.Context, id, name string) error {
	f.record("rename " + id + " " + name)
	f.mu.Lock()
	f.renames = append(f.renames, [2]string{id, name})
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	f.record("remove " + id)
	f.mu.Lock()
	f.removed = append(f.removed, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) PullImage(_ context.Context, refStr string, progress docker.ProgressFunc) error {
	f.record("pull " + refStr)
	if f.pullErr != nil {
		return f.pullErr
	}
	if progress != nil {
		progress(docker.Progress{Status: "downloading", Percent: 50})
		progress(docker.Progress{Status: "complete", Percent: 100, Complete: true})
	}
	return nil
}

func (f *fakeEngine) ImageDigest(_ context.Context, imageRef string) (string, error) {
	return "sha256:digest-of-" + imageRef, nil
}

func (f *fakeEngine) ImageLabels(_ context.Context, imageRef string) (map[string]string, error) {
	return f.imageLabels[imageRef], nil
}

func (f *fakeEngine) DistributionDigest(context.Context, string) (string, error) { return "", nil }
func (f *fakeEngine) RemoveImage(context.Context, string) error                  { return nil }

func (f *fakeEngine) ConnectNetwork(_ context.Context, networkID, containerID string, _ *network.EndpointSettings) error {
	f.record("connect " + networkID)
	f.mu.Lock()
	f.connected = append(f.connected, networkID)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) DisconnectNetwork(context.Context, string, string) error { return nil }
func (f *fakeEngine) CreateNetwork(context.Context, string) (string, error)   { return "", nil }
func (f *fakeEngine) RemoveNetwork(context.Context, string) error             { return nil }
func (f *fakeEngine) CreateVolume(context.Context, string) error              { return nil }
func (f *fakeEngine) RemoveVolume(context.Context, string) error              { return nil }
func (f *fakeEngine) ContainerLogs(context.Context, string, int) (string, error) {
	return "", nil
}
func (f *fakeEngine) IsPodman(context.Context) bool { return f.podman }
func (f *fakeEngine) Close() error                  { return nil }

var _ docker.API = (*fakeEngine)(nil)

// fakeGateway scripts the agent coordinator surface.
type fakeGateway struct {
	mu          sync.Mutex
	agent       *store.Agent
	agentErr    error
	execErr     error
	executed    []string
	lastPayload any
	onExecute   func(payload any)
	selfUpdates []agents.SelfUpdatePayload
	selfErr     error
}

func (g *fakeGateway) AgentForHost(context.Context, string) (*store.Agent, error) {
	return g.agent, g.agentErr
}

func (g *fakeGateway) ExecuteCommand(_ context.Context, agentID, command string, payload any, _ time.Duration) (json.RawMessage, error) {
	g.mu.Lock()
	g.executed = append(g.executed, command)
	g.lastPayload = payload
	g.mu.Unlock()
	if g.execErr != nil {
		return nil, g.execErr
	}
	if g.onExecute != nil {
		g.onExecute(payload)
	}
	return json.RawMessage(`{}`), nil
}

func (g *fakeGateway) WatchProgress(string, func(agents.ProgressPayload)) func() {
	return func() {}
}

func (g *fakeGateway) SelfUpdate(_ context.Context, _ string, p agents.SelfUpdatePayload) error {
	g.mu.Lock()
	g.selfUpdates = append(g.selfUpdates, p)
	g.mu.Unlock()
	return g.selfErr
}

func newTestExecutor(t *testing.T, eng *fakeEngine, gw *fakeGateway) (*Executor, *store.Store, *events.Bus) {
	t.Helper()
	log := logging.New(false)
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "test.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	ca, err := cache.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	t.Cleanup(func() { ca.Close() })

	bus := events.New(log, nil, nil, nil)
	provider := EngineProviderFunc(func(context.Context, string) (docker.API, error) { return eng, nil })
	e := New(provider, gw, st, ca, bus, log, clock.Real{})
	e.releases = func(context.Context, string, string) (*registry.AgentRelease, error) {
		return &registry.AgentRelease{Version: "2.0.0", Checksum: "sha256:abc"}, nil
	}
	return e, st, bus
}

func seedHost(t *testing.T, st *store.Store, id, connType string) {
	t.Helper()
	err := st.CreateHost(context.Background(), &store.Host{
		ID:             id,
		Name:           "host-" + id,
		URL:            "unix:///var/run/docker.sock",
		ConnectionType: connType,
	})
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
}

const oldContainerID = "old-container-id-abcdef12345"

func seedRunningContainer(eng *fakeEngine) {
	eng.inspects[oldContainerID] = container.InspectResponse{
		ID:   oldContainerID,
		Name: "/web",
		Config: &container.Config{
			Image: "nginx:1.24",
			Labels: map[string]string{
				"maintainer":                 "NGINX Docker Maintainers", // inherited, dropped in 1.25
				"com.docker.compose.project": "shop",                     // orchestration label, preserved
				"custom.tier":                "frontend",                 // user label, preserved
			},
		},
		HostConfig: &container.HostConfig{},
		State:      &container.State{Running: true},
		NetworkSettings: &container.NetworkSettings{
			Networks: map[string]*network.EndpointSettings{
				"frontend": {Aliases: []string{"web"}, NetworkID: "net-f"},
				"backend":  {Aliases: []string{"web-internal"}, NetworkID: "net-b"},
			},
		},
	}
	eng.imageLabels["nginx:1.24"] = map[string]string{"maintainer": "NGINX Docker Maintainers"}
	eng.imageLabels["nginx:1.25"] = map[string]string{}

	// The replacement passes its health gate immediately.
	eng.inspects[eng.createID] = container.InspectResponse{
		ID: eng.createID,
		Config: &container.Config{
			Image:       "nginx:1.25",
			Healthcheck: &container.HealthConfig{Test: []string{"CMD", "true"}},
		},
		State: &container.State{
			Running: true,
			Health:  &container.Health{Status: "healthy"},
		},
	}
}

func webRequest() Request {
	return Request{
		HostID:        "h1",
		ContainerID:   oldContainerID,
		ContainerName: "web",
		NewImage:      "nginx:1.25",
		HealthTimeout: 5 * time.Second,
	}
}

func TestDirectUpdateSuccess(t *testing.T) {
	eng := newFakeEngine()
	seedRunningContainer(eng)
	e, st, bus := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)

	completed := make(chan events.Event, 1)
	bus.Subscribe(events.TypeUpdateCompleted, func(evt events.Event) { completed <- evt })

	res := e.Run(context.Background(), webRequest(), nil)
	if !res.Success {
		t.Fatalf("Run failed: %+v", res)
	}
	if res.NewContainerID != eng.createID {
		t.Errorf("NewContainerID = %q, want %q", res.NewContainerID, eng.createID)
	}

	if eng.createdConfig.Image != "nginx:1.25" {
		t.Errorf("created image = %q", eng.createdConfig.Image)
	}
	labels := eng.createdConfig.Labels
	if _, ok := labels["maintainer"]; ok {
		t.Error("stale image-inherited label survived the recreate")
	}
	if labels["com.docker.compose.project"] != "shop" || labels["custom.tier"] != "frontend" {
		t.Errorf("user labels lost: %v", labels)
	}

	// First network (name order) at create time, the rest connected after.
	if _, ok := eng.createdNetCfg.EndpointsConfig["backend"]; !ok {
		t.Errorf("create networking config = %+v, want backend endpoint", eng.createdNetCfg)
	}
	if len(eng.connected) != 1 || eng.connected[0] != "frontend" {
		t.Errorf("connected networks = %v, want [frontend]", eng.connected)
	}

	if len(eng.renames) == 0 || eng.renames[0][1] != "web.dockmon-backup" {
		t.Errorf("renames = %v, want backup rename first", eng.renames)
	}
	found := false
	for _, id := range eng.removed {
		if id == oldContainerID {
			found = true
		}
	}
	if !found {
		t.Error("backup container was not removed after success")
	}

	select {
	case <-completed:
	default:
		t.Error("no update_completed event emitted")
	}
}

func TestDirectUpdateRecordsCurrentImage(t *testing.T) {
	eng := newFakeEngine()
	seedRunningContainer(eng)
	e, st, _ := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)

	composite := CompositeID("h1", oldContainerID)
	err := st.UpsertContainerUpdate(context.Background(), &store.ContainerUpdate{
		ContainerID:  composite,
		HostID:       "h1",
		CurrentImage: "nginx:1.24",
	})
	if err != nil {
		t.Fatalf("seed update row: %v", err)
	}

	if res := e.Run(context.Background(), webRequest(), nil); !res.Success {
		t.Fatalf("Run failed: %+v", res)
	}

	row, err := st.GetContainerUpdate(context.Background(), composite)
	if err != nil {
		t.Fatalf("get update row: %v", err)
	}
	if row.CurrentImage != "nginx:1.25" {
		t.Errorf("current image = %q, want nginx:1.25", row.CurrentImage)
	}
}

func TestDirectUpdateRollsBackOnStartFailure(t *testing.T) {
	eng := newFakeEngine()
	seedRunningContainer(eng)
	eng.startErrs[eng.createID] = errors.New("port already in use")
	e, st, bus := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)

	rolledBack := make(chan events.Event, 1)
	bus.Subscribe(events.TypeRollbackCompleted, func(evt events.Event) { rolledBack <- evt })

	res := e.Run(context.Background(), webRequest(), nil)
	if res.Success {
		t.Fatal("Run succeeded despite start failure")
	}
	if !res.RolledBack {
		t.Errorf("RolledBack = false: %+v", res)
	}
	if !strings.Contains(res.Error, "port already in use") {
		t.Errorf("Error = %q", res.Error)
	}

	// Failed replacement removed, backup renamed back and restarted.
	foundNew := false
	for _, id := range eng.removed {
		if id == eng.createID {
			foundNew = true
		}
	}
	if !foundNew {
		t.Error("failed replacement container was not removed")
	}
	last := eng.renames[len(eng.renames)-1]
	if last[0] != oldContainerID || last[1] != "web" {
		t.Errorf("final rename = %v, want backup restored to web", last)
	}

	select {
	case <-rolledBack:
	default:
		t.Error("no rollback_completed event emitted")
	}
}

func TestDirectUpdateRollsBackOnHealthFailure(t *testing.T) {
	eng := newFakeEngine()
	seedRunningContainer(eng)
	// The replacement exits immediately.
	eng.inspects[eng.createID] = container.InspectResponse{
		ID: eng.createID,
		Config: &container.Config{
			Image:       "nginx:1.25",
			Healthcheck: &container.HealthConfig{Test: []string{"CMD", "true"}},
		},
		State: &container.State{Running: false},
	}
	e, st, _ := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)

	res := e.Run(context.Background(), webRequest(), nil)
	if res.Success || !res.RolledBack {
		t.Fatalf("res = %+v, want rolled-back failure", res)
	}
}

func TestDirectUpdateAppliesPodmanFixes(t *testing.T) {
	eng := newFakeEngine()
	seedRunningContainer(eng)
	eng.podman = true
	info := eng.inspects[oldContainerID]
	info.HostConfig = &container.HostConfig{}
	info.HostConfig.NanoCPUs = 2_000_000_000
	eng.inspects[oldContainerID] = info
	e, st, _ := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)

	if res := e.Run(context.Background(), webRequest(), nil); !res.Success {
		t.Fatalf("Run failed: %+v", res)
	}

	hc := eng.createdHostCfg
	if hc.NanoCPUs != 0 {
		t.Errorf("NanoCPUs = %d, want 0 on Podman", hc.NanoCPUs)
	}
	if hc.CPUQuota != 200000 || hc.CPUPeriod != 100000 {
		t.Errorf("cpu quota/period = %d/%d", hc.CPUQuota, hc.CPUPeriod)
	}
}

func TestRunRejectsConcurrentUpdateOfSameContainer(t *testing.T) {
	eng := newFakeEngine()
	seedRunningContainer(eng)
	e, st, _ := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)

	composite := CompositeID("h1", oldContainerID)
	if !e.acquire(composite) {
		t.Fatal("first acquire failed")
	}
	defer e.release(composite)

	res := e.Run(context.Background(), webRequest(), nil)
	if res.Success || !strings.Contains(res.Error, "already in progress") {
		t.Fatalf("res = %+v, want in-progress rejection", res)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	eng := newFakeEngine()
	seedRunningContainer(eng)
	e, st, _ := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)

	var mu sync.Mutex
	var percents []float64
	res := e.Run(context.Background(), webRequest(), func(_ string, pct float64, _ string) {
		mu.Lock()
		percents = append(percents, pct)
		mu.Unlock()
	})
	if !res.Success {
		t.Fatalf("Run failed: %+v", res)
	}

	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress regressed at %d: %v", i, percents)
		}
	}
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Errorf("final percent = %v, want 100", percents)
	}
}

func TestAgentUpdateResolvesOnCompletionEvent(t *testing.T) {
	gw := &fakeGateway{agent: &store.Agent{ID: "a1", HostID: "h2"}}
	e, st, bus := newTestExecutor(t, newFakeEngine(), gw)
	seedHost(t, st, "h2", store.ConnAgent)

	req := Request{
		HostID:        "h2",
		ContainerID:   oldContainerID,
		ContainerName: "web",
		NewImage:      "nginx:1.25",
	}
	gw.onExecute = func(any) {
		go bus.Emit(context.Background(), events.Event{
			Type:  events.TypeUpdateCompleted,
			Scope: events.Scope{HostID: "h2", ContainerID: oldContainerID, ContainerName: "web"},
			Data:  map[string]any{"new_container_id": "replacement-id"},
		})
	}

	res := e.Run(context.Background(), req, nil)
	if !res.Success {
		t.Fatalf("Run failed: %+v", res)
	}
	if res.NewContainerID != "replacement-id" {
		t.Errorf("NewContainerID = %q", res.NewContainerID)
	}
	if len(gw.executed) != 1 || gw.executed[0] != "update_container" {
		t.Errorf("commands = %v", gw.executed)
	}
	cmd, ok := gw.lastPayload.(updateCommand)
	if !ok || cmd.NewImage != "nginx:1.25" || cmd.UpdateID == "" {
		t.Errorf("payload = %+v", gw.lastPayload)
	}
}

func TestAgentUpdateFailureEvent(t *testing.T) {
	gw := &fakeGateway{agent: &store.Agent{ID: "a1", HostID: "h2"}}
	e, st, bus := newTestExecutor(t, newFakeEngine(), gw)
	seedHost(t, st, "h2", store.ConnAgent)

	gw.onExecute = func(any) {
		go bus.Emit(context.Background(), events.Event{
			Type:  events.TypeUpdateFailed,
			Scope: events.Scope{HostID: "h2", ContainerID: oldContainerID},
			Data:  map[string]any{"error": "image pull denied"},
		})
	}

	res := e.Run(context.Background(), Request{
		HostID:      "h2",
		ContainerID: oldContainerID,
		NewImage:    "nginx:1.25",
	}, nil)
	if res.Success {
		t.Fatal("Run succeeded despite agent failure")
	}
	if !strings.Contains(res.Error, "image pull denied") {
		t.Errorf("Error = %q", res.Error)
	}
}

func TestAgentUpdateTimesOut(t *testing.T) {
	gw := &fakeGateway{agent: &store.Agent{ID: "a1", HostID: "h2"}}
	e, st, _ := newTestExecutor(t, newFakeEngine(), gw)
	seedHost(t, st, "h2", store.ConnAgent)
	e.agentTimeout = 50 * time.Millisecond

	res := e.Run(context.Background(), Request{
		HostID:      "h2",
		ContainerID: oldContainerID,
		NewImage:    "nginx:1.25",
	}, nil)
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Fatalf("res = %+v, want timeout", res)
	}
}

func TestAgentImageRoutesToSelfUpdate(t *testing.T) {
	gw := &fakeGateway{agent: &store.Agent{ID: "a1", HostID: "h2", OS: "linux", Arch: "amd64"}}
	e, st, _ := newTestExecutor(t, newFakeEngine(), gw)
	seedHost(t, st, "h2", store.ConnAgent)

	res := e.Run(context.Background(), Request{
		HostID:        "h2",
		ContainerID:   oldContainerID,
		ContainerName: "dockmon-agent",
		NewImage:      "ghcr.io/darthnorse/dockmon-agent:2.0.0",
	}, nil)
	if !res.Success {
		t.Fatalf("Run failed: %+v", res)
	}
	if res.NewContainerID != oldContainerID {
		t.Errorf("container id changed on self update: %q", res.NewContainerID)
	}
	if len(gw.selfUpdates) != 1 {
		t.Fatalf("self updates = %v", gw.selfUpdates)
	}
	p := gw.selfUpdates[0]
	if p.Version != "2.0.0" || p.Checksum != "sha256:abc" {
		t.Errorf("self update payload = %+v", p)
	}
	if len(gw.executed) != 0 {
		t.Errorf("unexpected commands on self-update path: %v", gw.executed)
	}
}
