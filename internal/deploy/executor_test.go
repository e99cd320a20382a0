package deploy

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
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
)

// fakeEngine implements docker.API with scripted responses and a call log.
// Created containers report a passing healthcheck on the first poll unless
// their service is listed in failHealth.
type fakeEngine struct {
	mu    sync.Mutex
	calls []string

	createdSpecs map[string]capturedCreate
	networks     []string
	volumes      []string
	removedCtrs  []string
	removedNets  []string
	removedVols  []string

	pullErrs   map[string]error
	startErrs  map[string]error
	failHealth map[string]bool
}

type capturedCreate struct {
	id      string
	cfg     *container.Config
	hostCfg *container.HostConfig
	netCfg  *network.NetworkingConfig
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		createdSpecs: make(map[string]capturedCreate),
		pullErrs:     make(map[string]error),
		startErrs:    make(map[string]error),
		failHealth:   make(map[string]bool),
	}
}

func (f *fakeEngine) record(call string) {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
}

func (f *fakeEngine) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) ListContainers(context.Context, bool) ([]container.Summary, error) {
	return nil, nil
}

func (f *fakeEngine) InspectContainer(_ context.Context, id string) (container.InspectResponse, error) {
	name := strings.TrimPrefix(id, "ctr-")
	running := true
	f.mu.Lock()
	if f.failHealth[name] {
		running = false
	}
	f.mu.Unlock()
	return container.InspectResponse{
		ID: id,
		Config: &container.Config{
			Healthcheck: &container.HealthConfig{Test: []string{"CMD", "true"}},
		},
		State: &container.State{
			Running: running,
			Health:  &container.Health{Status: "healthy"},
		},
	}, nil
}

func (f *fakeEngine) CreateContainer(_ context.Context, name string, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig) (string, error) {
	f.record("create " + name)
	id := "ctr-" + name
	f.mu.Lock()
	f.createdSpecs[name] = capturedCreate{id: id, cfg: cfg, hostCfg: hostCfg, netCfg: netCfg}
	f.mu.Unlock()
	return id, nil
}

func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	f.record("start " + id)
	return f.startErrs[strings.TrimPrefix(id, "ctr-")]
}

func (f *fakeEngine) StopContainer(_ context.Context, id string, _ int) error {
	f.record("stop " + id)
	return nil
}

func (f *fakeEngine) RestartContainer(context.Context, string) error        { return nil }
func (f *fakeEngine) PauseContainer(context.Context, string) error          { return nil }
func (f *fakeEngine) UnpauseContainer(context.Context, string) error        { return nil }
func (f *fakeEngine) RenameContainer(context.Context, string, string) error { return nil }

func (f *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	f.record("remove " + id)
	f.mu.Lock()
	f.removedCtrs = append(f.removedCtrs, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) PullImage(_ context.Context, refStr string, progress docker.ProgressFunc) error {
	f.record("pull " + refStr)
	if err := f.pullErrs[refStr]; err != nil {
		return err
	}
	if progress != nil {
		progress(docker.Progress{Status: "downloading", Percent: 50})
		progress(docker.Progress{Status: "complete", Percent: 100, Complete: true})
	}
	return nil
}

func (f *fakeEngine) ImageDigest(context.Context, string) (string, error)           { return "", nil }
func (f *fakeEngine) ImageLabels(context.Context, string) (map[string]string, error) { return nil, nil }
func (f *fakeEngine) DistributionDigest(context.Context, string) (string, error)    { return "", nil }
func (f *fakeEngine) RemoveImage(context.Context, string) error                     { return nil }

func (f *fakeEngine) ConnectNetwork(context.Context, string, string, *network.EndpointSettings) error {
	return nil
}
func (f *fakeEngine) DisconnectNetwork(context.Context, string, string) error { return nil }

func (f *fakeEngine) CreateNetwork(_ context.Context, name string) (string, error) {
	f.record("create-network " + name)
	f.mu.Lock()
	f.networks = append(f.networks, name)
	f.mu.Unlock()
	return "net-" + name, nil
}

func (f *fakeEngine) RemoveNetwork(_ context.Context, id string) error {
	f.record("remove-network " + id)
	f.mu.Lock()
	f.removedNets = append(f.removedNets, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) CreateVolume(_ context.Context, name string) error {
	f.record("create-volume " + name)
	f.mu.Lock()
	f.volumes = append(f.volumes, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) RemoveVolume(_ context.Context, name string) error {
	f.record("remove-volume " + name)
	f.mu.Lock()
	f.removedVols = append(f.removedVols, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) ContainerLogs(context.Context, string, int) (string, error) { return "", nil }
func (f *fakeEngine) IsPodman(context.Context) bool                              { return false }
func (f *fakeEngine) Close() error                                               { return nil }

var _ docker.API = (*fakeEngine)(nil)

type engineFunc func(ctx context.Context, hostID string) (docker.API, error)

func (fn engineFunc) Engine(ctx context.Context, hostID string) (docker.API, error) {
	return fn(ctx, hostID)
}

// fakeGateway scripts the agent coordinator surface.
type fakeGateway struct {
	mu          sync.Mutex
	agent       *store.Agent
	agentErr    error
	response    json.RawMessage
	execErr     error
	executed    []string
	lastPayload any

	sinkMu sync.Mutex
	sink   func(agents.ProgressPayload)
}

func (g *fakeGateway) AgentForHost(context.Context, string) (*store.Agent, error) {
	return g.agent, g.agentErr
}

func (g *fakeGateway) ExecuteCommand(_ context.Context, _, command string, payload any, _ time.Duration) (json.RawMessage, error) {
	g.mu.Lock()
	g.executed = append(g.executed, command)
	g.lastPayload = payload
	g.mu.Unlock()
	if g.execErr != nil {
		return nil, g.execErr
	}
	g.sinkMu.Lock()
	sink := g.sink
	g.sinkMu.Unlock()
	if sink != nil {
		sink(agents.ProgressPayload{Stage: "pull", Progress: 20, Message: "pulling"})
		sink(agents.ProgressPayload{Stage: "health", Progress: 90, Message: "waiting"})
	}
	if g.response != nil {
		return g.response, nil
	}
	return json.RawMessage(`{"success":true,"services":{}}`), nil
}

func (g *fakeGateway) WatchProgress(_ string, sink func(agents.ProgressPayload)) func() {
	g.sinkMu.Lock()
	g.sink = sink
	g.sinkMu.Unlock()
	return func() {
		g.sinkMu.Lock()
		g.sink = nil
		g.sinkMu.Unlock()
	}
}

func newTestExecutor(t *testing.T, eng *fakeEngine, gw *fakeGateway) (*Executor, *store.Store) {
	t.Helper()
	log := logging.New(false)

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	provider := engineFunc(func(context.Context, string) (docker.API, error) { return eng, nil })
	e := New(provider, gw, st, log, clock.Real{})
	return e, st
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

func seedDeployment(t *testing.T, st *store.Store, id, hostID string) {
	t.Helper()
	err := st.CreateDeployment(context.Background(), &store.Deployment{
		ID:             id,
		HostID:         hostID,
		DeploymentType: "compose",
		Name:           "shop",
		Definition:     []byte(`{}`),
	})
	if err != nil {
		t.Fatalf("create deployment: %v", err)
	}
}

const stackYAML = `
services:
  web:
    image: nginx:1.25
    depends_on: [db]
    networks: [frontend]
  db:
    image: postgres:16
    networks: [frontend]
networks:
  frontend:
  shared:
    external: true
volumes:
  data:
`

func stackRequest() Request {
	return Request{
		DeploymentID:      "dep-1",
		HostID:            "h1",
		Project:           "shop",
		ComposeYAML:       []byte(stackYAML),
		WaitForHealthy:    true,
		HealthTimeout:     5 * time.Second,
		RollbackOnFailure: true,
	}
}

func TestDeploySuccess(t *testing.T) {
	eng := newFakeEngine()
	e, st := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)
	seedDeployment(t, st, "dep-1", "h1")

	res := e.Deploy(context.Background(), stackRequest(), nil)
	if !res.Success {
		t.Fatalf("Deploy failed: %+v", res)
	}
	if res.Services["db"].Status != "running" || res.Services["web"].Status != "running" {
		t.Errorf("service statuses = %+v", res.Services)
	}
	if res.Services["web"].ContainerName != "shop-web" {
		t.Errorf("web container name = %q", res.Services["web"].ContainerName)
	}

	// db is a dependency of web and must come up first.
	log := eng.callLog()
	dbStart, webCreate := -1, -1
	for i, call := range log {
		switch call {
		case "start ctr-shop-db":
			dbStart = i
		case "create shop-web":
			webCreate = i
		}
	}
	if dbStart == -1 || webCreate == -1 || dbStart > webCreate {
		t.Errorf("dependency order violated: %v", log)
	}

	// Only the non-external network is created.
	if len(eng.networks) != 1 || eng.networks[0] != "frontend" {
		t.Errorf("created networks = %v", eng.networks)
	}
	if len(eng.volumes) != 1 || eng.volumes[0] != "data" {
		t.Errorf("created volumes = %v", eng.volumes)
	}

	d, err := st.GetDeployment(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if d.Status != store.DeployCompleted || !d.Committed || d.ProgressPercent != 100 {
		t.Errorf("deployment row = %+v", d)
	}
}

func TestDeployProgressIsMonotonic(t *testing.T) {
	eng := newFakeEngine()
	e, st := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)
	seedDeployment(t, st, "dep-1", "h1")

	var mu sync.Mutex
	var percents []float64
	res := e.Deploy(context.Background(), stackRequest(), func(_ string, pct float64, _ string) {
		mu.Lock()
		percents = append(percents, pct)
		mu.Unlock()
	})
	if !res.Success {
		t.Fatalf("Deploy failed: %+v", res)
	}

	for i := 1; i < len(percents); i++ {
		if percents[i] < percents[i-1] {
			t.Fatalf("progress regressed at %d: %v", i, percents)
		}
	}
	if len(percents) == 0 || percents[len(percents)-1] != 100 {
		t.Errorf("final progress = %v", percents)
	}
}

func TestDeployRollbackOnStartFailure(t *testing.T) {
	eng := newFakeEngine()
	eng.startErrs["shop-db"] = errors.New("port already in use")
	e, st := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)
	seedDeployment(t, st, "dep-1", "h1")

	req := stackRequest()
	req.RemoveVolumesOnRollback = true
	res := e.Deploy(context.Background(), req, nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "port already in use") {
		t.Errorf("error = %q", res.Error)
	}
	if !res.RolledBack {
		t.Error("result does not report the rollback")
	}

	// The created db container, the created network and (per the request)
	// the created volume are cleaned up. The external network is untouched.
	found := false
	for _, id := range eng.removedCtrs {
		if id == "ctr-shop-db" {
			found = true
		}
	}
	if !found {
		t.Errorf("db container not removed: %v", eng.removedCtrs)
	}
	if len(eng.removedNets) != 1 || eng.removedNets[0] != "frontend" {
		t.Errorf("removed networks = %v", eng.removedNets)
	}
	if len(eng.removedVols) != 1 || eng.removedVols[0] != "data" {
		t.Errorf("removed volumes = %v", eng.removedVols)
	}

	d, err := st.GetDeployment(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if d.Status != store.DeployRolledBack || d.Committed {
		t.Errorf("deployment row = %+v", d)
	}
}

func TestDeployFailureWithoutRollbackLeavesResources(t *testing.T) {
	eng := newFakeEngine()
	eng.startErrs["shop-web"] = errors.New("exec format error")
	e, st := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)
	seedDeployment(t, st, "dep-1", "h1")

	req := stackRequest()
	req.RollbackOnFailure = false
	res := e.Deploy(context.Background(), req, nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !res.Partial {
		t.Error("db succeeded, result should be partial")
	}
	if len(eng.removedCtrs) != 0 || len(eng.removedNets) != 0 {
		t.Errorf("rollback ran despite being disabled: ctrs=%v nets=%v", eng.removedCtrs, eng.removedNets)
	}

	d, err := st.GetDeployment(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if d.Status != store.DeployFailed {
		t.Errorf("status = %q", d.Status)
	}
}

func TestDeployHealthFailureRollsBack(t *testing.T) {
	eng := newFakeEngine()
	eng.failHealth["shop-db"] = true
	e, st := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)
	seedDeployment(t, st, "dep-1", "h1")

	res := e.Deploy(context.Background(), stackRequest(), nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(res.Error, "db") {
		t.Errorf("error = %q", res.Error)
	}
	// web never deploys: its dependency group failed the health gate.
	if _, ok := eng.createdSpecs["shop-web"]; ok {
		t.Error("dependent service was created after its dependency failed")
	}

	d, err := st.GetDeployment(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if d.Status != store.DeployRolledBack {
		t.Errorf("status = %q", d.Status)
	}
}

func TestDeployRejectsInvalidCompose(t *testing.T) {
	e, st := newTestExecutor(t, newFakeEngine(), nil)
	seedHost(t, st, "h1", store.ConnLocal)
	seedDeployment(t, st, "dep-1", "h1")

	req := stackRequest()
	req.ComposeYAML = []byte("services:\n  app:\n    build: .\n    image: app:dev\n")
	res := e.Deploy(context.Background(), req, nil)
	if res.Success || !strings.Contains(res.Error, "build") {
		t.Fatalf("expected build rejection, got %+v", res)
	}

	d, err := st.GetDeployment(context.Background(), "dep-1")
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if d.Status != store.DeployFailed {
		t.Errorf("status = %q", d.Status)
	}
}

func TestDeployAgentPath(t *testing.T) {
	gw := &fakeGateway{
		agent: &store.Agent{ID: "agent-1", HostID: "h2"},
		response: json.RawMessage(`{
			"success": true,
			"services": {"web": {"container_id": "abc123", "container_name": "shop-web", "image": "nginx:1.25", "status": "running"}}
		}`),
	}
	e, st := newTestExecutor(t, newFakeEngine(), gw)
	seedHost(t, st, "h2", store.ConnAgent)
	seedDeployment(t, st, "dep-2", "h2")

	var mu sync.Mutex
	var stages []string
	req := stackRequest()
	req.DeploymentID = "dep-2"
	req.HostID = "h2"
	req.Profiles = []string{"debug"}
	res := e.Deploy(context.Background(), req, func(stage string, _ float64, _ string) {
		mu.Lock()
		stages = append(stages, stage)
		mu.Unlock()
	})
	if !res.Success {
		t.Fatalf("Deploy failed: %+v", res)
	}
	if res.Services["web"].ContainerID != "abc123" {
		t.Errorf("services = %+v", res.Services)
	}

	if len(gw.executed) != 1 || gw.executed[0] != "deploy_compose" {
		t.Fatalf("commands = %v", gw.executed)
	}
	cmd, ok := gw.lastPayload.(deployCommand)
	if !ok {
		t.Fatalf("payload type %T", gw.lastPayload)
	}
	if cmd.ComposeYAML != stackYAML || len(cmd.Profiles) != 1 || cmd.Profiles[0] != "debug" {
		t.Errorf("command payload = %+v", cmd)
	}
	if cmd.HealthTimeoutSeconds != 5 || !cmd.WaitForHealthy {
		t.Errorf("health options = %+v", cmd)
	}

	mu.Lock()
	gotAgentProgress := len(stages) >= 2
	mu.Unlock()
	if !gotAgentProgress {
		t.Errorf("agent progress not routed: %v", stages)
	}

	d, err := st.GetDeployment(context.Background(), "dep-2")
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	if d.Status != store.DeployCompleted || !d.Committed {
		t.Errorf("deployment row = %+v", d)
	}
}

func TestDeployAgentUnavailable(t *testing.T) {
	gw := &fakeGateway{agentErr: derr.ErrAgentUnavailable}
	e, st := newTestExecutor(t, newFakeEngine(), gw)
	seedHost(t, st, "h2", store.ConnAgent)
	seedDeployment(t, st, "dep-2", "h2")

	req := stackRequest()
	req.DeploymentID = "dep-2"
	req.HostID = "h2"
	res := e.Deploy(context.Background(), req, nil)
	if res.Success || res.Error == "" {
		t.Fatalf("expected failure, got %+v", res)
	}
}

func TestAgentFailureStatusFollowsRollbackAttestation(t *testing.T) {
	cases := []struct {
		name     string
		response string
		want     string
	}{
		// rollback requested but the agent never said it rolled back:
		// the row must not claim a rollback happened.
		{"no attestation", `{"success": false, "error": "db crashed", "services": {}}`, store.DeployFailed},
		{"attested", `{"success": false, "rolled_back": true, "error": "db crashed", "services": {}}`, store.DeployRolledBack},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gw := &fakeGateway{
				agent:    &store.Agent{ID: "agent-1", HostID: "h2"},
				response: json.RawMessage(tc.response),
			}
			e, st := newTestExecutor(t, newFakeEngine(), gw)
			seedHost(t, st, "h2", store.ConnAgent)
			seedDeployment(t, st, "dep-2", "h2")

			req := stackRequest()
			req.DeploymentID = "dep-2"
			req.HostID = "h2"
			req.RollbackOnFailure = true
			res := e.Deploy(context.Background(), req, nil)
			if res.Success {
				t.Fatalf("expected failure, got %+v", res)
			}

			d, err := st.GetDeployment(context.Background(), "dep-2")
			if err != nil {
				t.Fatalf("get deployment: %v", err)
			}
			if d.Status != tc.want {
				t.Errorf("status = %q, want %q", d.Status, tc.want)
			}
		})
	}
}

func TestTeardownDirect(t *testing.T) {
	eng := newFakeEngine()
	e, st := newTestExecutor(t, eng, nil)
	seedHost(t, st, "h1", store.ConnLocal)

	if err := e.Teardown(context.Background(), stackRequest(), true); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	// web goes before its dependency db.
	log := eng.callLog()
	webRemove, dbRemove := -1, -1
	for i, call := range log {
		switch call {
		case "remove shop-web":
			webRemove = i
		case "remove shop-db":
			dbRemove = i
		}
	}
	if webRemove == -1 || dbRemove == -1 || webRemove > dbRemove {
		t.Errorf("teardown order: %v", log)
	}
	if len(eng.removedNets) != 1 || eng.removedNets[0] != "frontend" {
		t.Errorf("removed networks = %v", eng.removedNets)
	}
	if len(eng.removedVols) != 1 || eng.removedVols[0] != "data" {
		t.Errorf("removed volumes = %v", eng.removedVols)
	}
}

func TestTeardownAgentIncludesProfiles(t *testing.T) {
	gw := &fakeGateway{agent: &store.Agent{ID: "agent-1", HostID: "h2"}}
	e, st := newTestExecutor(t, newFakeEngine(), gw)
	seedHost(t, st, "h2", store.ConnAgent)

	req := stackRequest()
	req.HostID = "h2"
	req.Profiles = []string{"debug", "tools"}
	if err := e.Teardown(context.Background(), req, true); err != nil {
		t.Fatalf("Teardown: %v", err)
	}

	if len(gw.executed) != 1 || gw.executed[0] != "teardown_compose" {
		t.Fatalf("commands = %v", gw.executed)
	}
	cmd := gw.lastPayload.(deployCommand)
	if len(cmd.Profiles) != 2 || !cmd.RemoveVolumes {
		t.Errorf("teardown payload = %+v", cmd)
	}
}

func TestDeleteGatesOnStatus(t *testing.T) {
	e, st := newTestExecutor(t, newFakeEngine(), nil)
	seedHost(t, st, "h1", store.ConnLocal)
	seedDeployment(t, st, "dep-1", "h1")

	ctx := context.Background()
	if err := st.SetDeploymentProgress(ctx, "dep-1", store.DeployExecuting, 30, "create"); err != nil {
		t.Fatalf("set progress: %v", err)
	}
	err := e.Delete(ctx, "dep-1")
	if !errors.Is(err, derr.ErrConflict) {
		t.Fatalf("delete of running deployment = %v, want conflict", err)
	}

	if err := st.FinishDeployment(ctx, "dep-1", store.DeployCompleted, "", true, time.Now()); err != nil {
		t.Fatalf("finish: %v", err)
	}
	if err := e.Delete(ctx, "dep-1"); err != nil {
		t.Fatalf("delete of completed deployment: %v", err)
	}
	if _, err := st.GetDeployment(ctx, "dep-1"); !errors.Is(err, derr.ErrNotFound) {
		t.Errorf("deployment still present: %v", err)
	}
}
