package batch

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"

	"github.com/darthnorse/dockmon/internal/cache"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/updates"
)

// fakeEngine implements docker.API for lifecycle actions. Containers in the
// running set inspect as running; unknown ids fail inspection.
type fakeEngine struct {
	mu        sync.Mutex
	running   map[string]bool
	started   []string
	stopped   []string
	restarted []string
	removed   []string

	startErr   error
	startDelay time.Duration
	inFlight   atomic.Int32
	maxFlight  atomic.Int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{running: make(map[string]bool)}
}

func (f *fakeEngine) ListContainers(context.Context, bool) ([]container.Summary, error) {
	return nil, nil
}

func (f *fakeEngine) InspectContainer(_ context.Context, id string) (container.InspectResponse, error) {
	f.mu.Lock()
	running, ok := f.running[id]
	f.mu.Unlock()
	if !ok {
		return container.InspectResponse{}, errors.New("no such container " + id)
	}
	return container.InspectResponse{
		ID:    id,
		State: &container.State{Running: running},
	}, nil
}

func (f *fakeEngine) CreateContainer(context.Context, string, *container.Config, *container.HostConfig, *network.NetworkingConfig) (string, error) {
	return "", nil
}

func (f *fakeEngine) StartContainer(_ context.Context, id string) error {
	cur := f.inFlight.Add(1)
	for {
		max := f.maxFlight.Load()
		if cur <= max || f.maxFlight.CompareAndSwap(max, cur) {
			break
		}
	}
	if f.startDelay > 0 {
		time.Sleep(f.startDelay)
	}
	f.inFlight.Add(-1)

	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.started = append(f.started, id)
	f.running[id] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) StopContainer(_ context.Context, id string, _ int) error {
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	f.running[id] = false
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) RestartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	f.restarted = append(f.restarted, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) PauseContainer(context.Context, string) error          { return nil }
func (f *fakeEngine) UnpauseContainer(context.Context, string) error        { return nil }
func (f *fakeEngine) RenameContainer(context.Context, string, string) error { return nil }

func (f *fakeEngine) RemoveContainer(_ context.Context, id string) error {
	f.mu.Lock()
	f.removed = append(f.removed, id)
	delete(f.running, id)
	f.mu.Unlock()
	return nil
}

func (f *fakeEngine) PullImage(context.Context, string, docker.ProgressFunc) error { return nil }
func (f *fakeEngine) ImageDigest(context.Context, string) (string, error)          { return "", nil }
func (f *fakeEngine) ImageLabels(context.Context, string) (map[string]string, error) {
	return nil, nil
}
func (f *fakeEngine) DistributionDigest(context.Context, string) (string, error) { return "", nil }
func (f *fakeEngine) RemoveImage(context.Context, string) error                  { return nil }
func (f *fakeEngine) ConnectNetwork(context.Context, string, string, *network.EndpointSettings) error {
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
func (f *fakeEngine) IsPodman(context.Context) bool { return false }
func (f *fakeEngine) Close() error                  { return nil }

var _ docker.API = (*fakeEngine)(nil)

type engineFunc func(ctx context.Context, hostID string) (docker.API, error)

func (fn engineFunc) Engine(ctx context.Context, hostID string) (docker.API, error) {
	return fn(ctx, hostID)
}

type fakeGateway struct {
	mu       sync.Mutex
	agent    *store.Agent
	response json.RawMessage
	execErr  error
	commands []string
}

func (g *fakeGateway) AgentForHost(context.Context, string) (*store.Agent, error) {
	return g.agent, nil
}

func (g *fakeGateway) ExecuteCommand(_ context.Context, _, command string, _ any, _ time.Duration) (json.RawMessage, error) {
	g.mu.Lock()
	g.commands = append(g.commands, command)
	g.mu.Unlock()
	if g.execErr != nil {
		return nil, g.execErr
	}
	return g.response, nil
}

type fakeUpdater struct {
	mu       sync.Mutex
	requests []updates.Request
	result   updates.Result
}

func (u *fakeUpdater) Run(_ context.Context, req updates.Request, _ updates.ProgressFunc) updates.Result {
	u.mu.Lock()
	u.requests = append(u.requests, req)
	u.mu.Unlock()
	return u.result
}

type fakeChecker struct {
	mu      sync.Mutex
	checked []string
	err     error
}

func (c *fakeChecker) Check(_ context.Context, hostID, containerID string) (bool, error) {
	c.mu.Lock()
	c.checked = append(c.checked, hostID+":"+containerID)
	c.mu.Unlock()
	return false, c.err
}

type testHarness struct {
	m       *Manager
	st      *store.Store
	ca      *cache.Cache
	bus     *events.Bus
	eng     *fakeEngine
	gw      *fakeGateway
	updater *fakeUpdater
	checker *fakeChecker

	notifyMu sync.Mutex
	notified []string
}

func newHarness(t *testing.T) *testHarness {
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

	h := &testHarness{
		st:      st,
		ca:      ca,
		bus:     events.New(log, nil, nil, nil),
		eng:     newFakeEngine(),
		gw:      &fakeGateway{},
		updater: &fakeUpdater{result: updates.Result{Success: true}},
		checker: &fakeChecker{},
	}
	provider := engineFunc(func(context.Context, string) (docker.API, error) { return h.eng, nil })
	h.m = New(provider, h.gw, st, ca, h.updater, h.checker, h.bus, log, clock.Real{},
		func(msgType string, _ any) {
			h.notifyMu.Lock()
			h.notified = append(h.notified, msgType)
			h.notifyMu.Unlock()
		})
	return h
}

func (h *testHarness) seedHost(t *testing.T, id, connType string) {
	t.Helper()
	err := h.st.CreateHost(context.Background(), &store.Host{
		ID:             id,
		Name:           "host-" + id,
		URL:            "unix:///var/run/docker.sock",
		ConnectionType: connType,
	})
	if err != nil {
		t.Fatalf("create host: %v", err)
	}
}

func itemByID(t *testing.T, job Job, id string) Item {
	t.Helper()
	for _, item := range job.Items {
		if item.ID == id {
			return item
		}
	}
	t.Fatalf("item %s not in job: %+v", id, job.Items)
	return Item{}
}

func TestStartSkipsAlreadyRunning(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "h1", store.ConnLocal)
	h.eng.running["c-run"] = true
	h.eng.running["c-stop"] = false

	job, err := h.m.Run(context.Background(), Request{
		Action:  ActionStart,
		Targets: []string{"h1:c-run", "h1:c-stop"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if job.Status != JobCompleted {
		t.Errorf("status = %q", job.Status)
	}
	if got := itemByID(t, job, "h1:c-run").Status; got != ItemSkipped {
		t.Errorf("running container item = %q, want skipped", got)
	}
	if got := itemByID(t, job, "h1:c-stop").Status; got != ItemSuccess {
		t.Errorf("stopped container item = %q, want success", got)
	}
	want := Counters{Total: 2, Completed: 2, Success: 1, Skipped: 1}
	if job.Counters != want {
		t.Errorf("counters = %+v, want %+v", job.Counters, want)
	}
	if len(h.eng.started) != 1 || h.eng.started[0] != "c-stop" {
		t.Errorf("started = %v", h.eng.started)
	}
}

func TestStopTwiceSkipsTwice(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "h1", store.ConnLocal)
	h.eng.running["c1"] = false

	for i := 0; i < 2; i++ {
		job, err := h.m.Run(context.Background(), Request{
			Action:  ActionStop,
			Targets: []string{"h1:c1"},
		})
		if err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
		if got := itemByID(t, job, "h1:c1").Status; got != ItemSkipped {
			t.Errorf("run %d item = %q, want skipped", i, got)
		}
	}
	if len(h.eng.stopped) != 0 {
		t.Errorf("stop was invoked: %v", h.eng.stopped)
	}
}

func TestPartialAndFailedStatuses(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "h1", store.ConnLocal)
	h.eng.running["c-ok"] = false
	h.eng.startErr = errors.New("driver failed")

	var evts []events.Event
	var mu sync.Mutex
	h.bus.Subscribe(events.TypeBatchJobCompleted, func(evt events.Event) {
		mu.Lock()
		evts = append(evts, evt)
		mu.Unlock()
	})
	h.bus.Subscribe(events.TypeBatchJobFailed, func(evt events.Event) {
		mu.Lock()
		evts = append(evts, evt)
		mu.Unlock()
	})

	// c-ok errors at start, c-missing errors at inspect; no successes.
	job, err := h.m.Run(context.Background(), Request{
		Action:  ActionStart,
		Targets: []string{"h1:c-ok", "h1:c-missing"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != JobFailed {
		t.Errorf("all-error status = %q", job.Status)
	}

	// One success, one error.
	h.eng.startErr = nil
	job, err = h.m.Run(context.Background(), Request{
		Action:  ActionStart,
		Targets: []string{"h1:c-ok", "h1:c-missing"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Status != JobPartial {
		t.Errorf("mixed status = %q, counters %+v", job.Status, job.Counters)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evts) != 2 {
		t.Fatalf("terminal events = %d, want 2", len(evts))
	}
	if evts[0].Type != events.TypeBatchJobFailed || evts[1].Type != events.TypeBatchJobCompleted {
		t.Errorf("event order = %v, %v", evts[0].Type, evts[1].Type)
	}
}

func TestPerHostConcurrencyCap(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "h1", store.ConnLocal)
	h.m.perHostLimit = 2
	h.eng.startDelay = 20 * time.Millisecond
	targets := make([]string, 0, 8)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		h.eng.running["c-"+id] = false
		targets = append(targets, "h1:c-"+id)
	}

	job, err := h.m.Run(context.Background(), Request{Action: ActionStart, Targets: targets})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Counters.Success != 8 {
		t.Fatalf("counters = %+v", job.Counters)
	}
	if max := h.eng.maxFlight.Load(); max > 2 {
		t.Errorf("observed %d concurrent starts, cap is 2", max)
	}
}

func TestTagActionsAreIdempotent(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "h1", store.ConnLocal)

	add := Request{Action: ActionAddTags, Targets: []string{"h1:c1"}, Tags: []string{"prod", "web"}}
	job, err := h.m.Run(context.Background(), add)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := itemByID(t, job, "h1:c1").Status; got != ItemSuccess {
		t.Errorf("first add = %q", got)
	}

	job, err = h.m.Run(context.Background(), add)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := itemByID(t, job, "h1:c1").Status; got != ItemSkipped {
		t.Errorf("second add = %q, want skipped", got)
	}

	var prefs ContainerPrefs
	if err := h.ca.GetPrefs("h1:c1", &prefs); err != nil {
		t.Fatalf("get prefs: %v", err)
	}
	if len(prefs.Tags) != 2 {
		t.Errorf("tags = %v", prefs.Tags)
	}

	job, err = h.m.Run(context.Background(), Request{
		Action: ActionRemoveTags, Targets: []string{"h1:c1"}, Tags: []string{"web", "ghost"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := itemByID(t, job, "h1:c1").Status; got != ItemSuccess {
		t.Errorf("remove = %q", got)
	}
	if err := h.ca.GetPrefs("h1:c1", &prefs); err != nil {
		t.Fatalf("get prefs: %v", err)
	}
	if len(prefs.Tags) != 1 || prefs.Tags[0] != "prod" {
		t.Errorf("tags after remove = %v", prefs.Tags)
	}
}

func TestSetAutoUpdatePersistsAndSkips(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "h1", store.ConnLocal)

	req := Request{Action: ActionSetAutoUpdate, Targets: []string{"h1:c1"}, Enabled: true}
	job, err := h.m.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := itemByID(t, job, "h1:c1").Status; got != ItemSuccess {
		t.Errorf("first set = %q", got)
	}

	job, err = h.m.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := itemByID(t, job, "h1:c1").Status; got != ItemSkipped {
		t.Errorf("second set = %q, want skipped", got)
	}

	var prefs ContainerPrefs
	if err := h.ca.GetPrefs("h1:c1", &prefs); err != nil {
		t.Fatalf("get prefs: %v", err)
	}
	if !prefs.AutoUpdate {
		t.Error("auto update not persisted")
	}
}

func TestUpdateContainersUsesLatestImage(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "h1", store.ConnLocal)
	err := h.st.UpsertContainerUpdate(context.Background(), &store.ContainerUpdate{
		ContainerID:     "h1:c-old",
		HostID:          "h1",
		CurrentImage:    "nginx:1.24",
		LatestImage:     "nginx:1.25",
		UpdateAvailable: true,
	})
	if err != nil {
		t.Fatalf("seed update: %v", err)
	}

	job, err := h.m.Run(context.Background(), Request{
		Action:  ActionUpdateContainers,
		Targets: []string{"h1:c-old", "h1:c-current"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := itemByID(t, job, "h1:c-old").Status; got != ItemSuccess {
		t.Errorf("outdated item = %q", got)
	}
	if got := itemByID(t, job, "h1:c-current").Status; got != ItemSkipped {
		t.Errorf("up-to-date item = %q, want skipped", got)
	}
	if len(h.updater.requests) != 1 || h.updater.requests[0].NewImage != "nginx:1.25" {
		t.Errorf("updater requests = %+v", h.updater.requests)
	}
}

func TestLifecycleRoutesThroughAgent(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "h2", store.ConnAgent)
	h.gw.agent = &store.Agent{ID: "agent-1", HostID: "h2"}
	h.gw.response = json.RawMessage(`{"skipped":true}`)

	job, err := h.m.Run(context.Background(), Request{
		Action:  ActionStart,
		Targets: []string{"h2:c1"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := itemByID(t, job, "h2:c1").Status; got != ItemSkipped {
		t.Errorf("agent item = %q, want skipped", got)
	}
	if len(h.gw.commands) != 1 || h.gw.commands[0] != "start_container" {
		t.Errorf("commands = %v", h.gw.commands)
	}
}

func TestCheckUpdatesInvokesChecker(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "h1", store.ConnLocal)

	job, err := h.m.Run(context.Background(), Request{
		Action:  ActionCheckUpdates,
		Targets: []string{"h1:c1", "h1:c2"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if job.Counters.Success != 2 {
		t.Errorf("counters = %+v", job.Counters)
	}
	if len(h.checker.checked) != 2 {
		t.Errorf("checked = %v", h.checker.checked)
	}
}

func TestNotifyStreamsItemAndJobUpdates(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "h1", store.ConnLocal)
	h.eng.running["c1"] = false
	h.eng.running["c2"] = false

	if _, err := h.m.Run(context.Background(), Request{
		Action:  ActionStart,
		Targets: []string{"h1:c1", "h1:c2"},
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	items, jobs := 0, 0
	for _, kind := range h.notified {
		switch kind {
		case "batch_item_update":
			items++
		case "batch_job_update":
			jobs++
		}
	}
	// One item update per state transition (running + terminal), one final
	// job update.
	if items < 4 || jobs != 1 {
		t.Errorf("notifications = %v", h.notified)
	}
}

func TestRunValidation(t *testing.T) {
	h := newHarness(t)

	cases := []Request{
		{Action: "explode", Targets: []string{"h1:c1"}},
		{Action: ActionStart},
		{Action: ActionStart, Targets: []string{"no-separator"}},
		{Action: ActionAddTags, Targets: []string{"h1:c1"}},
		{Action: ActionSetDesiredState, Targets: []string{"h1:c1"}, DesiredState: "paused"},
	}
	for i, req := range cases {
		if _, err := h.m.Run(context.Background(), req); !errors.Is(err, derr.ErrValidation) {
			t.Errorf("case %d: err = %v, want validation", i, err)
		}
	}
}

func TestGetReturnsRetainedJob(t *testing.T) {
	h := newHarness(t)
	h.seedHost(t, "h1", store.ConnLocal)
	h.eng.running["c1"] = false

	job, err := h.m.Run(context.Background(), Request{Action: ActionStart, Targets: []string{"h1:c1"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	got, err := h.m.Get(job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != JobCompleted || got.FinishedAt == nil {
		t.Errorf("retained job = %+v", got)
	}
	if _, err := h.m.Get("nope"); !errors.Is(err, derr.ErrNotFound) {
		t.Errorf("unknown job err = %v", err)
	}
}
