// Package batch runs bulk container actions across hosts, bounded by
// per-host concurrency caps.
package batch

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/darthnorse/dockmon/internal/cache"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/updates"
)

// Action is one supported bulk operation.
type Action string

const (
	ActionStart            Action = "start"
	ActionStop             Action = "stop"
	ActionRestart          Action = "restart"
	ActionAddTags          Action = "add-tags"
	ActionRemoveTags       Action = "remove-tags"
	ActionSetAutoRestart   Action = "set-auto-restart"
	ActionSetAutoUpdate    Action = "set-auto-update"
	ActionSetDesiredState  Action = "set-desired-state"
	ActionCheckUpdates     Action = "check-updates"
	ActionDeleteContainers Action = "delete-containers"
	ActionUpdateContainers Action = "update-containers"
)

func validAction(a Action) bool {
	switch a {
	case ActionStart, ActionStop, ActionRestart, ActionAddTags, ActionRemoveTags,
		ActionSetAutoRestart, ActionSetAutoUpdate, ActionSetDesiredState,
		ActionCheckUpdates, ActionDeleteContainers, ActionUpdateContainers:
		return true
	}
	return false
}

// Item statuses.
const (
	ItemPending = "pending"
	ItemRunning = "running"
	ItemSuccess = "success"
	ItemError   = "error"
	ItemSkipped = "skipped"
)

// Job statuses.
const (
	JobRunning   = "running"
	JobCompleted = "completed"
	JobPartial   = "partial"
	JobFailed    = "failed"
)

const defaultPerHostLimit = 5

// Request describes one batch job. Targets are composite
// {host_id}:{container_id} identifiers.
type Request struct {
	Action       Action   `json:"action"`
	Targets      []string `json:"ids"`
	Tags         []string `json:"tags,omitempty"`
	Enabled      bool     `json:"enabled,omitempty"`
	DesiredState string   `json:"desired_state,omitempty"`
	StopTimeout  int      `json:"stop_timeout,omitempty"`
}

// Item is the state of one batch target.
type Item struct {
	ID          string `json:"id"`
	HostID      string `json:"host_id"`
	ContainerID string `json:"container_id"`
	Status      string `json:"status"`
	Message     string `json:"message,omitempty"`
}

// Counters is the running tally of a job.
type Counters struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Success   int `json:"success"`
	Error     int `json:"error"`
	Skipped   int `json:"skipped"`
}

// Job is one batch job with its items and counters.
type Job struct {
	ID         string     `json:"id"`
	Action     Action     `json:"action"`
	Status     string     `json:"status"`
	Items      []Item     `json:"items"`
	Counters   Counters   `json:"counters"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// ContainerPrefs are the per-container preferences bulk actions mutate.
// They live in the blob cache keyed by composite container id.
type ContainerPrefs struct {
	Tags         []string `json:"tags,omitempty"`
	AutoRestart  bool     `json:"auto_restart"`
	AutoUpdate   bool     `json:"auto_update"`
	DesiredState string   `json:"desired_state,omitempty"`
}

// EngineProvider resolves a connected engine client for a host.
type EngineProvider interface {
	Engine(ctx context.Context, hostID string) (docker.API, error)
}

// AgentGateway routes commands to agent-backed hosts.
type AgentGateway interface {
	AgentForHost(ctx context.Context, hostID string) (*store.Agent, error)
	ExecuteCommand(ctx context.Context, agentID, command string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Updater performs a single-container update.
type Updater interface {
	Run(ctx context.Context, req updates.Request, progress updates.ProgressFunc) updates.Result
}

// UpdateChecker reports whether a newer image is available for a container.
type UpdateChecker interface {
	Check(ctx context.Context, hostID, containerID string) (bool, error)
}

// NotifyFunc receives batch_item_update and batch_job_update payloads for
// the UI socket fan-out.
type NotifyFunc func(msgType string, data any)

// Manager executes batch jobs and retains them for status queries.
type Manager struct {
	engines EngineProvider
	gateway AgentGateway
	st      *store.Store
	cache   *cache.Cache
	updater Updater
	checker UpdateChecker
	bus     *events.Bus
	log     *logging.Logger
	clk     clock.Clock
	notify  NotifyFunc

	perHostLimit int64

	mu   sync.Mutex
	jobs map[string]*Job
	sems map[string]*semaphore.Weighted
}

// New creates a batch manager. notify may be nil.
func New(engines EngineProvider, gateway AgentGateway, st *store.Store, ca *cache.Cache, updater Updater, checker UpdateChecker, bus *events.Bus, log *logging.Logger, clk clock.Clock, notify NotifyFunc) *Manager {
	if notify == nil {
		notify = func(string, any) {}
	}
	return &Manager{
		engines:      engines,
		gateway:      gateway,
		st:           st,
		cache:        ca,
		updater:      updater,
		checker:      checker,
		bus:          bus,
		log:          log.With("component", "batch"),
		clk:          clk,
		notify:       notify,
		perHostLimit: defaultPerHostLimit,
		jobs:         make(map[string]*Job),
		sems:         make(map[string]*semaphore.Weighted),
	}
}

// Get returns a snapshot of a job by id.
func (m *Manager) Get(jobID string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return Job{}, derr.NotFoundf("batch job %s", jobID)
	}
	return snapshotLocked(job), nil
}

// List returns snapshots of all retained jobs.
func (m *Manager) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, snapshotLocked(job))
	}
	return out
}

// Run validates and executes a batch job to completion. Items run
// concurrently, throttled by a per-host semaphore.
func (m *Manager) Run(ctx context.Context, req Request) (Job, error) {
	job, err := m.prepare(req)
	if err != nil {
		return Job{}, err
	}
	m.run(ctx, req, job)
	return m.Get(job.ID)
}

// Start validates the request and runs the job in the background. The
// returned snapshot carries the job ID; progress flows through the notify
// stream and Get/List.
func (m *Manager) Start(ctx context.Context, req Request) (Job, error) {
	job, err := m.prepare(req)
	if err != nil {
		return Job{}, err
	}
	go m.run(context.WithoutCancel(ctx), req, job)
	return m.Get(job.ID)
}

func (m *Manager) prepare(req Request) (*Job, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	job := &Job{
		ID:        uuid.NewString(),
		Action:    req.Action,
		Status:    JobRunning,
		StartedAt: m.clk.Now(),
	}
	for _, target := range req.Targets {
		hostID, containerID, _ := strings.Cut(target, ":")
		job.Items = append(job.Items, Item{
			ID:          target,
			HostID:      hostID,
			ContainerID: containerID,
			Status:      ItemPending,
		})
	}
	job.Counters.Total = len(job.Items)

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()
	return job, nil
}

func (m *Manager) run(ctx context.Context, req Request, job *Job) {
	m.bus.Emit(ctx, events.Event{
		Type:     events.TypeBatchJobStarted,
		Severity: "info",
		Title:    "Batch job started",
		Message:  string(req.Action),
		Data:     map[string]any{"job_id": job.ID, "action": string(req.Action), "total": job.Counters.Total},
	})

	var wg sync.WaitGroup
	for i := range job.Items {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			m.runItem(ctx, req, job, idx)
		}(i)
	}
	wg.Wait()

	m.finish(ctx, job)
}

func (m *Manager) runItem(ctx context.Context, req Request, job *Job, idx int) {
	hostID := job.Items[idx].HostID

	sem := m.hostSem(hostID)
	if err := sem.Acquire(ctx, 1); err != nil {
		m.setItem(job, idx, ItemError, err.Error())
		return
	}
	defer sem.Release(1)

	m.setItem(job, idx, ItemRunning, "")

	m.mu.Lock()
	item := job.Items[idx]
	m.mu.Unlock()

	skipped, err := m.execute(ctx, req, item)
	switch {
	case err != nil:
		m.setItem(job, idx, ItemError, err.Error())
	case skipped:
		m.setItem(job, idx, ItemSkipped, "already in target state")
	default:
		m.setItem(job, idx, ItemSuccess, "")
	}
}

// setItem updates one item, folds terminal statuses into the counters and
// emits batch_item_update.
func (m *Manager) setItem(job *Job, idx int, status, message string) {
	m.mu.Lock()
	job.Items[idx].Status = status
	job.Items[idx].Message = message
	switch status {
	case ItemSuccess:
		job.Counters.Completed++
		job.Counters.Success++
	case ItemError:
		job.Counters.Completed++
		job.Counters.Error++
	case ItemSkipped:
		job.Counters.Completed++
		job.Counters.Skipped++
	}
	item := job.Items[idx]
	counters := job.Counters
	m.mu.Unlock()

	m.notify("batch_item_update", map[string]any{
		"job_id":   job.ID,
		"item":     item,
		"counters": counters,
	})
}

func (m *Manager) finish(ctx context.Context, job *Job) {
	m.mu.Lock()
	c := job.Counters
	switch {
	case c.Error == 0:
		job.Status = JobCompleted
	case c.Success > 0 || c.Skipped > 0:
		job.Status = JobPartial
	default:
		job.Status = JobFailed
	}
	now := m.clk.Now()
	job.FinishedAt = &now
	view := snapshotLocked(job)
	m.mu.Unlock()

	metrics.BatchJobsTotal.WithLabelValues(view.Status).Inc()
	m.notify("batch_job_update", view)

	evtType := events.TypeBatchJobCompleted
	severity := "info"
	if view.Status == JobFailed {
		evtType = events.TypeBatchJobFailed
		severity = "warning"
	}
	m.bus.Emit(ctx, events.Event{
		Type:     evtType,
		Severity: severity,
		Title:    "Batch job " + view.Status,
		Message:  string(job.Action),
		Data: map[string]any{
			"job_id": job.ID, "action": string(job.Action), "status": view.Status,
			"total": c.Total, "success": c.Success, "error": c.Error, "skipped": c.Skipped,
		},
	})
	m.log.Info("batch job finished", "job_id", job.ID, "action", job.Action,
		"status", view.Status, "success", c.Success, "error", c.Error, "skipped", c.Skipped)
}

func (m *Manager) hostSem(hostID string) *semaphore.Weighted {
	m.mu.Lock()
	defer m.mu.Unlock()
	sem, ok := m.sems[hostID]
	if !ok {
		sem = semaphore.NewWeighted(m.perHostLimit)
		m.sems[hostID] = sem
	}
	return sem
}

func snapshotLocked(job *Job) Job {
	out := *job
	out.Items = append([]Item(nil), job.Items...)
	return out
}

func validateRequest(req Request) error {
	if !validAction(req.Action) {
		return derr.Validationf("unknown batch action %q", req.Action)
	}
	if len(req.Targets) == 0 {
		return derr.Validationf("batch job has no targets")
	}
	for _, target := range req.Targets {
		host, ctr, ok := strings.Cut(target, ":")
		if !ok || host == "" || ctr == "" {
			return derr.Validationf("malformed target %q, want host_id:container_id", target)
		}
	}
	switch req.Action {
	case ActionAddTags, ActionRemoveTags:
		if len(req.Tags) == 0 {
			return derr.Validationf("%s requires tags", req.Action)
		}
	case ActionSetDesiredState:
		if req.DesiredState != "running" && req.DesiredState != "stopped" {
			return derr.Validationf("desired state must be running or stopped, got %q", req.DesiredState)
		}
	}
	return nil
}
