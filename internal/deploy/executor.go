package deploy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/store"
)

const (
	defaultHealthTimeout = time.Minute
	defaultAgentTimeout  = 15 * time.Minute
)

// Phase progress spans per service. Each phase ends at its boundary; the
// overall number is the average across all services.
const (
	phasePullEnd   = 40.0
	phaseCreateEnd = 60.0
	phaseStartEnd  = 80.0
	phaseDone      = 100.0
)

// Request describes one stack rollout or teardown.
type Request struct {
	DeploymentID            string        `json:"deployment_id"`
	HostID                  string        `json:"host_id"`
	Project                 string        `json:"project"`
	ComposeYAML             []byte        `json:"compose_yaml"`
	EnvFile                 []byte        `json:"env_file,omitempty"`
	Profiles                []string      `json:"profiles,omitempty"`
	WaitForHealthy          bool          `json:"wait_for_healthy"`
	HealthTimeout           time.Duration `json:"health_timeout"`
	RollbackOnFailure       bool          `json:"rollback_on_failure"`
	RemoveVolumesOnRollback bool          `json:"remove_volumes_on_rollback"`
}

// ServiceResult is the terminal state of one service.
type ServiceResult struct {
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	Image         string `json:"image"`
	Status        string `json:"status"`
}

// Result is the terminal outcome of a deployment. Errors are values, never
// panics.
type Result struct {
	Success        bool                     `json:"success"`
	Partial        bool                     `json:"partial_success,omitempty"`
	RolledBack     bool                     `json:"rolled_back,omitempty"`
	Services       map[string]ServiceResult `json:"services"`
	FailedServices []string                 `json:"failed_services,omitempty"`
	Error          string                   `json:"error,omitempty"`
}

// ProgressFunc receives stage, overall percent (0..100) and a message.
type ProgressFunc func(stage string, percent float64, message string)

// EngineProvider resolves a connected engine client for a host.
type EngineProvider interface {
	Engine(ctx context.Context, hostID string) (docker.API, error)
}

// Executor drives deployments. Direct hosts get the full workflow locally;
// agent hosts receive a single deploy_compose command and stream progress
// back.
type Executor struct {
	engines EngineProvider
	gateway AgentGateway
	store   *store.Store
	log     *logging.Logger
	clk     clock.Clock

	agentTimeout time.Duration
}

// New creates a deployment executor.
func New(engines EngineProvider, gateway AgentGateway, st *store.Store, log *logging.Logger, clk clock.Clock) *Executor {
	return &Executor{
		engines:      engines,
		gateway:      gateway,
		store:        st,
		log:          log.With("component", "deploy"),
		clk:          clk,
		agentTimeout: defaultAgentTimeout,
	}
}

// Deploy executes the rollout to completion and records its lifecycle on
// the deployment row.
func (e *Executor) Deploy(ctx context.Context, req Request, progress ProgressFunc) Result {
	start := e.clk.Now()
	res := e.deploy(ctx, req, progress)
	metrics.DeploymentDuration.Observe(e.clk.Since(start).Seconds())
	switch {
	case res.Success && !res.Partial:
		metrics.DeploymentsTotal.WithLabelValues("completed").Inc()
	case res.Partial:
		metrics.DeploymentsTotal.WithLabelValues("partial").Inc()
	default:
		metrics.DeploymentsTotal.WithLabelValues("failed").Inc()
	}
	return res
}

func (e *Executor) deploy(ctx context.Context, req Request, progress ProgressFunc) Result {
	if progress == nil {
		progress = func(string, float64, string) {}
	}
	if req.HealthTimeout <= 0 {
		req.HealthTimeout = defaultHealthTimeout
	}

	if err := e.store.MarkDeploymentStarted(ctx, req.DeploymentID, e.clk.Now()); err != nil {
		e.log.Warn("mark deployment started failed", "deployment_id", req.DeploymentID, "error", err)
	}

	host, err := e.store.GetHost(ctx, req.HostID)
	if err != nil {
		return e.finishFailed(ctx, req, err.Error())
	}
	if host.ConnectionType == store.ConnAgent {
		return e.deployAgent(ctx, req, progress)
	}

	cf, err := ParseCompose(req.ComposeYAML)
	if err != nil {
		return e.finishFailed(ctx, req, err.Error())
	}
	plan, err := BuildPlan(cf, req.Profiles)
	if err != nil {
		return e.finishFailed(ctx, req, err.Error())
	}
	api, err := e.engines.Engine(ctx, req.HostID)
	if err != nil {
		return e.finishFailed(ctx, req, fmt.Sprintf("connect engine: %v", err))
	}

	return e.deployDirect(ctx, api, req, cf, plan, progress)
}

// createdResources tracks what this deployment brought into being, in
// order, so rollback can undo exactly that and nothing else.
type createdResources struct {
	mu         sync.Mutex
	containers []string
	networks   []string
	volumes    []string
}

func (c *createdResources) addContainer(id string) {
	c.mu.Lock()
	c.containers = append(c.containers, id)
	c.mu.Unlock()
}

func (e *Executor) deployDirect(ctx context.Context, api docker.API, req Request, cf *ComposeFile, plan *Plan, progress ProgressFunc) Result {
	tracker := newTracker(plan.TotalServices(), progress)
	created := &createdResources{}
	results := newResultSet()
	netNames := networkNameMap(cf)

	e.setProgress(ctx, req.DeploymentID, store.DeployExecuting, 0, "creating networks")
	for _, name := range plan.Networks {
		if _, err := api.CreateNetwork(ctx, name); err != nil {
			return e.failAndRollback(ctx, api, req, created, results, fmt.Sprintf("create network %s: %v", name, err))
		}
		created.networks = append(created.networks, name)
	}
	for _, name := range plan.Volumes {
		if err := api.CreateVolume(ctx, name); err != nil {
			return e.failAndRollback(ctx, api, req, created, results, fmt.Sprintf("create volume %s: %v", name, err))
		}
		created.volumes = append(created.volumes, name)
	}

	for _, group := range plan.Groups {
		e.setProgress(ctx, req.DeploymentID, store.DeployPullingImage, int(tracker.overall()), "deploying "+strings.Join(group, ", "))

		g, gctx := errgroup.WithContext(ctx)
		for _, svcName := range group {
			g.Go(func() error {
				return e.deployService(gctx, api, req, plan, netNames, svcName, tracker, created, results)
			})
		}
		if err := g.Wait(); err != nil {
			return e.failAndRollback(ctx, api, req, created, results, err.Error())
		}

		if !req.WaitForHealthy {
			for _, svcName := range group {
				results.setStatus(svcName, "running")
				tracker.set(svcName, phaseDone, "start", svcName+" started")
			}
			continue
		}

		// Everything in the group is up; gate on readiness before the next
		// group starts depending on it.
		e.setProgress(ctx, req.DeploymentID, store.DeployWaitingForHealth, int(tracker.overall()), "waiting for health")
		h, hctx := errgroup.WithContext(ctx)
		for _, svcName := range group {
			h.Go(func() error {
				id := results.get(svcName).ContainerID
				if err := docker.WaitForHealthy(hctx, api, id, req.HealthTimeout); err != nil {
					results.setStatus(svcName, "unhealthy")
					return fmt.Errorf("service %s: %w", svcName, err)
				}
				results.setStatus(svcName, "running")
				tracker.set(svcName, phaseDone, "health", svcName+" ready")
				return nil
			})
		}
		if err := h.Wait(); err != nil {
			return e.failAndRollback(ctx, api, req, created, results, err.Error())
		}
	}

	if err := e.store.FinishDeployment(ctx, req.DeploymentID, store.DeployCompleted, "", true, e.clk.Now()); err != nil {
		e.log.Warn("finish deployment failed", "deployment_id", req.DeploymentID, "error", err)
	}
	progress("done", 100, "deployment complete")
	e.log.Info("deployment complete", "deployment_id", req.DeploymentID, "services", plan.TotalServices())
	return Result{Success: true, Services: results.snapshot()}
}

// deployService runs pull, create, start for one service.
func (e *Executor) deployService(ctx context.Context, api docker.API, req Request, plan *Plan, netNames map[string]string, svcName string, tracker *progressTracker, created *createdResources, results *resultSet) error {
	svc := plan.Services[svcName]

	if err := api.PullImage(ctx, svc.Image, func(p docker.Progress) {
		tracker.set(svcName, p.Percent*phasePullEnd/100, "pull", svcName+": "+p.Status)
	}); err != nil {
		results.fail(svcName, svc.Image)
		return fmt.Errorf("pull %s for %s: %w", svc.Image, svcName, err)
	}
	tracker.set(svcName, phasePullEnd, "pull", svcName+": image ready")

	spec, err := buildSpec(req.Project, svcName, svc, netNames)
	if err != nil {
		results.fail(svcName, svc.Image)
		return err
	}
	id, err := api.CreateContainer(ctx, spec.Name, spec.Config, spec.HostCfg, spec.NetCfg)
	if err != nil {
		results.fail(svcName, svc.Image)
		return fmt.Errorf("create %s: %w", svcName, err)
	}
	created.addContainer(id)
	results.put(svcName, ServiceResult{ContainerID: id, ContainerName: spec.Name, Image: svc.Image, Status: "created"})
	tracker.set(svcName, phaseCreateEnd, "create", svcName+" created")

	if err := api.StartContainer(ctx, id); err != nil {
		results.setStatus(svcName, "failed")
		return fmt.Errorf("start %s: %w", svcName, err)
	}
	results.setStatus(svcName, "started")
	tracker.set(svcName, phaseStartEnd, "start", svcName+" started")
	return nil
}

// failAndRollback tears down everything this deployment created, in reverse
// order, unless rollback is disabled. External networks are untouched by
// construction: they are never in the created set.
func (e *Executor) failAndRollback(ctx context.Context, api docker.API, req Request, created *createdResources, results *resultSet, cause string) Result {
	e.log.Error("deployment failed", "deployment_id", req.DeploymentID, "error", cause)

	res := Result{
		Services:       results.snapshot(),
		FailedServices: results.failed(),
		Error:          cause,
	}
	res.Partial = len(res.Services) > len(res.FailedServices)

	if !req.RollbackOnFailure {
		if err := e.store.FinishDeployment(ctx, req.DeploymentID, store.DeployFailed, cause, false, e.clk.Now()); err != nil {
			e.log.Warn("finish deployment failed", "deployment_id", req.DeploymentID, "error", err)
		}
		return res
	}

	e.setProgress(ctx, req.DeploymentID, store.DeployExecuting, 0, "rolling back")
	for i := len(created.containers) - 1; i >= 0; i-- {
		id := created.containers[i]
		if err := api.StopContainer(ctx, id, 10); err != nil {
			e.log.Warn("rollback stop failed", "container", id, "error", err)
		}
		if err := api.RemoveContainer(ctx, id); err != nil {
			e.log.Warn("rollback remove failed", "container", id, "error", err)
		}
	}
	for i := len(created.networks) - 1; i >= 0; i-- {
		if err := api.RemoveNetwork(ctx, created.networks[i]); err != nil {
			e.log.Warn("rollback network remove failed", "network", created.networks[i], "error", err)
		}
	}
	if req.RemoveVolumesOnRollback {
		for i := len(created.volumes) - 1; i >= 0; i-- {
			if err := api.RemoveVolume(ctx, created.volumes[i]); err != nil {
				e.log.Warn("rollback volume remove failed", "volume", created.volumes[i], "error", err)
			}
		}
	}

	if err := e.store.FinishDeployment(ctx, req.DeploymentID, store.DeployRolledBack, cause, false, e.clk.Now()); err != nil {
		e.log.Warn("finish deployment failed", "deployment_id", req.DeploymentID, "error", err)
	}
	res.RolledBack = true
	res.Partial = false
	return res
}

// Teardown removes a previously deployed stack: services in reverse
// dependency order, then created networks and, when asked, volumes.
// External networks are never removed.
func (e *Executor) Teardown(ctx context.Context, req Request, removeVolumes bool) error {
	host, err := e.store.GetHost(ctx, req.HostID)
	if err != nil {
		return err
	}
	if host.ConnectionType == store.ConnAgent {
		return e.teardownAgent(ctx, req, removeVolumes)
	}

	cf, err := ParseCompose(req.ComposeYAML)
	if err != nil {
		return err
	}
	plan, err := BuildPlan(cf, req.Profiles)
	if err != nil {
		return err
	}
	api, err := e.engines.Engine(ctx, req.HostID)
	if err != nil {
		return err
	}
	netNames := networkNameMap(cf)

	for i := len(plan.Groups) - 1; i >= 0; i-- {
		for _, svcName := range plan.Groups[i] {
			spec, err := buildSpec(req.Project, svcName, plan.Services[svcName], netNames)
			if err != nil {
				return err
			}
			if err := api.StopContainer(ctx, spec.Name, 10); err != nil {
				e.log.Warn("teardown stop failed", "container", spec.Name, "error", err)
			}
			if err := api.RemoveContainer(ctx, spec.Name); err != nil {
				e.log.Warn("teardown remove failed", "container", spec.Name, "error", err)
			}
		}
	}
	for _, name := range plan.Networks {
		if err := api.RemoveNetwork(ctx, name); err != nil {
			e.log.Warn("teardown network remove failed", "network", name, "error", err)
		}
	}
	if removeVolumes {
		for _, name := range plan.Volumes {
			if err := api.RemoveVolume(ctx, name); err != nil {
				e.log.Warn("teardown volume remove failed", "volume", name, "error", err)
			}
		}
	}
	return nil
}

// Delete removes a deployment record. Only terminal deployments, or plans
// that never executed, may go; anything in flight is a conflict.
func (e *Executor) Delete(ctx context.Context, deploymentID string) error {
	return e.store.DeleteDeployment(ctx, deploymentID)
}

func (e *Executor) finishFailed(ctx context.Context, req Request, cause string) Result {
	e.log.Error("deployment failed before execution", "deployment_id", req.DeploymentID, "error", cause)
	if err := e.store.FinishDeployment(ctx, req.DeploymentID, store.DeployFailed, cause, false, e.clk.Now()); err != nil {
		e.log.Warn("finish deployment failed", "deployment_id", req.DeploymentID, "error", err)
	}
	return Result{Error: cause}
}

func (e *Executor) setProgress(ctx context.Context, deploymentID, status string, percent int, stage string) {
	if err := e.store.SetDeploymentProgress(ctx, deploymentID, status, percent, stage); err != nil {
		e.log.Warn("deployment progress write failed", "deployment_id", deploymentID, "error", err)
	}
}

// progressTracker aggregates per-service phase progress into one overall
// non-decreasing percentage.
type progressTracker struct {
	mu    sync.Mutex
	per   map[string]float64
	total int
	last  float64
	emit  ProgressFunc
}

func newTracker(total int, emit ProgressFunc) *progressTracker {
	if total < 1 {
		total = 1
	}
	return &progressTracker{per: make(map[string]float64), total: total, emit: emit}
}

// set records a per-service phase position and emits the new overall
// percentage. Emission happens under the lock so samples reach the sink in
// non-decreasing order even when groups run in parallel.
func (t *progressTracker) set(service string, pct float64, stage, msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pct > t.per[service] {
		t.per[service] = pct
	}
	sum := 0.0
	for _, v := range t.per {
		sum += v
	}
	overall := sum / float64(t.total)
	if overall < t.last {
		overall = t.last
	}
	t.last = overall
	t.emit(stage, overall, msg)
}

func (t *progressTracker) overall() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// resultSet is the concurrency-safe per-service outcome map.
type resultSet struct {
	mu       sync.Mutex
	services map[string]ServiceResult
	failures []string
}

func newResultSet() *resultSet {
	return &resultSet{services: make(map[string]ServiceResult)}
}

func (r *resultSet) put(name string, sr ServiceResult) {
	r.mu.Lock()
	r.services[name] = sr
	r.mu.Unlock()
}

func (r *resultSet) get(name string) ServiceResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.services[name]
}

func (r *resultSet) setStatus(name, status string) {
	r.mu.Lock()
	sr := r.services[name]
	sr.Status = status
	r.services[name] = sr
	r.mu.Unlock()
}

func (r *resultSet) fail(name, image string) {
	r.mu.Lock()
	sr, ok := r.services[name]
	if !ok {
		sr = ServiceResult{Image: image}
	}
	sr.Status = "failed"
	r.services[name] = sr
	r.failures = append(r.failures, name)
	r.mu.Unlock()
}

func (r *resultSet) failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.failures))
	out = append(out, r.failures...)
	for name, sr := range r.services {
		if sr.Status == "unhealthy" || sr.Status == "failed" {
			found := false
			for _, f := range out {
				if f == name {
					found = true
				}
			}
			if !found {
				out = append(out, name)
			}
		}
	}
	return out
}

func (r *resultSet) snapshot() map[string]ServiceResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]ServiceResult, len(r.services))
	for k, v := range r.services {
		out[k] = v
	}
	return out
}
