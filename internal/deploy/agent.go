package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/darthnorse/dockmon/internal/agents"
	"github.com/darthnorse/dockmon/internal/store"
)

// AgentGateway is the slice of the agent coordinator the deployer needs.
type AgentGateway interface {
	AgentForHost(ctx context.Context, hostID string) (*store.Agent, error)
	ExecuteCommand(ctx context.Context, agentID, command string, payload any, timeout time.Duration) (json.RawMessage, error)
	WatchProgress(id string, sink func(agents.ProgressPayload)) func()
}

// deployCommand is the payload of the deploy_compose and teardown_compose
// agent commands. The agent runs the same workflow locally and streams
// progress frames keyed by deployment id.
type deployCommand struct {
	DeploymentID         string   `json:"deployment_id"`
	Project              string   `json:"project"`
	ComposeYAML          string   `json:"compose_yaml"`
	EnvFile              string   `json:"env_file,omitempty"`
	Profiles             []string `json:"profiles,omitempty"`
	WaitForHealthy       bool     `json:"wait_for_healthy"`
	HealthTimeoutSeconds int      `json:"health_timeout_seconds"`
	RollbackOnFailure    bool     `json:"rollback_on_failure"`
	RemoveVolumes        bool     `json:"remove_volumes,omitempty"`
}

func agentCommand(req Request) deployCommand {
	return deployCommand{
		DeploymentID:         req.DeploymentID,
		Project:              req.Project,
		ComposeYAML:          string(req.ComposeYAML),
		EnvFile:              string(req.EnvFile),
		Profiles:             req.Profiles,
		WaitForHealthy:       req.WaitForHealthy,
		HealthTimeoutSeconds: int(req.HealthTimeout / time.Second),
		RollbackOnFailure:    req.RollbackOnFailure,
	}
}

func (e *Executor) deployAgent(ctx context.Context, req Request, progress ProgressFunc) Result {
	agent, err := e.gateway.AgentForHost(ctx, req.HostID)
	if err != nil {
		return e.finishFailed(ctx, req, err.Error())
	}

	unwatch := e.gateway.WatchProgress(req.DeploymentID, func(p agents.ProgressPayload) {
		progress(p.Stage, p.Progress, p.Message)
		e.setProgress(ctx, req.DeploymentID, stageStatus(p.Stage), int(p.Progress), p.Stage)
	})
	defer unwatch()

	e.setProgress(ctx, req.DeploymentID, store.DeployExecuting, 0, "dispatched to agent")
	raw, err := e.gateway.ExecuteCommand(ctx, agent.ID, "deploy_compose", agentCommand(req), e.agentTimeout)
	if err != nil {
		return e.finishFailed(ctx, req, err.Error())
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return e.finishFailed(ctx, req, fmt.Sprintf("malformed agent response: %v", err))
	}

	// rolled_back is the agent's own attestation; a failure without it is
	// recorded as failed even when rollback was requested.
	status := store.DeployCompleted
	switch {
	case res.Success:
	case res.RolledBack:
		status = store.DeployRolledBack
	default:
		status = store.DeployFailed
	}
	if err := e.store.FinishDeployment(ctx, req.DeploymentID, status, res.Error, res.Success, e.clk.Now()); err != nil {
		e.log.Warn("finish deployment failed", "deployment_id", req.DeploymentID, "error", err)
	}
	if res.Success {
		progress("done", 100, "deployment complete")
	}
	return res
}

// teardownAgent mirrors the create command, profiles included, so the
// agent resolves the same service set it deployed.
func (e *Executor) teardownAgent(ctx context.Context, req Request, removeVolumes bool) error {
	agent, err := e.gateway.AgentForHost(ctx, req.HostID)
	if err != nil {
		return err
	}
	cmd := agentCommand(req)
	cmd.RemoveVolumes = removeVolumes
	_, err = e.gateway.ExecuteCommand(ctx, agent.ID, "teardown_compose", cmd, e.agentTimeout)
	return err
}

// stageStatus maps agent progress stages onto deployment row statuses.
func stageStatus(stage string) string {
	switch stage {
	case "pull":
		return store.DeployPullingImage
	case "health":
		return store.DeployWaitingForHealth
	default:
		return store.DeployExecuting
	}
}
