package updates

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/agents"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/registry"
)

// updateCommand is the payload of the update_container agent command.
type updateCommand struct {
	UpdateID      string `json:"update_id"`
	ContainerID   string `json:"container_id"`
	NewImage      string `json:"new_image"`
	StopTimeout   int    `json:"stop_timeout"`
	HealthTimeout int    `json:"health_timeout"` // seconds
}

// runAgent delegates the whole update to the hosting agent and waits for its
// completion event. The waiter is registered before the command is sent so
// the completion cannot slip past us.
func (e *Executor) runAgent(ctx context.Context, req Request, progress ProgressFunc) Result {
	composite := CompositeID(req.HostID, req.ContainerID)
	scope := events.Scope{HostID: req.HostID, ContainerID: req.ContainerID, ContainerName: req.ContainerName}

	agent, err := e.gateway.AgentForHost(ctx, req.HostID)
	if err != nil {
		return Result{Error: err.Error()}
	}

	pending := &PendingUpdate{
		HostID:        req.HostID,
		ContainerID:   req.ContainerID,
		ContainerName: req.ContainerName,
		done:          make(chan agentOutcome, 1),
	}
	e.pendingMu.Lock()
	e.pending[composite] = pending
	e.pendingMu.Unlock()
	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, composite)
		e.pendingMu.Unlock()
	}()

	updateID := uuid.NewString()
	unwatch := e.gateway.WatchProgress(updateID, func(p agents.ProgressPayload) {
		progress(p.Stage, p.Progress, p.Message)
	})
	defer unwatch()

	e.bus.Emit(ctx, events.Event{Type: events.TypeUpdateStarted, Scope: scope, Message: "updating to " + req.NewImage})
	progress("dispatch", 2, "sending update to agent")

	cmd := updateCommand{
		UpdateID:      updateID,
		ContainerID:   req.ContainerID,
		NewImage:      req.NewImage,
		StopTimeout:   req.StopTimeout,
		HealthTimeout: int(req.HealthTimeout.Seconds()),
	}
	if _, err := e.gateway.ExecuteCommand(ctx, agent.ID, "update_container", cmd, 0); err != nil {
		e.bus.Emit(ctx, events.Event{Type: events.TypeUpdateFailed, Scope: scope, Message: err.Error()})
		return Result{Error: err.Error()}
	}

	select {
	case out := <-pending.done:
		if out.err != "" {
			return Result{Error: out.err}
		}
		digest := ""
		if err := e.store.SetCurrentImage(ctx, composite, req.NewImage, digest); err != nil {
			e.log.Warn("record current image failed", "container", composite, "error", err)
		}
		progress("done", 100, "update complete")
		return Result{Success: true, NewContainerID: out.newContainerID}
	case <-ctx.Done():
		return Result{Error: ctx.Err().Error()}
	case <-e.clk.After(e.agentTimeout):
		err := fmt.Sprintf("agent update of %s timed out after %s", req.ContainerName, e.agentTimeout)
		e.bus.Emit(ctx, events.Event{Type: events.TypeUpdateFailed, Scope: scope, Message: err})
		return Result{Error: err}
	}
}

// onAgentUpdateEvent resolves the pending waiter matching a completion or
// failure event. Direct-path updates emit the same event types but never
// register a waiter, so they pass through untouched.
func (e *Executor) onAgentUpdateEvent(evt events.Event) {
	composite := CompositeID(evt.Scope.HostID, evt.Scope.ContainerID)
	e.pendingMu.Lock()
	pending := e.pending[composite]
	if pending != nil {
		delete(e.pending, composite)
	}
	e.pendingMu.Unlock()
	if pending == nil {
		return
	}

	var out agentOutcome
	if evt.Type == events.TypeUpdateFailed {
		out.err = evt.Message
		if msg, ok := evt.Data["error"].(string); ok && msg != "" {
			out.err = msg
		}
		if out.err == "" {
			out.err = "agent reported update failure"
		}
	} else {
		if id, ok := evt.Data["new_container_id"].(string); ok {
			out.newContainerID = id
		}
	}
	pending.done <- out
}

// runSelfUpdate upgrades the agent itself. The container id does not change;
// success is the agent reconnecting with the target version.
func (e *Executor) runSelfUpdate(ctx context.Context, req Request, progress ProgressFunc) Result {
	composite := CompositeID(req.HostID, req.ContainerID)
	scope := events.Scope{HostID: req.HostID, ContainerID: req.ContainerID, ContainerName: req.ContainerName}

	agent, err := e.gateway.AgentForHost(ctx, req.HostID)
	if err != nil {
		return Result{Error: err.Error()}
	}

	payload := agents.SelfUpdatePayload{
		Image:   req.NewImage,
		Version: registry.Parse(req.NewImage).Tag,
	}
	if rel, err := e.releases(ctx, agent.OS, agent.Arch); err == nil {
		payload.BinaryURL = rel.BinaryURL
		payload.Checksum = rel.Checksum
	} else {
		e.log.Warn("agent release lookup failed, updating without checksum", "error", err)
	}

	e.bus.Emit(ctx, events.Event{Type: events.TypeUpdateStarted, Scope: scope, Message: "agent self update to " + payload.Version})
	progress("self_update", 10, "waiting for agent to restart")

	if err := e.gateway.SelfUpdate(ctx, agent.ID, payload); err != nil {
		e.bus.Emit(ctx, events.Event{Type: events.TypeUpdateFailed, Scope: scope, Message: err.Error()})
		return Result{Error: err.Error()}
	}

	if err := e.store.SetCurrentImage(ctx, composite, req.NewImage, ""); err != nil {
		e.log.Warn("record agent image failed", "container", composite, "error", err)
	}
	e.bus.Emit(ctx, events.Event{
		Type:    events.TypeUpdateCompleted,
		Scope:   scope,
		Message: "agent updated to " + payload.Version,
	})
	progress("done", 100, "agent updated")
	return Result{Success: true, NewContainerID: req.ContainerID}
}
