package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/updates"
)

const (
	defaultStopTimeout  = 10
	agentCommandTimeout = 2 * time.Minute
)

// execute performs one item and reports whether it was an idempotent skip.
func (m *Manager) execute(ctx context.Context, req Request, item Item) (bool, error) {
	switch req.Action {
	case ActionStart, ActionStop, ActionRestart, ActionDeleteContainers:
		return m.executeLifecycle(ctx, req, item)
	case ActionAddTags, ActionRemoveTags, ActionSetAutoRestart, ActionSetAutoUpdate, ActionSetDesiredState:
		return m.executePrefs(req, item)
	case ActionCheckUpdates:
		_, err := m.checker.Check(ctx, item.HostID, item.ContainerID)
		return false, err
	case ActionUpdateContainers:
		return m.executeUpdate(ctx, req, item)
	}
	return false, derr.Validationf("unknown batch action %q", req.Action)
}

func (m *Manager) executeLifecycle(ctx context.Context, req Request, item Item) (bool, error) {
	host, err := m.st.GetHost(ctx, item.HostID)
	if err != nil {
		return false, err
	}
	if host.ConnectionType == store.ConnAgent {
		return m.lifecycleViaAgent(ctx, req, item)
	}

	api, err := m.engines.Engine(ctx, item.HostID)
	if err != nil {
		return false, err
	}

	timeout := req.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	info, inspectErr := api.InspectContainer(ctx, item.ContainerID)
	running := inspectErr == nil && info.State != nil && info.State.Running

	switch req.Action {
	case ActionStart:
		if inspectErr != nil {
			return false, inspectErr
		}
		if running {
			return true, nil
		}
		return false, api.StartContainer(ctx, item.ContainerID)
	case ActionStop:
		if inspectErr != nil {
			return false, inspectErr
		}
		if !running {
			return true, nil
		}
		return false, api.StopContainer(ctx, item.ContainerID, timeout)
	case ActionRestart:
		if inspectErr != nil {
			return false, inspectErr
		}
		return false, api.RestartContainer(ctx, item.ContainerID)
	case ActionDeleteContainers:
		// Already gone counts as done.
		if inspectErr != nil {
			return true, nil
		}
		if running {
			if err := api.StopContainer(ctx, item.ContainerID, timeout); err != nil {
				return false, fmt.Errorf("stop before delete: %w", err)
			}
		}
		return false, api.RemoveContainer(ctx, item.ContainerID)
	}
	return false, derr.Validationf("action %q is not a lifecycle action", req.Action)
}

// lifecycleCommand is the agent payload for container lifecycle actions.
type lifecycleCommand struct {
	ContainerID string `json:"container_id"`
	StopTimeout int    `json:"stop_timeout,omitempty"`
}

// lifecycleResponse is the agent's answer. Agents perform the idempotency
// check locally and report skips.
type lifecycleResponse struct {
	Skipped bool `json:"skipped,omitempty"`
}

var agentLifecycleCommands = map[Action]string{
	ActionStart:            "start_container",
	ActionStop:             "stop_container",
	ActionRestart:          "restart_container",
	ActionDeleteContainers: "remove_container",
}

func (m *Manager) lifecycleViaAgent(ctx context.Context, req Request, item Item) (bool, error) {
	agent, err := m.gateway.AgentForHost(ctx, item.HostID)
	if err != nil {
		return false, err
	}
	cmd := agentLifecycleCommands[req.Action]
	raw, err := m.gateway.ExecuteCommand(ctx, agent.ID, cmd, lifecycleCommand{
		ContainerID: item.ContainerID,
		StopTimeout: req.StopTimeout,
	}, agentCommandTimeout)
	if err != nil {
		return false, err
	}
	var resp lifecycleResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &resp); err != nil {
			return false, fmt.Errorf("malformed agent response: %w", err)
		}
	}
	return resp.Skipped, nil
}

func (m *Manager) executePrefs(req Request, item Item) (bool, error) {
	var prefs ContainerPrefs
	if err := m.cache.GetPrefs(item.ID, &prefs); err != nil && !errors.Is(err, derr.ErrNotFound) {
		return false, err
	}

	changed := false
	switch req.Action {
	case ActionAddTags:
		for _, tag := range req.Tags {
			if !slices.Contains(prefs.Tags, tag) {
				prefs.Tags = append(prefs.Tags, tag)
				changed = true
			}
		}
		slices.Sort(prefs.Tags)
	case ActionRemoveTags:
		kept := prefs.Tags[:0]
		for _, tag := range prefs.Tags {
			if slices.Contains(req.Tags, tag) {
				changed = true
				continue
			}
			kept = append(kept, tag)
		}
		prefs.Tags = kept
	case ActionSetAutoRestart:
		changed = prefs.AutoRestart != req.Enabled
		prefs.AutoRestart = req.Enabled
	case ActionSetAutoUpdate:
		changed = prefs.AutoUpdate != req.Enabled
		prefs.AutoUpdate = req.Enabled
	case ActionSetDesiredState:
		changed = prefs.DesiredState != req.DesiredState
		prefs.DesiredState = req.DesiredState
	}

	if !changed {
		return true, nil
	}
	return false, m.cache.PutPrefs(item.ID, prefs)
}

func (m *Manager) executeUpdate(ctx context.Context, req Request, item Item) (bool, error) {
	u, err := m.st.GetContainerUpdate(ctx, item.ID)
	if errors.Is(err, derr.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	if !u.UpdateAvailable || u.LatestImage == "" {
		return true, nil
	}

	res := m.updater.Run(ctx, updates.Request{
		HostID:      item.HostID,
		ContainerID: item.ContainerID,
		NewImage:    u.LatestImage,
		StopTimeout: req.StopTimeout,
	}, nil)
	if !res.Success {
		return false, fmt.Errorf("update to %s failed: %s", u.LatestImage, res.Error)
	}
	return false, nil
}
