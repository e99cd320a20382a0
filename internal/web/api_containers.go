package web

import (
	"net/http"
	"strconv"
	"time"

	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/store"
)

const (
	defaultStopTimeout  = 10
	defaultLogLines     = 200
	agentCommandTimeout = 2 * time.Minute
)

type containerActionRequest struct {
	HostID      string `json:"host_id"`
	StopTimeout int    `json:"stop_timeout,omitempty"`
}

// Lifecycle actions and their agent command names. Pause and unpause have no
// agent command; agents only run the stop-equivalent set.
var agentActionCommands = map[string]string{
	"start":   "start_container",
	"stop":    "stop_container",
	"restart": "restart_container",
}

var actionEvents = map[string]events.Type{
	"start":   events.TypeContainerStarted,
	"stop":    events.TypeContainerStopped,
	"restart": events.TypeContainerRestarted,
}

// handleContainerAction runs one lifecycle action against one container.
func (s *Server) handleContainerAction(w http.ResponseWriter, r *http.Request) {
	containerID := r.PathValue("id")
	action := r.PathValue("action")
	switch action {
	case "start", "stop", "restart", "pause", "unpause":
	default:
		writeError(w, derr.Validationf("unknown container action %q", action))
		return
	}

	var req containerActionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.HostID == "" {
		writeError(w, derr.Validationf("host_id is required"))
		return
	}
	timeout := req.StopTimeout
	if timeout <= 0 {
		timeout = defaultStopTimeout
	}

	host, err := s.deps.Store.GetHost(r.Context(), req.HostID)
	if err != nil {
		writeError(w, err)
		return
	}

	if host.ConnectionType == store.ConnAgent {
		if err := s.actionViaAgent(r, req.HostID, containerID, action, timeout); err != nil {
			writeError(w, err)
			return
		}
	} else if err := s.actionDirect(r, req.HostID, containerID, action, timeout); err != nil {
		writeError(w, err)
		return
	}

	if t, ok := actionEvents[action]; ok {
		s.deps.Bus.Emit(r.Context(), events.Event{
			Type:    t,
			Scope:   events.Scope{HostID: host.ID, HostName: host.Name, ContainerID: containerID},
			Message: "requested via API",
		})
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) actionDirect(r *http.Request, hostID, containerID, action string, timeout int) error {
	api, err := s.deps.Engines.Engine(r.Context(), hostID)
	if err != nil {
		return err
	}
	ctx := r.Context()
	switch action {
	case "start":
		err = api.StartContainer(ctx, containerID)
	case "stop":
		err = api.StopContainer(ctx, containerID, timeout)
	case "restart":
		err = api.RestartContainer(ctx, containerID)
	case "pause":
		err = api.PauseContainer(ctx, containerID)
	case "unpause":
		err = api.UnpauseContainer(ctx, containerID)
	}
	if err != nil {
		return derr.Enginef("%s container %s: %v", action, containerID, err)
	}
	return nil
}

func (s *Server) actionViaAgent(r *http.Request, hostID, containerID, action string, timeout int) error {
	cmd, ok := agentActionCommands[action]
	if !ok {
		return derr.Validationf("action %q is not supported on agent hosts", action)
	}
	agent, err := s.deps.Agents.AgentForHost(r.Context(), hostID)
	if err != nil {
		return err
	}
	_, err = s.deps.Agents.ExecuteCommand(r.Context(), agent.ID, cmd, map[string]any{
		"container_id": containerID,
		"stop_timeout": timeout,
	}, agentCommandTimeout)
	return err
}

// handleContainerLogs returns the last N log lines of a container on a
// directly connected host.
func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	containerID := r.PathValue("id")
	hostID := r.URL.Query().Get("host_id")
	if hostID == "" {
		writeError(w, derr.Validationf("host_id is required"))
		return
	}
	lines := defaultLogLines
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, derr.Validationf("lines must be a positive integer"))
			return
		}
		lines = n
	}

	api, err := s.deps.Engines.Engine(r.Context(), hostID)
	if err != nil {
		writeError(w, err)
		return
	}
	logs, err := api.ContainerLogs(r.Context(), containerID, lines)
	if err != nil {
		writeError(w, derr.Enginef("logs for %s: %v", containerID, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"container_id": containerID, "lines": lines, "logs": logs})
}
