package web

import (
	"context"
	"net/http"
	"time"

	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/updates"
)

func (s *Server) handleListUpdates(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Store.ListContainerUpdates(r.Context(), r.URL.Query().Get("host_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []*store.ContainerUpdate{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleCheckUpdates runs one sweep over every tracked container and
// reports the tally.
func (s *Server) handleCheckUpdates(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Scheduler.TriggerSweep(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{
		"checked":   res.Checked,
		"available": res.Available,
		"errors":    res.Errors,
	})
}

type runUpdateRequest struct {
	HostID            string `json:"host_id"`
	ContainerID       string `json:"container_id"`
	ContainerName     string `json:"container_name,omitempty"`
	NewImage          string `json:"new_image,omitempty"`
	StopTimeout       int    `json:"stop_timeout,omitempty"`
	HealthTimeoutSecs int    `json:"health_timeout_seconds,omitempty"`
}

// handleRunUpdate starts one container update in the background. Progress
// streams over the UI socket; the call returns as soon as the update is
// accepted.
func (s *Server) handleRunUpdate(w http.ResponseWriter, r *http.Request) {
	var req runUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.HostID == "" || req.ContainerID == "" {
		writeError(w, derr.Validationf("host_id and container_id are required"))
		return
	}
	if _, err := s.deps.Store.GetHost(r.Context(), req.HostID); err != nil {
		writeError(w, err)
		return
	}

	ureq := updates.Request{
		HostID:        req.HostID,
		ContainerID:   req.ContainerID,
		ContainerName: req.ContainerName,
		NewImage:      req.NewImage,
		StopTimeout:   req.StopTimeout,
	}
	if req.HealthTimeoutSecs > 0 {
		ureq.HealthTimeout = time.Duration(req.HealthTimeoutSecs) * time.Second
	}

	composite := updates.CompositeID(req.HostID, req.ContainerID)
	go func() {
		ctx := context.WithoutCancel(r.Context())
		res := s.deps.Updater.Run(ctx, ureq, func(stage string, percent float64, message string) {
			s.deps.Hub.Broadcast("container_update_layer_progress", map[string]any{
				"container_id": composite,
				"host_id":      req.HostID,
				"stage":        stage,
				"percent":      percent,
				"message":      message,
			})
		})
		s.deps.Hub.Broadcast("container_update_complete", map[string]any{
			"container_id":     composite,
			"host_id":          req.HostID,
			"success":          res.Success,
			"rolled_back":      res.RolledBack,
			"new_container_id": res.NewContainerID,
			"error":            res.Error,
		})
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started", "container_id": composite})
}
