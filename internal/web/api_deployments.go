package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/deploy"
	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/store"
)

type createDeploymentRequest struct {
	HostID                  string   `json:"host_id"`
	Name                    string   `json:"name"`
	DeploymentType          string   `json:"deployment_type,omitempty"`
	ComposeYAML             string   `json:"compose_yaml"`
	EnvFile                 string   `json:"env_file,omitempty"`
	Profiles                []string `json:"profiles,omitempty"`
	WaitForHealthy          bool     `json:"wait_for_healthy,omitempty"`
	HealthTimeoutSecs       int      `json:"health_timeout_seconds,omitempty"`
	RollbackOnFailure       bool     `json:"rollback_on_failure,omitempty"`
	RemoveVolumesOnRollback bool     `json:"remove_volumes_on_rollback,omitempty"`
}

// handleCreateDeployment validates the plan, records the deployment and
// starts the rollout in the background. Progress streams over the UI socket.
func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.HostID == "" || req.Name == "" || req.ComposeYAML == "" {
		writeError(w, derr.Validationf("host_id, name and compose_yaml are required"))
		return
	}
	if req.DeploymentType == "" {
		req.DeploymentType = "stack"
	}
	if _, err := s.deps.Store.GetHost(r.Context(), req.HostID); err != nil {
		writeError(w, err)
		return
	}
	// Reject malformed compose input before anything is recorded.
	if _, err := deploy.ParseCompose([]byte(req.ComposeYAML)); err != nil {
		writeError(w, err)
		return
	}

	id := req.HostID + ":" + uuid.NewString()[:8]
	dreq := deploy.Request{
		DeploymentID:            id,
		HostID:                  req.HostID,
		Project:                 req.Name,
		ComposeYAML:             []byte(req.ComposeYAML),
		EnvFile:                 []byte(req.EnvFile),
		Profiles:                req.Profiles,
		WaitForHealthy:          req.WaitForHealthy,
		HealthTimeout:           time.Duration(req.HealthTimeoutSecs) * time.Second,
		RollbackOnFailure:       req.RollbackOnFailure,
		RemoveVolumesOnRollback: req.RemoveVolumesOnRollback,
	}
	definition, err := json.Marshal(dreq)
	if err != nil {
		writeError(w, err)
		return
	}

	dep := &store.Deployment{
		ID:                id,
		HostID:            req.HostID,
		DeploymentType:    req.DeploymentType,
		Name:              req.Name,
		Status:            store.DeployPlanning,
		Definition:        definition,
		RollbackOnFailure: req.RollbackOnFailure,
	}
	if err := s.deps.Store.CreateDeployment(r.Context(), dep); err != nil {
		writeError(w, err)
		return
	}

	go func() {
		ctx := context.WithoutCancel(r.Context())
		res := s.deps.Deployer.Deploy(ctx, dreq, func(stage string, percent float64, message string) {
			s.deps.Hub.Broadcast("deployment_progress", map[string]any{
				"deployment_id": id,
				"stage":         stage,
				"percent":       percent,
				"message":       message,
			})
		})
		s.deps.Hub.Broadcast("deployment_complete", map[string]any{
			"deployment_id": id,
			"result":        res,
		})
	}()

	writeJSON(w, http.StatusAccepted, dep)
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Store.ListDeployments(r.Context(), r.URL.Query().Get("host_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*store.Deployment{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.deps.Store.GetDeployment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// handleDeleteDeployment tears a completed stack down, then removes the
// record. In-flight deployments are a conflict.
func (s *Server) handleDeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dep, err := s.deps.Store.GetDeployment(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if !store.DeletableDeploymentStatus(dep.Status) {
		writeError(w, derr.Conflictf("deployment %s is %s and cannot be deleted", id, dep.Status))
		return
	}

	if dep.Committed {
		var dreq deploy.Request
		if err := json.Unmarshal(dep.Definition, &dreq); err != nil {
			writeError(w, derr.Validationf("stored deployment definition is unreadable: %v", err))
			return
		}
		removeVolumes := r.URL.Query().Get("remove_volumes") == "true"
		if err := s.deps.Deployer.Teardown(r.Context(), dreq, removeVolumes); err != nil {
			writeError(w, err)
			return
		}
	}

	if err := s.deps.Deployer.Delete(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
