package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/auth"
	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/metrics"
	"github.com/darthnorse/dockmon/internal/store"
)

func (s *Server) handleListHosts(w http.ResponseWriter, r *http.Request) {
	hosts, err := s.deps.Store.ListHosts(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if hosts == nil {
		hosts = []*store.Host{}
	}
	writeJSON(w, http.StatusOK, hosts)
}

type createHostRequest struct {
	Name           string          `json:"name"`
	URL            string          `json:"url"`
	ConnectionType string          `json:"connection_type"`
	TLSMaterial    json.RawMessage `json:"tls_material,omitempty"`
}

// handleCreateHost registers a host and, for directly connected ones,
// verifies the engine is reachable before committing to it.
func (s *Server) handleCreateHost(w http.ResponseWriter, r *http.Request) {
	var req createHostRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, derr.Validationf("host name is required"))
		return
	}
	if req.ConnectionType == "" {
		req.ConnectionType = store.ConnLocal
	}
	switch req.ConnectionType {
	case store.ConnLocal, store.ConnRemote:
		if req.URL == "" {
			writeError(w, derr.Validationf("host url is required for %s hosts", req.ConnectionType))
			return
		}
	case store.ConnAgent:
		// Agent hosts are born from registration, not from this endpoint.
		writeError(w, derr.Validationf("agent hosts register through the agent socket"))
		return
	default:
		writeError(w, derr.Validationf("unknown connection type %q", req.ConnectionType))
		return
	}

	id := auth.GetIdentity(r.Context())
	h := &store.Host{
		ID:             uuid.NewString(),
		Name:           req.Name,
		URL:            req.URL,
		ConnectionType: req.ConnectionType,
		TLSMaterial:    req.TLSMaterial,
		CreatedBy:      id.Name,
	}
	if err := s.deps.Store.CreateHost(r.Context(), h); err != nil {
		writeError(w, err)
		return
	}

	if _, err := s.deps.Engines.Engine(r.Context(), h.ID); err != nil {
		if delErr := s.deps.Store.DeleteHost(r.Context(), h.ID); delErr != nil {
			s.log.Warn("rollback of unreachable host failed", "host_id", h.ID, "error", delErr)
		}
		writeError(w, err)
		return
	}

	s.deps.Bus.Emit(r.Context(), events.Event{
		Type:    events.TypeHostConnected,
		Scope:   events.Scope{HostID: h.ID, HostName: h.Name},
		Message: "host added",
	})
	s.refreshHostGauge(r.Context())
	writeJSON(w, http.StatusCreated, h)
}

func (s *Server) handleDeleteHost(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("id")
	h, err := s.deps.Store.GetHost(r.Context(), hostID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.DeleteHost(r.Context(), hostID); err != nil {
		writeError(w, err)
		return
	}
	s.deps.Engines.Evict(hostID)
	s.deps.Bus.Emit(r.Context(), events.Event{
		Type:    events.TypeHostDisconnected,
		Scope:   events.Scope{HostID: h.ID, HostName: h.Name},
		Message: "host removed",
	})
	s.refreshHostGauge(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshHostGauge(ctx context.Context) {
	hosts, err := s.deps.Store.ListHosts(ctx)
	if err != nil {
		return
	}
	metrics.HostsMonitored.Set(float64(len(hosts)))
}

// handleHostContainers lists the containers on one host, including stopped
// ones. Agent-backed hosts are read through their agent.
func (s *Server) handleHostContainers(w http.ResponseWriter, r *http.Request) {
	hostID := r.PathValue("id")
	h, err := s.deps.Store.GetHost(r.Context(), hostID)
	if err != nil {
		writeError(w, err)
		return
	}

	if h.ConnectionType == store.ConnAgent {
		agent, err := s.deps.Agents.AgentForHost(r.Context(), hostID)
		if err != nil {
			writeError(w, err)
			return
		}
		raw, err := s.deps.Agents.ExecuteCommand(r.Context(), agent.ID, "list_containers",
			map[string]bool{"all": true}, 30*time.Second)
		if err != nil {
			writeError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(raw)
		return
	}

	api, err := s.deps.Engines.Engine(r.Context(), hostID)
	if err != nil {
		writeError(w, err)
		return
	}
	containers, err := api.ListContainers(r.Context(), true)
	if err != nil {
		writeError(w, derr.Enginef("list containers on %s: %v", hostID, err))
		return
	}
	writeJSON(w, http.StatusOK, containers)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.deps.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if agents == nil {
		agents = []*store.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

const registrationTokenTTL = 15 * time.Minute

// handleCreateAgentToken mints a single-use enrollment token for a new
// agent.
func (s *Server) handleCreateAgentToken(w http.ResponseWriter, r *http.Request) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		writeError(w, err)
		return
	}
	id := auth.GetIdentity(r.Context())
	now := s.deps.Clock.Now()
	tok := &store.RegistrationToken{
		Token:     hex.EncodeToString(buf),
		CreatedBy: id.Name,
		CreatedAt: now,
		ExpiresAt: now.Add(registrationTokenTTL),
	}
	if err := s.deps.Store.CreateRegistrationToken(r.Context(), tok); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}
