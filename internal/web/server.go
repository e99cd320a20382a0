// Package web serves the HTTP API and the UI/agent WebSocket endpoints.
package web

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/darthnorse/dockmon/internal/auth"
	"github.com/darthnorse/dockmon/internal/batch"
	"github.com/darthnorse/dockmon/internal/clock"
	"github.com/darthnorse/dockmon/internal/deploy"
	"github.com/darthnorse/dockmon/internal/docker"
	"github.com/darthnorse/dockmon/internal/events"
	"github.com/darthnorse/dockmon/internal/logging"
	"github.com/darthnorse/dockmon/internal/sched"
	"github.com/darthnorse/dockmon/internal/store"
	"github.com/darthnorse/dockmon/internal/updates"
	"github.com/darthnorse/dockmon/internal/vault"
)

// EnginePool resolves and recycles per-host engine clients.
type EnginePool interface {
	Engine(ctx context.Context, hostID string) (docker.API, error)
	Evict(hostID string)
}

// AgentServer is the slice of the agent coordinator the HTTP layer needs:
// the socket mount plus command routing for agent-backed hosts.
type AgentServer interface {
	HandleWS(w http.ResponseWriter, r *http.Request)
	AgentForHost(ctx context.Context, hostID string) (*store.Agent, error)
	ExecuteCommand(ctx context.Context, agentID, command string, payload any, timeout time.Duration) (json.RawMessage, error)
}

// Updater runs one container update to completion.
type Updater interface {
	Run(ctx context.Context, req updates.Request, progress updates.ProgressFunc) updates.Result
}

// Deployer drives stack rollouts and teardowns.
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request, progress deploy.ProgressFunc) deploy.Result
	Teardown(ctx context.Context, req deploy.Request, removeVolumes bool) error
	Delete(ctx context.Context, deploymentID string) error
}

// BatchRunner starts batch jobs and answers status queries.
type BatchRunner interface {
	Start(ctx context.Context, req batch.Request) (batch.Job, error)
	Get(jobID string) (batch.Job, error)
	List() []batch.Job
}

// UpdateScheduler triggers an on-demand update sweep.
type UpdateScheduler interface {
	TriggerSweep(ctx context.Context) sched.SweepResult
}

// RuleReloader recompiles alert rules after a mutation.
type RuleReloader interface {
	ReloadRules(ctx context.Context) error
}

// Dependencies carries everything the server needs. OIDC, Vault and
// ReloadNotifiers are optional; the matching endpoints degrade gracefully
// when they are absent.
type Dependencies struct {
	Store     *store.Store
	Auth      *auth.Service
	OIDC      *auth.OIDCProvider
	Vault     *vault.Vault
	Engines   EnginePool
	Agents    AgentServer
	Updater   Updater
	Deployer  Deployer
	Batch     BatchRunner
	Scheduler UpdateScheduler
	Alerts    RuleReloader
	Bus       *events.Bus
	Hub       *Hub
	Log       *logging.Logger
	Clock     clock.Clock

	// ReloadNotifiers rebuilds the notification dispatcher from the
	// stored channels. Called after channel mutations.
	ReloadNotifiers func(ctx context.Context) error
}

// Server is the HTTP front of the control plane.
type Server struct {
	deps Dependencies
	log  *logging.Logger
	mux  *http.ServeMux
}

// New builds the server and registers all routes.
func New(deps Dependencies) *Server {
	s := &Server{
		deps: deps,
		log:  deps.Log.With("component", "web"),
		mux:  http.NewServeMux(),
	}
	s.routes()
	return s
}

// Handler returns the root handler for http.Server.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() {
	mux := s.mux

	// Unauthenticated surface.
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /api/v2/auth/setup", s.handleSetup)
	mux.HandleFunc("POST /api/v2/auth/login", s.handleLogin)
	mux.HandleFunc("GET /api/v2/auth/oidc/login", s.handleOIDCLogin)
	mux.HandleFunc("GET /api/v2/auth/oidc/callback", s.handleOIDCCallback)
	// Agents authenticate inside the coordinator with registration tokens.
	mux.HandleFunc("GET /agent/ws", s.deps.Agents.HandleWS)

	// Session surface.
	mux.Handle("POST /api/v2/auth/logout", s.authed(s.handleLogout))
	mux.Handle("GET /api/v2/auth/me", s.authed(s.handleMe))
	mux.Handle("GET /ws", s.authed(s.deps.Hub.HandleWS))

	// API keys and users.
	mux.Handle("GET /api/v2/api-keys", s.perm(auth.CapSettingsManage, s.handleListAPIKeys))
	mux.Handle("POST /api/v2/api-keys", s.perm(auth.CapSettingsManage, s.handleCreateAPIKey))
	mux.Handle("DELETE /api/v2/api-keys/{id}", s.perm(auth.CapSettingsManage, s.handleRevokeAPIKey))
	mux.Handle("POST /api/v2/users", s.perm(auth.CapUsersManage, s.handleCreateUser))

	// Hosts and agents.
	mux.Handle("GET /api/hosts", s.perm(auth.CapHostsView, s.handleListHosts))
	mux.Handle("POST /api/hosts", s.perm(auth.CapHostsManage, s.handleCreateHost))
	mux.Handle("DELETE /api/hosts/{id}", s.perm(auth.CapHostsManage, s.handleDeleteHost))
	mux.Handle("GET /api/hosts/{id}/containers", s.perm(auth.CapContainersView, s.handleHostContainers))
	mux.Handle("GET /api/agents", s.perm(auth.CapHostsView, s.handleListAgents))
	mux.Handle("POST /api/agents/tokens", s.perm(auth.CapHostsManage, s.handleCreateAgentToken))

	// Container actions.
	mux.Handle("POST /api/containers/{id}/{action}", s.perm(auth.CapContainersManage, s.handleContainerAction))
	mux.Handle("GET /api/containers/{id}/logs", s.perm(auth.CapContainersView, s.handleContainerLogs))

	// Updates.
	mux.Handle("GET /api/updates", s.perm(auth.CapContainersView, s.handleListUpdates))
	mux.Handle("POST /api/updates/check", s.perm(auth.CapUpdatesRun, s.handleCheckUpdates))
	mux.Handle("POST /api/updates/run", s.perm(auth.CapUpdatesRun, s.handleRunUpdate))

	// Alerts.
	mux.Handle("GET /api/alerts", s.perm(auth.CapAlertsView, s.handleListAlerts))
	mux.Handle("POST /api/alerts", s.perm(auth.CapAlertsManage, s.handleCreateAlertRule))
	mux.Handle("GET /api/alerts/rules", s.perm(auth.CapAlertsView, s.handleListAlertRules))
	mux.Handle("PUT /api/alerts/rules/{id}", s.perm(auth.CapAlertsManage, s.handleUpdateAlertRule))
	mux.Handle("DELETE /api/alerts/rules/{id}", s.perm(auth.CapAlertsManage, s.handleDeleteAlertRule))

	// Deployments.
	mux.Handle("GET /api/deployments", s.perm(auth.CapDeploymentsView, s.handleListDeployments))
	mux.Handle("POST /api/deployments", s.perm(auth.CapDeploymentsRun, s.handleCreateDeployment))
	mux.Handle("GET /api/deployments/{id}", s.perm(auth.CapDeploymentsView, s.handleGetDeployment))
	mux.Handle("DELETE /api/deployments/{id}", s.perm(auth.CapDeploymentsRun, s.handleDeleteDeployment))

	// Batch jobs.
	mux.Handle("POST /api/batch", s.perm(auth.CapBatchRun, s.handleStartBatch))
	mux.Handle("GET /api/batch", s.perm(auth.CapBatchRun, s.handleListBatch))
	mux.Handle("GET /api/batch/{id}", s.perm(auth.CapBatchRun, s.handleGetBatch))

	// Events and audit.
	mux.Handle("GET /api/events", s.perm(auth.CapEventsView, s.handleListEvents))
	mux.Handle("GET /api/audit", s.perm(auth.CapSettingsManage, s.handleListAudit))

	// Settings and notification channels.
	mux.Handle("GET /api/settings", s.perm(auth.CapSettingsManage, s.handleGetSettings))
	mux.Handle("PUT /api/settings", s.perm(auth.CapSettingsManage, s.handleUpdateSettings))
	mux.Handle("GET /api/settings/oidc", s.perm(auth.CapSettingsManage, s.handleGetOIDCConfig))
	mux.Handle("PUT /api/settings/oidc", s.perm(auth.CapSettingsManage, s.handleSetOIDCConfig))
	mux.Handle("PUT /api/settings/oidc/mappings", s.perm(auth.CapSettingsManage, s.handleSetOIDCMapping))
	mux.Handle("DELETE /api/settings/oidc/mappings/{claim}", s.perm(auth.CapSettingsManage, s.handleDeleteOIDCMapping))
	mux.Handle("GET /api/notifications/channels", s.perm(auth.CapSettingsManage, s.handleListChannels))
	mux.Handle("POST /api/notifications/channels", s.perm(auth.CapSettingsManage, s.handleCreateChannel))
	mux.Handle("PUT /api/notifications/channels/{id}", s.perm(auth.CapSettingsManage, s.handleUpdateChannel))
	mux.Handle("DELETE /api/notifications/channels/{id}", s.perm(auth.CapSettingsManage, s.handleDeleteChannel))
	mux.Handle("POST /api/notifications/channels/{id}/test", s.perm(auth.CapSettingsManage, s.handleTestChannel))
}

// authed wraps a handler with authentication and CSRF enforcement.
func (s *Server) authed(h http.HandlerFunc) http.Handler {
	return auth.Middleware(s.deps.Auth)(auth.CSRFMiddleware(h))
}

// perm is authed plus a capability requirement.
func (s *Server) perm(capability string, h http.HandlerFunc) http.Handler {
	return auth.Middleware(s.deps.Auth)(auth.CSRFMiddleware(auth.RequireCapability(s.deps.Auth, capability)(h)))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
