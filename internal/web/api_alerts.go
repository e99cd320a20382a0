package web

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/darthnorse/dockmon/internal/alerts"
	"github.com/darthnorse/dockmon/internal/store"
)

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := s.deps.Store.ListAlerts(r.Context(), activeOnly)
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []*store.Alert{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListAlertRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Store.ListAlertRules(r.Context(), false)
	if err != nil {
		writeError(w, err)
		return
	}
	if rules == nil {
		rules = []*store.AlertRule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleCreateAlertRule(w http.ResponseWriter, r *http.Request) {
	var rule store.AlertRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	if err := alerts.ValidateRule(&rule); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.CreateAlertRule(r.Context(), &rule); err != nil {
		writeError(w, err)
		return
	}
	s.reloadRules(r)
	writeJSON(w, http.StatusCreated, &rule)
}

func (s *Server) handleUpdateAlertRule(w http.ResponseWriter, r *http.Request) {
	var rule store.AlertRule
	if err := decodeJSON(r, &rule); err != nil {
		writeError(w, err)
		return
	}
	rule.ID = r.PathValue("id")
	if err := alerts.ValidateRule(&rule); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Store.UpdateAlertRule(r.Context(), &rule); err != nil {
		writeError(w, err)
		return
	}
	s.reloadRules(r)
	writeJSON(w, http.StatusOK, &rule)
}

func (s *Server) handleDeleteAlertRule(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.DeleteAlertRule(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	s.reloadRules(r)
	w.WriteHeader(http.StatusNoContent)
}

// reloadRules recompiles the alert engine's rule set after a mutation. The
// row is already committed, so a reload failure is logged, not surfaced.
func (s *Server) reloadRules(r *http.Request) {
	if s.deps.Alerts == nil {
		return
	}
	if err := s.deps.Alerts.ReloadRules(r.Context()); err != nil {
		s.log.Warn("alert rule reload failed", "error", err)
	}
}
