package web

import (
	"net/http"
	"strconv"

	"github.com/darthnorse/dockmon/internal/derr"
	"github.com/darthnorse/dockmon/internal/store"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, derr.Validationf("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	rows, err := s.deps.Store.ListEvents(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if rows == nil {
		rows = []*store.EventRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.deps.Store.ListAudit(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*store.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
